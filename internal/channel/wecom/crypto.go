package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Callback crypto errors.
var (
	ErrSignature = errors.New("wecom: signature mismatch")
	ErrReceiver  = errors.New("wecom: receiver id mismatch")
	ErrPayload   = errors.New("wecom: malformed encrypted payload")
)

const blockSize = 32

// Crypto verifies and decrypts callback payloads signed with the callback
// token and encrypted with the 43-character EncodingAESKey.
type Crypto struct {
	token      string
	receiverID string
	key        []byte

	// Rand supplies the random prefix for Encrypt; nil means crypto/rand.
	Rand io.Reader
}

// NewCrypto validates the AES key and returns a Crypto for receiverID (the
// corp id).
func NewCrypto(token, encodingAESKey, receiverID string) (*Crypto, error) {
	if len(encodingAESKey) != 43 {
		return nil, fmt.Errorf("wecom: EncodingAESKey must be 43 characters, got %d", len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("wecom: decode EncodingAESKey: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("wecom: EncodingAESKey decodes to %d bytes", len(key))
	}
	return &Crypto{token: token, receiverID: receiverID, key: key}, nil
}

// Signature is the hex SHA-1 of the sorted token, timestamp, nonce and
// ciphertext.
func (c *Crypto) Signature(timestamp, nonce, encrypted string) string {
	parts := []string{c.token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func (c *Crypto) verify(signature, timestamp, nonce, encrypted string) error {
	want := c.Signature(timestamp, nonce, encrypted)
	if subtle.ConstantTimeCompare([]byte(want), []byte(signature)) != 1 {
		return ErrSignature
	}
	return nil
}

// VerifyURL checks the URL-verification request and returns the decrypted
// echostr that must be echoed back.
func (c *Crypto) VerifyURL(signature, timestamp, nonce, echostr string) ([]byte, error) {
	if err := c.verify(signature, timestamp, nonce, echostr); err != nil {
		return nil, err
	}
	return c.Decrypt(echostr)
}

type envelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	Encrypt    string   `xml:"Encrypt"`
	AgentID    string   `xml:"AgentID"`
}

// DecryptMessage verifies a POSTed callback body and returns the plaintext
// XML inside it.
func (c *Crypto) DecryptMessage(body []byte, signature, timestamp, nonce string) ([]byte, error) {
	var env envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if env.Encrypt == "" {
		return nil, fmt.Errorf("%w: empty Encrypt", ErrPayload)
	}
	if err := c.verify(signature, timestamp, nonce, env.Encrypt); err != nil {
		return nil, err
	}
	return c.Decrypt(env.Encrypt)
}

// Decrypt opens one base64 ciphertext: random(16) | len(4) | msg | receiver.
func (c *Crypto) Decrypt(encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrPayload, len(raw))
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = unpad(plain)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, fmt.Errorf("%w: plaintext too short", ErrPayload)
	}
	n := int(binary.BigEndian.Uint32(plain[16:20]))
	if n < 0 || 20+n > len(plain) {
		return nil, fmt.Errorf("%w: message length %d", ErrPayload, n)
	}
	msg, receiver := plain[20:20+n], string(plain[20+n:])
	if c.receiverID != "" && receiver != c.receiverID {
		return nil, ErrReceiver
	}
	return msg, nil
}

// Encrypt seals msg the way the platform does; used for replies and tests.
func (c *Crypto) Encrypt(msg []byte) (string, error) {
	rnd := c.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	var buf bytes.Buffer
	prefix := make([]byte, 16)
	if _, err := io.ReadFull(rnd, prefix); err != nil {
		return "", err
	}
	buf.Write(prefix)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
	buf.Write(n[:])
	buf.Write(msg)
	buf.WriteString(c.receiverID)

	plain := pad(buf.Bytes())
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, plain)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pad(b []byte) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrPayload
	}
	n := int(b[len(b)-1])
	if n < 1 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrPayload)
	}
	return b[:len(b)-n], nil
}

// Event is the plaintext callback telling the bridge new messages are
// waiting to be pulled.
type Event struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	CreateTime int64    `xml:"CreateTime"`
	MsgType    string   `xml:"MsgType"`
	Event      string   `xml:"Event"`
	Token      string   `xml:"Token"`
	OpenKfID   string   `xml:"OpenKfId"`
}

// ParseEvent decodes a decrypted callback.
func ParseEvent(plain []byte) (Event, error) {
	var ev Event
	if err := xml.Unmarshal(plain, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	ev.Token = strings.TrimSpace(ev.Token)
	ev.OpenKfID = strings.TrimSpace(ev.OpenKfID)
	return ev, nil
}
