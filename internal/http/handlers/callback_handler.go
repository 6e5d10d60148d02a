package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-kf-bridge/internal/channel/wecom"
	"github.com/tbourn/go-kf-bridge/internal/http/middleware"
	"github.com/tbourn/go-kf-bridge/internal/services"
)

// CallbackCrypto verifies and opens signed callback payloads.
type CallbackCrypto interface {
	VerifyURL(signature, timestamp, nonce, echostr string) ([]byte, error)
	DecryptMessage(body []byte, signature, timestamp, nonce string) ([]byte, error)
}

// BatchSubmitter queues a sync batch for background ingestion without
// blocking the callback.
type BatchSubmitter interface {
	Submit(services.Batch) error
}

// Callback serves the channel's callback URL.
type Callback struct {
	crypto CallbackCrypto
	ingest BatchSubmitter
	// openKfID is used when the event does not name the account.
	openKfID string
}

// NewCallback binds the callback endpoints to crypto and the ingest queue.
func NewCallback(crypto CallbackCrypto, ingest BatchSubmitter, openKfID string) *Callback {
	return &Callback{crypto: crypto, ingest: ingest, openKfID: strings.TrimSpace(openKfID)}
}

var ackBody = []byte("success")

// Verify godoc
// @ID          verifyCallback
// @Summary     Verify callback URL
// @Description Checks the signature and echoes the decrypted echostr, as required when the callback URL is configured.
// @Tags        Callback
// @Produce     plain
// @Param       msg_signature  query  string  true  "Signature"
// @Param       timestamp      query  string  true  "Timestamp"
// @Param       nonce          query  string  true  "Nonce"
// @Param       echostr        query  string  true  "Encrypted echo string"
// @Success     200  {string}  string  "decrypted echostr"
// @Failure     400  {object}  handlers.ErrorResponse  "Missing parameters"
// @Failure     403  {object}  handlers.ErrorResponse  "Signature mismatch"
// @Router      /wecom/kf/callback [get]
func (h *Callback) Verify(c *gin.Context) {
	sig, ts, nonce, echo := c.Query("msg_signature"), c.Query("timestamp"), c.Query("nonce"), c.Query("echostr")
	if sig == "" || ts == "" || nonce == "" || echo == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "msg_signature, timestamp, nonce and echostr are required")
		return
	}
	out, err := h.crypto.VerifyURL(sig, ts, nonce, echo)
	switch {
	case errors.Is(err, wecom.ErrSignature):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "signature mismatch")
		return
	case err != nil:
		middleware.LoggerFrom(c).Warn().Err(err).Msg("callback verify failed")
		fail(c, http.StatusBadRequest, ErrCodeVerifyFailed, "cannot decrypt echostr")
		return
	}
	plain(c, out)
}

// Receive godoc
// @ID          receiveCallback
// @Summary     Receive callback event
// @Description Decrypts the event, queues a message sync for its token and acknowledges immediately. Undecodable events are dropped but still acknowledged.
// @Tags        Callback
// @Accept      xml
// @Produce     plain
// @Param       msg_signature  query  string  true  "Signature"
// @Param       timestamp      query  string  true  "Timestamp"
// @Param       nonce          query  string  true  "Nonce"
// @Success     200  {string}  string  "success"
// @Failure     403  {object}  handlers.ErrorResponse  "Signature mismatch"
// @Router      /wecom/kf/callback [post]
func (h *Callback) Receive(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		lg.Warn().Err(err).Msg("callback body unreadable")
		plain(c, ackBody)
		return
	}
	xmlPlain, err := h.crypto.DecryptMessage(body, c.Query("msg_signature"), c.Query("timestamp"), c.Query("nonce"))
	if errors.Is(err, wecom.ErrSignature) {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "signature mismatch")
		return
	}
	if err != nil {
		lg.Warn().Err(err).Msg("callback payload dropped")
		plain(c, ackBody)
		return
	}
	ev, err := wecom.ParseEvent(xmlPlain)
	if err != nil || ev.Token == "" {
		lg.Warn().Err(err).Str("event", ev.Event).Msg("callback without sync token")
		plain(c, ackBody)
		return
	}

	batch := services.Batch{Token: ev.Token, OpenKfID: ev.OpenKfID}
	if batch.OpenKfID == "" {
		batch.OpenKfID = h.openKfID
	}
	if err := h.ingest.Submit(batch); err != nil {
		lg.Warn().Err(err).Str("open_kfid", batch.OpenKfID).Msg("ingest batch rejected")
	}
	plain(c, ackBody)
}
