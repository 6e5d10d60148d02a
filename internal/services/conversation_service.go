// Package services – ConversationService
//
// ConversationService executes the steps produced by Plan: it loads the
// user, performs the backend calls a step needs, persists the new state and
// returns the reply text. Calls for one user are serialized, so at most one
// completion is in flight per conversation.
package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-kf-bridge/internal/backend/owui"
	"github.com/tbourn/go-kf-bridge/internal/channel/wecom"
	"github.com/tbourn/go-kf-bridge/internal/domain"
	"github.com/tbourn/go-kf-bridge/internal/poller"
	"github.com/tbourn/go-kf-bridge/internal/sysutil"
)

// Defaults of ConversationService.
const (
	DefaultImageTTL       = 900 * time.Second
	DefaultModelsCacheTTL = 2 * time.Minute
	DefaultReplyImages    = 4

	chatListLimit  = 100
	previewCount   = 10
	previewRunes   = 280
	previewKept    = 277
	titleSeedRunes = 16
	titleLayout    = "20060102-1504"
)

// UserRepo defines the persistence contract for channel users.
type UserRepo interface {
	// GetOrCreateUser loads a user, creating it with defaultModel when absent.
	GetOrCreateUser(ctx context.Context, db *gorm.DB, externalID, defaultModel string) (*domain.User, error)

	// SaveUser writes the full user row.
	SaveUser(ctx context.Context, db *gorm.DB, u *domain.User) error
}

// Backend is the chat backend as used by the state machine.
type Backend interface {
	ListModels(ctx context.Context, token string) ([]domain.ModelRef, error)
	ListChats(ctx context.Context, token string, limit int) ([]domain.ChatRef, error)
	CreateChat(ctx context.Context, token, title string, models []string) (string, error)
	Messages(ctx context.Context, token, chatID string) ([]domain.Message, error)
	AppendUserMessage(ctx context.Context, token, chatID, model, text string, images []string) (string, error)
	SeedAssistant(ctx context.Context, token, chatID, model, parentID string) (string, error)
	Complete(ctx context.Context, token string, req owui.CompletionRequest) (owui.Reply, error)
	SaveAssistant(ctx context.Context, token, chatID string, r owui.Reply) error
	MarkCompleted(ctx context.Context, token, chatID, assistantID, sessionID, model string) error
	RenameChat(ctx context.Context, token, chatID, title string) error
	SetChatModel(ctx context.Context, token, chatID, model string) error
	FetchImage(ctx context.Context, token, ref string) ([]byte, string, error)
}

// Notifier pushes messages to a channel user outside the reply path. The
// outbox Relay implements it.
type Notifier interface {
	SendText(ctx context.Context, to, text string) error
	SendImage(ctx context.Context, to string, data []byte, filename string) error
}

// ConversationService runs the per-user conversation state machine.
type ConversationService struct {
	DB      *gorm.DB
	Users   UserRepo
	Backend Backend
	Notify  Notifier
	Poller  *poller.Poller

	// DefaultModel is given to new users.
	DefaultModel string
	// ImageTTL bounds how long a received image waits for its text.
	ImageTTL time.Duration
	// ContextMessages caps the history sent with a completion.
	ContextMessages int
	// ModelsCacheTTL bounds the model list kept for the menu header.
	ModelsCacheTTL time.Duration
	// ReplyImages caps the images relayed per reply.
	ReplyImages int

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	locks keyedMutex
}

// NewConversationService constructs a ConversationService with defaults.
func NewConversationService(db *gorm.DB, users UserRepo, backend Backend, notify Notifier, p *poller.Poller) *ConversationService {
	if p == nil {
		p = poller.New(0, 0, 0)
	}
	return &ConversationService{
		DB:              db,
		Users:           users,
		Backend:         backend,
		Notify:          notify,
		Poller:          p,
		ImageTTL:        DefaultImageTTL,
		ContextMessages: owui.DefaultContextMessages,
		ModelsCacheTTL:  DefaultModelsCacheTTL,
		ReplyImages:     DefaultReplyImages,
	}
}

func (s *ConversationService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Handle processes one inbound text from externalID and returns the reply.
// Backend failures are turned into reply texts; the error is non-nil only
// when the user record cannot be loaded.
func (s *ConversationService) Handle(ctx context.Context, externalID, text string) (string, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", ErrEmptyRecipient
	}
	if s.Backend == nil {
		return "", ErrNoBackend
	}
	unlock := s.locks.Lock(externalID)
	defer unlock()

	u, err := s.Users.GetOrCreateUser(ctx, s.DB, externalID, s.DefaultModel)
	if err != nil {
		return "", err
	}
	step := Plan(u, text)

	ctx, span := otel.Tracer("services/ConversationService").Start(ctx, "Handle")
	span.SetAttributes(
		attribute.String("state", string(u.State)),
		attribute.String("action", step.Action.String()),
	)
	defer span.End()

	log.Info().
		Str("ext_uid", externalID).
		Str("state", string(u.State)).
		Str("action", step.Action.String()).
		Msg("conversation step")

	return s.execute(ctx, u, step)
}

// AcceptImage caches an inbound image as the user's recent image so the next
// text uses it, and returns the guide line to send back. Unbound users get
// the binding prompt instead.
func (s *ConversationService) AcceptImage(ctx context.Context, externalID, dataURL string) (string, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", ErrEmptyRecipient
	}
	unlock := s.locks.Lock(externalID)
	defer unlock()

	u, err := s.Users.GetOrCreateUser(ctx, s.DB, externalID, s.DefaultModel)
	if err != nil {
		return "", err
	}
	if !u.Bound() {
		return TextBindPrompt, nil
	}
	now := s.now().UTC()
	u.RecentImage, u.RecentImageAt = dataURL, &now
	if err := s.save(ctx, u); err != nil {
		return "", err
	}
	return TextImageReceived, nil
}

func (s *ConversationService) save(ctx context.Context, u *domain.User) error {
	err := s.Users.SaveUser(ctx, s.DB, u)
	if err != nil {
		log.Error().Err(err).Str("ext_uid", u.ExternalID).Msg("save user failed")
	}
	return err
}

func (s *ConversationService) execute(ctx context.Context, u *domain.User, step Step) (string, error) {
	token := u.Credential

	switch step.Action {
	case ActReply, ActNeedBind, ActHelp:
		return step.Arg, nil

	case ActResetReply, ActRenameDiscard:
		u.ResetToMenu()
		return step.Arg, s.save(ctx, u)

	case ActCancel:
		u.ResetToMenu()
		menu := s.menu(ctx, u)
		return menu, s.save(ctx, u)

	case ActBind:
		u.Credential = step.Arg
		u.ResetToMenu()
		u.ModelsCache, u.ModelsCachedAt = nil, nil
		log.Info().Str("ext_uid", u.ExternalID).Str("credential", sysutil.Mask(step.Arg)).Msg("credential bound")
		menu := s.menu(ctx, u)
		return TextBound + menu, s.save(ctx, u)

	case ActNewChat:
		u.State, u.ConversationID, u.Scratch = domain.StateInChat, "", domain.ScratchColumn{}
		return step.Arg, s.save(ctx, u)

	case ActListChats, ActListRenames:
		chats, err := s.Backend.ListChats(ctx, token, chatListLimit)
		if err != nil {
			log.Error().Err(err).Msg("list chats failed")
			return fmt.Sprintf(textChatsFailed, err), nil
		}
		if len(chats) == 0 {
			empty := textNoChats
			if step.Action == ActListRenames {
				empty = textNoRenames
			}
			menu := s.menu(ctx, u)
			return empty + menu, s.save(ctx, u)
		}
		u.State = step.Next
		if step.Action == ActListChats {
			u.Scratch = domain.NewScratch(domain.ChatPick{Chats: chats})
			return chatList(textChatsHead, chats, textChatsFoot), s.save(ctx, u)
		}
		u.Scratch = domain.NewScratch(domain.RenamePick{Chats: chats})
		return chatList(textRenamesHead, chats, textModelsFoot), s.save(ctx, u)

	case ActListModels:
		models, err := s.Backend.ListModels(ctx, token)
		if err != nil {
			log.Error().Err(err).Msg("list models failed")
			return fmt.Sprintf(textModelsFailed, err), nil
		}
		if len(models) == 0 {
			return textNoModels, nil
		}
		if len(models) > maxListed {
			models = models[:maxListed]
		}
		s.cacheModels(u, models)
		u.State = step.Next
		u.Scratch = domain.NewScratch(domain.ModelPick{Models: models})
		return modelList(textModelsHead, models), s.save(ctx, u)

	case ActOpenChat:
		title := step.Arg
		if p, ok := u.Scratch.Data.(domain.ChatPick); ok && step.Index < len(p.Chats) {
			title = p.Chats[step.Index].Label()
		}
		u.State, u.ConversationID, u.Scratch = domain.StateInChat, step.Arg, domain.ScratchColumn{}
		if err := s.save(ctx, u); err != nil {
			return "", err
		}
		return fmt.Sprintf(textSwitched, title) + s.preview(ctx, token, step.Arg) + textSwitchedFoot, nil

	case ActPickModel:
		p, _ := u.Scratch.Data.(domain.ModelPick)
		name := step.Arg
		if step.Index < len(p.Models) {
			name = p.Models[step.Index].Name
		}
		u.Model = step.Arg
		u.State, u.ConversationID, u.Scratch = domain.StateInChat, p.PendingConversationID, domain.ScratchColumn{}
		if err := s.save(ctx, u); err != nil {
			return "", err
		}
		if p.PendingConversationID == "" {
			return fmt.Sprintf(textModelNew, name), nil
		}
		if err := s.Backend.SetChatModel(ctx, token, p.PendingConversationID, step.Arg); err != nil {
			log.Warn().Err(err).Str("chat_id", p.PendingConversationID).Msg("set chat model failed")
		}
		return fmt.Sprintf(textModelResume, name), nil

	case ActRenameTarget, ActRenameTitle:
		u.State, u.Scratch = step.Next, domain.NewScratch(step.Scratch)
		return step.Arg, s.save(ctx, u)

	case ActRenameApply:
		rc, _ := step.Scratch.(domain.RenameConfirm)
		if err := s.Backend.RenameChat(ctx, token, rc.ConversationID, step.Arg); err != nil {
			log.Warn().Err(err).Str("chat_id", rc.ConversationID).Msg("rename failed")
			if owui.IsStatus(err, 401) {
				return textRenameDenied, nil
			}
			return fmt.Sprintf(textRenameFailed, err), nil
		}
		u.ResetToMenu()
		return textRenameSaved, s.save(ctx, u)

	case ActSendNew:
		// Position the user before any remote call so a crash mid-call
		// leaves them in the conversation.
		u.State, u.ConversationID, u.Scratch = domain.StateInChat, "", domain.ScratchColumn{}
		if err := s.save(ctx, u); err != nil {
			return "", err
		}
		return s.converse(ctx, u, step.Arg)

	case ActSend:
		return s.converse(ctx, u, step.Arg)
	}

	u.ResetToMenu()
	menu := s.menu(ctx, u)
	return menu, s.save(ctx, u)
}

// converse sends text into the user's conversation, creating one when there
// is none, and returns the reply text.
func (s *ConversationService) converse(ctx context.Context, u *domain.User, text string) (string, error) {
	if u.Model == "" {
		return TextNoModel, nil
	}
	fresh := u.ConversationID == ""
	if fresh {
		if _, err := s.createChat(ctx, u, text); err != nil {
			return s.recoverNew(ctx, u, "", err)
		}
	}
	reply, err := s.exchange(ctx, u, text, !fresh)
	if err == nil {
		return reply, nil
	}
	if fresh {
		return s.recoverNew(ctx, u, u.ConversationID, err)
	}
	return s.recoverExisting(ctx, u, err)
}

// recoverNew handles a failure while starting a conversation. A missing
// model is not switched silently: the user is asked to pick one, and the
// conversation resumes with it.
func (s *ConversationService) recoverNew(ctx context.Context, u *domain.User, chatID string, err error) (string, error) {
	if !owui.IsModelNotFound(err) {
		log.Error().Err(err).Str("ext_uid", u.ExternalID).Msg("new chat failed")
		return fmt.Sprintf(textGenFailed, err), nil
	}
	models, lerr := s.Backend.ListModels(ctx, u.Credential)
	if lerr != nil || len(models) == 0 {
		log.Warn().Err(lerr).Msg("no model to offer after model failure")
		u.ResetToMenu()
		return TextNoModelPicked, s.save(ctx, u)
	}
	if len(models) > maxListed {
		models = models[:maxListed]
	}
	s.cacheModels(u, models)
	u.State = domain.StatePickModel
	u.ConversationID = ""
	u.Scratch = domain.NewScratch(domain.ModelPick{Models: models, PendingConversationID: chatID})
	return modelList(TextPickModelHead, models), s.save(ctx, u)
}

// recoverExisting handles a failure inside an existing conversation. A
// missing model is replaced by the first available one for the next try.
func (s *ConversationService) recoverExisting(ctx context.Context, u *domain.User, err error) (string, error) {
	if !owui.IsModelNotFound(err) {
		log.Error().Err(err).Str("ext_uid", u.ExternalID).Msg("chat failed")
		return fmt.Sprintf(textGenFailed, err), nil
	}
	picked, perr := s.firstModel(ctx, u.Credential)
	if perr != nil {
		return fmt.Sprintf(textModelListErr, perr), nil
	}
	if picked == "" {
		return textModelNoPick, nil
	}
	u.Model = picked
	if err := s.Backend.SetChatModel(ctx, u.Credential, u.ConversationID, picked); err != nil {
		log.Warn().Err(err).Msg("set chat model failed")
	}
	return fmt.Sprintf(textModelSwitched, picked), s.save(ctx, u)
}

// exchange appends the user message, requests a completion, waits for it and
// writes it back. When switchModel is set, a model failure of the completion
// is retried once with the first available model.
func (s *ConversationService) exchange(ctx context.Context, u *domain.User, text string, switchModel bool) (string, error) {
	token, model, chatID := u.Credential, u.Model, u.ConversationID

	var images []string
	if img := u.FreshImage(s.now(), s.ImageTTL); img != "" {
		images = []string{img}
		u.ConsumeImage()
		_ = s.save(ctx, u)
	}

	userID, err := s.Backend.AppendUserMessage(ctx, token, chatID, model, text, images)
	if err != nil {
		if !owui.IsStatus(err, 401) && !owui.IsStatus(err, 404) {
			return "", err
		}
		log.Warn().Err(err).Str("chat_id", chatID).Msg("conversation gone, starting a new one")
		if chatID, err = s.createChat(ctx, u, text); err != nil {
			return "", err
		}
		if userID, err = s.Backend.AppendUserMessage(ctx, token, chatID, model, text, images); err != nil {
			return "", err
		}
	}

	if s.Notify != nil {
		if err := s.Notify.SendText(ctx, u.ExternalID, TextAck); err != nil {
			log.Warn().Err(err).Msg("ack failed")
		}
	}

	history, err := s.Backend.Messages(ctx, token, chatID)
	if err != nil || len(history) == 0 {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("history unavailable, sending the new message only")
		history = []domain.Message{{ID: userID, Role: domain.RoleUser, Text: text, Images: images}}
	}
	assistantID, err := s.Backend.SeedAssistant(ctx, token, chatID, model, userID)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("seed assistant failed")
		assistantID = ""
	}

	req := owui.CompletionRequest{
		Messages:    owui.BuildContext(history, s.ContextMessages),
		ChatID:      chatID,
		AssistantID: assistantID,
		Model:       model,
		SessionID:   u.SessionID,
	}
	reply, err := s.Backend.Complete(ctx, token, req)
	if err != nil && switchModel && owui.IsModelNotFound(err) {
		picked, perr := s.firstModel(ctx, token)
		if perr != nil || picked == "" {
			return "", err
		}
		log.Warn().Str("from", model).Str("to", picked).Msg("model unavailable, switching")
		u.Model, model, req.Model = picked, picked, picked
		_ = s.save(ctx, u)
		if serr := s.Backend.SetChatModel(ctx, token, chatID, picked); serr != nil {
			log.Warn().Err(serr).Msg("set chat model failed")
		}
		reply, err = s.Backend.Complete(ctx, token, req)
	}
	if err != nil {
		return "", err
	}

	out, imgs := reply.Text, reply.Images
	if poller.IsPlaceholder(out) && len(imgs) == 0 {
		fetch := func(ctx context.Context) ([]domain.Message, error) {
			return s.Backend.Messages(ctx, token, chatID)
		}
		res := s.Poller.Await(ctx, fetch, poller.Target{AssistantID: assistantID, UserID: userID})
		log.Info().Str("chat_id", chatID).Str("status", res.Status.String()).Int("attempts", res.Attempts).Msg("completion polled")
		if res.Status == poller.Ready {
			out, imgs = res.Text, res.Images
			if assistantID == "" {
				assistantID = res.MessageID
			}
		}
	}
	if poller.IsPlaceholder(out) {
		out = ""
	}

	if out != "" || len(imgs) > 0 {
		err := s.Backend.SaveAssistant(ctx, token, chatID, owui.Reply{
			AssistantID: assistantID,
			ParentID:    userID,
			Model:       model,
			Text:        out,
			Images:      imgs,
		})
		switch {
		case err != nil:
			log.Error().Err(err).Str("chat_id", chatID).Msg("save reply failed")
		case assistantID != "":
			if err := s.Backend.MarkCompleted(ctx, token, chatID, assistantID, u.SessionID, model); err != nil {
				log.Warn().Err(err).Str("chat_id", chatID).Msg("mark completed failed")
			}
		}
	}
	s.relayImages(ctx, u.ExternalID, token, imgs)

	switch {
	case out == "" && len(imgs) > 0:
		return TextImageDone, nil
	case out == "":
		return TextNoOutput, nil
	}
	return out, nil
}

func (s *ConversationService) createChat(ctx context.Context, u *domain.User, seed string) (string, error) {
	id, err := s.Backend.CreateChat(ctx, u.Credential, BuildTitle(seed, s.now()), []string{u.Model})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", owui.ErrNoChatID
	}
	u.ConversationID = id
	log.Info().Str("ext_uid", u.ExternalID).Str("chat_id", id).Msg("conversation created")
	return id, s.save(ctx, u)
}

func (s *ConversationService) relayImages(ctx context.Context, to, token string, refs []string) {
	if s.Notify == nil {
		return
	}
	n := s.ReplyImages
	if n <= 0 {
		n = DefaultReplyImages
	}
	for i, ref := range refs {
		if i == n {
			break
		}
		data, name, err := s.Backend.FetchImage(ctx, token, ref)
		if err != nil {
			log.Warn().Err(err).Msg("fetch reply image failed")
			continue
		}
		if err := s.Notify.SendImage(ctx, to, data, name); err != nil {
			log.Warn().Err(err).Msg("relay reply image failed")
		}
	}
}

func (s *ConversationService) firstModel(ctx context.Context, token string) (string, error) {
	models, err := s.Backend.ListModels(ctx, token)
	if err != nil {
		log.Warn().Err(err).Msg("auto-pick model failed")
		return "", err
	}
	if len(models) == 0 {
		return "", nil
	}
	return models[0].ID, nil
}

func (s *ConversationService) cacheModels(u *domain.User, models []domain.ModelRef) {
	now := s.now().UTC()
	u.ModelsCache, u.ModelsCachedAt = domain.ModelList(models), &now
}

// menu renders the main menu, refreshing the cached model list when stale.
func (s *ConversationService) menu(ctx context.Context, u *domain.User) string {
	if u.Model == "" {
		return menuText(modelUnset)
	}
	ttl := s.ModelsCacheTTL
	if ttl <= 0 {
		ttl = DefaultModelsCacheTTL
	}
	stale := u.ModelsCachedAt == nil || s.now().Sub(*u.ModelsCachedAt) > ttl || len(u.ModelsCache) == 0
	if stale && u.Bound() {
		models, err := s.Backend.ListModels(ctx, u.Credential)
		if err != nil {
			log.Warn().Err(err).Msg("models refresh failed")
			if len(u.ModelsCache) == 0 {
				return menuText(modelUnknown)
			}
		} else {
			s.cacheModels(u, models)
		}
	}
	for _, m := range u.ModelsCache {
		if m.ID == u.Model {
			return menuText(m.Name)
		}
	}
	return menuText(u.Model)
}

// preview lists the last messages of a conversation for the switch reply.
func (s *ConversationService) preview(ctx context.Context, token, chatID string) string {
	msgs, err := s.Backend.Messages(ctx, token, chatID)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("fetch history failed")
		return textHistoryFailed
	}
	domain.SortByTime(msgs)
	if len(msgs) > previewCount {
		msgs = msgs[len(msgs)-previewCount:]
	}
	if len(msgs) == 0 {
		return textNoHistory
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		who := botLabel
		if m.Role == domain.RoleUser {
			who = youLabel
		}
		lines = append(lines, "• "+who+": "+brief(m))
	}
	return strings.Join(lines, "\n")
}

func brief(m domain.Message) string {
	if m.Text == "" {
		if len(m.Images) > 0 {
			return imageMark
		}
		return emptyMark
	}
	r := []rune(owui.ReplaceImages(m.Text, imageMark))
	if len(r) > previewKept {
		r = r[:previewKept]
	}
	out := string(r)
	if len([]rune(m.Text)) > previewRunes {
		out += "..."
	}
	return out
}

var spaceRun = regexp.MustCompile(`\s+`)

// BuildTitle names a new conversation after its first message: up to 16
// runes of the plain text, then the local creation minute.
func BuildTitle(seed string, now time.Time) string {
	base := spaceRun.ReplaceAllString(wecom.StripMarkdown(seed), " ")
	if r := []rune(base); len(r) > titleSeedRunes {
		base = string(r[:titleSeedRunes])
	}
	if base == "" {
		base = "会话"
	}
	return base + " · " + now.Local().Format(titleLayout)
}
