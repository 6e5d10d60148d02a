package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// Action is the effect the executor carries out for one inbound text.
type Action int

const (
	// ActReply answers with Step.Arg and keeps state and scratch.
	ActReply Action = iota
	// ActResetReply answers with Step.Arg and returns to the menu.
	ActResetReply
	ActNeedBind
	ActCancel
	ActBind
	ActHelp
	ActNewChat
	ActListChats
	ActListModels
	ActListRenames
	// ActSendNew starts a conversation from menu free text.
	ActSendNew
	ActOpenChat
	ActPickModel
	ActRenameTarget
	ActRenameTitle
	ActRenameApply
	ActRenameDiscard
	// ActSend sends text into the current (or a new) conversation.
	ActSend
)

var actionNames = [...]string{
	"reply", "reset_reply", "need_bind", "cancel", "bind", "help", "new_chat",
	"list_chats", "list_models", "list_renames", "send_new", "open_chat",
	"pick_model", "rename_target", "rename_title", "rename_apply",
	"rename_discard", "send",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "action(" + strconv.Itoa(int(a)) + ")"
}

// Step is the planned outcome of one inbound text. Next and Scratch are the
// state and scratch after the action succeeds; Index is the zero-based pick
// of numeric selections; Arg carries the action's text operand (credential,
// message text, picked id, or reply text).
type Step struct {
	Action  Action
	Next    domain.State
	Scratch domain.Scratch
	Index   int
	Arg     string
}

var (
	bindRE    = regexp.MustCompile(`^绑定\s*(\S+)$`)
	numericRE = regexp.MustCompile(`^[1-9]\d*$`)
)

// Plan decides what an inbound text does for a user in its current state. It
// has no side effects: the same state, scratch, binding and text always give
// the same Step.
func Plan(u *domain.User, text string) Step {
	text = strings.TrimSpace(text)
	if oneOf(text, cancelWords) {
		return Step{Action: ActCancel, Next: domain.StateMenu}
	}
	if m := bindRE.FindStringSubmatch(text); m != nil {
		return Step{Action: ActBind, Next: domain.StateMenu, Arg: m[1]}
	}

	state, scratch := u.State, u.Scratch.Data
	if !u.Bound() {
		return Step{Action: ActNeedBind, Next: state, Scratch: scratch, Arg: TextBindPrompt}
	}
	if oneOf(text, helpWords) {
		return Step{Action: ActHelp, Next: state, Scratch: scratch, Arg: TextGuide}
	}

	switch state {
	case domain.StatePickChat:
		return planPick(text, state, scratch, textPickChatHint, func(i int) (Step, bool) {
			p, ok := scratch.(domain.ChatPick)
			if !ok || i >= len(p.Chats) {
				return Step{}, false
			}
			return Step{Action: ActOpenChat, Next: domain.StateInChat, Index: i, Arg: p.Chats[i].ID}, true
		})

	case domain.StatePickModel:
		p, _ := scratch.(domain.ModelPick)
		step := planPick(text, state, scratch, textPickModelHint, func(i int) (Step, bool) {
			if i >= len(p.Models) {
				return Step{}, false
			}
			return Step{Action: ActPickModel, Next: domain.StateInChat, Index: i, Arg: p.Models[i].ID}, true
		})
		if step.Action == ActReply && step.Arg == textInvalidIndex {
			step.Arg = modelList(textInvalidModel, p.Models)
		}
		return step

	case domain.StateRenamePick:
		return planPick(text, state, scratch, textRenameHint, func(i int) (Step, bool) {
			p, ok := scratch.(domain.RenamePick)
			if !ok || i >= len(p.Chats) {
				return Step{}, false
			}
			c := p.Chats[i]
			return Step{
				Action:  ActRenameTarget,
				Next:    domain.StateRenameTitle,
				Scratch: domain.RenameTitle{ConversationID: c.ID, OldTitle: c.Label()},
				Index:   i,
				Arg:     fmt.Sprintf(textRenameAsk, c.Label()),
			}, true
		})

	case domain.StateRenameTitle:
		rt, ok := scratch.(domain.RenameTitle)
		if !ok {
			return Step{Action: ActResetReply, Next: domain.StateMenu, Arg: textBadScratch}
		}
		if text == "" {
			return Step{Action: ActReply, Next: state, Scratch: scratch, Arg: textTitleEmpty}
		}
		return Step{
			Action:  ActRenameTitle,
			Next:    domain.StateRenameConfirm,
			Scratch: domain.RenameConfirm{ConversationID: rt.ConversationID, OldTitle: rt.OldTitle, NewTitle: text},
			Arg:     fmt.Sprintf(textRenameConfirm, rt.OldTitle, text),
		}

	case domain.StateRenameConfirm:
		rc, ok := scratch.(domain.RenameConfirm)
		if !oneOf(text, yesWords) {
			return Step{Action: ActRenameDiscard, Next: domain.StateMenu, Arg: textRenameDropped}
		}
		if !ok || rc.ConversationID == "" || strings.TrimSpace(rc.NewTitle) == "" {
			return Step{Action: ActResetReply, Next: domain.StateMenu, Arg: textBadScratch}
		}
		return Step{Action: ActRenameApply, Next: domain.StateMenu, Scratch: rc, Arg: strings.TrimSpace(rc.NewTitle)}

	case domain.StateInChat:
		if text == "" {
			return Step{Action: ActReply, Next: state, Scratch: scratch, Arg: TextEmptyInput}
		}
		return Step{Action: ActSend, Next: domain.StateInChat, Arg: text}
	}

	// MENU, and any unknown state.
	switch text {
	case "5":
		return Step{Action: ActHelp, Next: domain.StateMenu, Arg: TextGuide}
	case "", "1":
		return Step{Action: ActNewChat, Next: domain.StateInChat, Arg: TextNewChat}
	case "2":
		return Step{Action: ActListChats, Next: domain.StatePickChat}
	case "3":
		return Step{Action: ActListModels, Next: domain.StatePickModel}
	case "4":
		return Step{Action: ActListRenames, Next: domain.StateRenamePick}
	}
	return Step{Action: ActSendNew, Next: domain.StateInChat, Arg: text}
}

// planPick handles the numeric selection states: a valid pick yields the
// step from pick, an out-of-range number re-prompts with textInvalidIndex and
// anything else re-prompts with hint.
func planPick(text string, state domain.State, scratch domain.Scratch, hint string, pick func(int) (Step, bool)) Step {
	if !numericRE.MatchString(text) {
		return Step{Action: ActReply, Next: state, Scratch: scratch, Arg: hint}
	}
	n, err := strconv.Atoi(text)
	if err == nil {
		if step, ok := pick(n - 1); ok {
			return step
		}
	}
	return Step{Action: ActReply, Next: state, Scratch: scratch, Arg: textInvalidIndex}
}
