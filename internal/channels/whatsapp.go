// Package channels normalizes inbound gateway events and decides their
// dispatch path (debounced vs immediate).
package channels

import (
	"fmt"
	"strings"

	watypes "go.mau.fi/whatsmeow/types"

	"github.com/dispatchd/dispatchd/internal/bus"
)

// BypassReason explains why an event skipped the debounce queue.
type BypassReason string

const (
	BypassNone      BypassReason = ""
	BypassNonText   BypassReason = "non_text"
	BypassAudio     BypassReason = "audio"
	BypassOwnDevice BypassReason = "own_device"
	BypassGroup     BypassReason = "group"
	BypassEventType BypassReason = "event_type"
)

// BypassDebounce reports whether the event must skip the merge queue and
// be dispatched immediately. Only rapid consecutive free-text turns from
// the same human are worth coalescing before an LLM call.
func BypassDebounce(env *bus.Envelope) (bool, BypassReason) {
	if env.EventType != bus.EventTypeMessage {
		return true, BypassEventType
	}
	if env.AudioData != "" {
		return true, BypassAudio
	}
	if env.Event.Info.IsFromMe {
		return true, BypassOwnDevice
	}
	if env.Event.Info.IsGroup {
		return true, BypassGroup
	}
	if strings.TrimSpace(env.Text()) == "" {
		return true, BypassNonText
	}
	return false, BypassNone
}

// DispatchNow reports whether a bypassed event still reaches the
// orchestrator immediately. Audio, group and non-text messages do.
// Own-device echoes are filtered so the engine never answers its own
// replies, and non-message event types carry nothing to answer.
func DispatchNow(reason BypassReason) bool {
	switch reason {
	case BypassAudio, BypassGroup, BypassNonText:
		return true
	default:
		return false
	}
}

// Normalize validates an envelope's identity fields and canonicalizes the
// chat and sender JIDs. Group chats are detected from the JID server when
// the gateway did not flag them.
func Normalize(env *bus.Envelope) error {
	if strings.TrimSpace(env.TenantID) == "" {
		return fmt.Errorf("event missing tenant_id")
	}
	chat := strings.TrimSpace(env.Event.Info.Chat)
	if chat == "" {
		return fmt.Errorf("event missing chat jid")
	}
	jid, err := watypes.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("parse chat jid %q: %w", chat, err)
	}
	env.Event.Info.Chat = jid.String()
	if jid.Server == watypes.GroupServer {
		env.Event.Info.IsGroup = true
	}
	if sender := strings.TrimSpace(env.Event.Info.Sender); sender != "" {
		if sjid, err := watypes.ParseJID(sender); err == nil {
			env.Event.Info.Sender = sjid.String()
		}
	}
	return nil
}

// UserID returns the stable per-user identity for the conversation map:
// the bare sender JID without device or server decorations.
func UserID(env *bus.Envelope) string {
	sender := env.Event.Info.Sender
	if sender == "" {
		sender = env.Event.Info.Chat
	}
	if jid, err := watypes.ParseJID(sender); err == nil {
		return jid.User
	}
	if i := strings.IndexByte(sender, '@'); i > 0 {
		return sender[:i]
	}
	return sender
}
