package vk

import (
	"encoding/json"
	"fmt"
)

// EventKind is the closed set of long-poll update kinds this engine handles.
// Anything else parses to EventUnknown and is skipped by the poll loop.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventMessage
	EventMessageEdit
	EventPresenceOnline
	EventPresenceOffline
	EventChatChanged
	EventCountersChanged
	EventTyping
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventMessageEdit:
		return "message_edit"
	case EventPresenceOnline:
		return "presence_online"
	case EventPresenceOffline:
		return "presence_offline"
	case EventChatChanged:
		return "chat_changed"
	case EventCountersChanged:
		return "counters_changed"
	case EventTyping:
		return "typing"
	default:
		return "unknown"
	}
}

// Update codes on the long-poll wire.
const (
	codeNewMessage      = 4
	codeMessageEdit     = 5
	codePresenceOnline  = 8
	codePresenceOffline = 9
	codeChatChanged     = 51
	codeTyping          = 61
	codeCounters        = 62
)

// Event is one normalized long-poll update.
type Event struct {
	Kind EventKind
	Code int // raw wire code, kept for unknown-kind logging

	Message *MessageItem // EventMessage, EventMessageEdit

	UserID int64 // EventPresence*, EventTyping
	Mobile bool  // EventPresenceOnline

	ChatID int64 // EventChatChanged

	PeerID  int64 // EventCountersChanged
	MsgID   int64
	Likes   int
	Reposts int
}

// ParseUpdate decodes a single long-poll update array. Updates are
// heterogeneous JSON arrays whose first element is the numeric kind:
//
//	[4, msg_id, peer_id, from_id, ts, text, out, attachments?]
//	[5, msg_id, peer_id, text]
//	[8, user_id, mobile] / [9, user_id]
//	[51, chat_id]
//	[61, user_id]
//	[62, peer_id, msg_id, likes, reposts]
//
// A structurally broken update returns an error; an unrecognized code returns
// Kind == EventUnknown. Neither must abort the poll loop.
func ParseUpdate(raw json.RawMessage) (Event, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return Event{}, &MalformedResponseError{Reason: "update is not an array: " + err.Error()}
	}
	if len(parts) == 0 {
		return Event{}, &MalformedResponseError{Reason: "empty update array"}
	}

	var code int
	if err := json.Unmarshal(parts[0], &code); err != nil {
		return Event{}, &MalformedResponseError{Reason: "non-numeric update code"}
	}

	switch code {
	case codeNewMessage:
		return parseMessageUpdate(code, parts)
	case codeMessageEdit:
		if len(parts) < 4 {
			return Event{}, truncated(code)
		}
		evt := Event{Kind: EventMessageEdit, Code: code, Message: &MessageItem{}}
		if err := unmarshalAll(parts[1:4], &evt.Message.ID, &evt.Message.PeerID, &evt.Message.Text); err != nil {
			return Event{}, err
		}
		return evt, nil
	case codePresenceOnline:
		if len(parts) < 2 {
			return Event{}, truncated(code)
		}
		evt := Event{Kind: EventPresenceOnline, Code: code}
		if err := unmarshalAll(parts[1:2], &evt.UserID); err != nil {
			return Event{}, err
		}
		if len(parts) > 2 {
			var mobile int
			if err := json.Unmarshal(parts[2], &mobile); err == nil {
				evt.Mobile = mobile != 0
			}
		}
		return evt, nil
	case codePresenceOffline:
		if len(parts) < 2 {
			return Event{}, truncated(code)
		}
		evt := Event{Kind: EventPresenceOffline, Code: code}
		if err := unmarshalAll(parts[1:2], &evt.UserID); err != nil {
			return Event{}, err
		}
		return evt, nil
	case codeChatChanged:
		if len(parts) < 2 {
			return Event{}, truncated(code)
		}
		evt := Event{Kind: EventChatChanged, Code: code}
		if err := unmarshalAll(parts[1:2], &evt.ChatID); err != nil {
			return Event{}, err
		}
		return evt, nil
	case codeTyping:
		if len(parts) < 2 {
			return Event{}, truncated(code)
		}
		evt := Event{Kind: EventTyping, Code: code}
		if err := unmarshalAll(parts[1:2], &evt.UserID); err != nil {
			return Event{}, err
		}
		return evt, nil
	case codeCounters:
		if len(parts) < 5 {
			return Event{}, truncated(code)
		}
		evt := Event{Kind: EventCountersChanged, Code: code}
		if err := unmarshalAll(parts[1:5], &evt.PeerID, &evt.MsgID, &evt.Likes, &evt.Reposts); err != nil {
			return Event{}, err
		}
		return evt, nil
	default:
		return Event{Kind: EventUnknown, Code: code}, nil
	}
}

func parseMessageUpdate(code int, parts []json.RawMessage) (Event, error) {
	if len(parts) < 7 {
		return Event{}, truncated(code)
	}
	item := &MessageItem{}
	var out int
	if err := unmarshalAll(parts[1:7], &item.ID, &item.PeerID, &item.FromID, &item.Date, &item.Text, &out); err != nil {
		return Event{}, err
	}
	item.Out = out
	if len(parts) > 7 {
		// Optional trailing attachments array.
		if err := json.Unmarshal(parts[7], &item.Attachments); err != nil {
			return Event{}, &MalformedResponseError{Reason: "bad attachments in message update: " + err.Error()}
		}
	}
	return Event{Kind: EventMessage, Code: code, Message: item}, nil
}

func unmarshalAll(parts []json.RawMessage, dsts ...any) error {
	if len(parts) != len(dsts) {
		return &MalformedResponseError{Reason: "update arity mismatch"}
	}
	for i, p := range parts {
		if err := json.Unmarshal(p, dsts[i]); err != nil {
			return &MalformedResponseError{Reason: fmt.Sprintf("update field %d: %v", i+1, err)}
		}
	}
	return nil
}

func truncated(code int) error {
	return &MalformedResponseError{Reason: fmt.Sprintf("truncated update for code %d", code)}
}
