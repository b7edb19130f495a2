package vk

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// userFields is the field set requested for user records.
const userFields = "nickname,photo_max,online,online_mobile,bdate,phone,timezone,city,country"

// GetFriends returns the full friend list of the authenticated user.
func (m *Manager) GetFriends(ctx context.Context) ([]UserInfo, error) {
	params := url.Values{}
	params.Set("fields", userFields)
	raw, err := m.Invoke(ctx, "friends.get", params)
	if err != nil {
		return nil, err
	}
	var page struct {
		Count int        `json:"count"`
		Items []UserInfo `json:"items"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, &MalformedResponseError{Reason: err.Error()}
	}
	return page.Items, nil
}

// GetUsers returns user records for the given ids (self when ids is empty).
func (m *Manager) GetUsers(ctx context.Context, ids []int64) ([]UserInfo, error) {
	params := url.Values{}
	params.Set("fields", userFields)
	if len(ids) > 0 {
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = strconv.FormatInt(id, 10)
		}
		params.Set("user_ids", strings.Join(strs, ","))
	}
	raw, err := m.Invoke(ctx, "users.get", params)
	if err != nil {
		return nil, err
	}
	var users []UserInfo
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, &MalformedResponseError{Reason: err.Error()}
	}
	return users, nil
}

// GetChat returns a chat record with its participant list.
func (m *Manager) GetChat(ctx context.Context, chatID int64) (*ChatInfo, error) {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))
	raw, err := m.Invoke(ctx, "messages.getChat", params)
	if err != nil {
		return nil, err
	}
	var chat ChatInfo
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, &MalformedResponseError{Reason: err.Error()}
	}
	return &chat, nil
}

// GetLongPollServer performs the long-poll handshake, returning the listen
// endpoint and starting offset.
func (m *Manager) GetLongPollServer(ctx context.Context) (*LongPollServer, error) {
	raw, err := m.Invoke(ctx, "messages.getLongPollServer", nil)
	if err != nil {
		return nil, err
	}
	var srv LongPollServer
	if err := json.Unmarshal(raw, &srv); err != nil {
		return nil, &MalformedResponseError{Reason: err.Error()}
	}
	if srv.Server == "" || srv.Key == "" {
		return nil, &MalformedResponseError{Reason: "handshake missing server or key"}
	}
	return &srv, nil
}

// GetHistory fetches one page of message history for a peer. Exactly one of
// beforeTS/afterTS may be set (unix seconds, exclusive bound); zero means
// unbounded in that direction. Pages with after_ts are oldest-first, so
// advancing the bound to the page's newest timestamp never skips a message.
func (m *Manager) GetHistory(ctx context.Context, peerID, beforeTS, afterTS int64, count int) (*HistoryPage, error) {
	params := url.Values{}
	params.Set("peer_id", strconv.FormatInt(peerID, 10))
	params.Set("count", strconv.Itoa(count))
	if beforeTS > 0 {
		params.Set("before_ts", strconv.FormatInt(beforeTS, 10))
	}
	if afterTS > 0 {
		params.Set("after_ts", strconv.FormatInt(afterTS, 10))
	}
	raw, err := m.Invoke(ctx, "messages.getHistory", params)
	if err != nil {
		return nil, err
	}
	var page HistoryPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, &MalformedResponseError{Reason: err.Error()}
	}
	return &page, nil
}

// SendMessage sends a text message, optionally carrying a saved attachment id.
// Returns the server-assigned message id.
func (m *Manager) SendMessage(ctx context.Context, peerID int64, text, attachment string) (int64, error) {
	params := url.Values{}
	params.Set("peer_id", strconv.FormatInt(peerID, 10))
	params.Set("message", text)
	if attachment != "" {
		params.Set("attachment", attachment)
	}
	raw, err := m.Invoke(ctx, "messages.send", params)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, &MalformedResponseError{Reason: err.Error()}
	}
	return id, nil
}

// MarkAsRead acknowledges the given message ids.
func (m *Manager) MarkAsRead(ctx context.Context, peerID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	params := url.Values{}
	params.Set("peer_id", strconv.FormatInt(peerID, 10))
	params.Set("message_ids", strings.Join(strs, ","))
	_, err := m.Invoke(ctx, "messages.markAsRead", params)
	return err
}

// SendTyping notifies the peer that the user is composing.
func (m *Manager) SendTyping(ctx context.Context, peerID int64) error {
	params := url.Values{}
	params.Set("peer_id", strconv.FormatInt(peerID, 10))
	params.Set("type", "typing")
	_, err := m.Invoke(ctx, "messages.setActivity", params)
	return err
}
