package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pcoutinho/vkd/internal/bus"
	"github.com/pcoutinho/vkd/internal/format"
	"github.com/pcoutinho/vkd/internal/registry"
	"github.com/pcoutinho/vkd/internal/store"
	"github.com/pcoutinho/vkd/internal/vk"
	"go.uber.org/zap"
)

// ErrSyncInFlight is returned when a history sync for the same peer is
// already running.
var ErrSyncInFlight = errors.New("history sync already in flight for peer")

// Direction selects which end of a peer's history to extend.
type Direction string

const (
	Older Direction = "older"
	Newer Direction = "newer"
)

// Engine applies live events and history pages to the registry and the store.
// It is the poller's sink: ApplyEvent and Resync run on the poll goroutine,
// so registry and store writes for live events are strictly ordered.
type Engine struct {
	mgr    *vk.Manager
	reg    *registry.Registry
	db     *store.DB
	fm     *format.Formatter
	bus    *bus.Bus
	logger *zap.Logger

	pageSize int
	sem      chan struct{} // bounds concurrent history syncs

	mu       sync.Mutex
	inflight map[int64]bool
}

// NewEngine creates a sync engine.
func NewEngine(mgr *vk.Manager, reg *registry.Registry, db *store.DB, fm *format.Formatter, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		mgr:      mgr,
		reg:      reg,
		db:       db,
		fm:       fm,
		bus:      b,
		logger:   logger,
		pageSize: 200,
		sem:      make(chan struct{}, 3),
		inflight: make(map[int64]bool),
	}
}

// ApplyEvent routes one live event into the registry and the store.
func (e *Engine) ApplyEvent(ctx context.Context, evt vk.Event) error {
	switch evt.Kind {
	case vk.EventMessage:
		return e.applyMessage(ctx, evt.Message)
	case vk.EventMessageEdit:
		return e.applyEdit(evt.Message)
	case vk.EventPresenceOnline:
		return e.applyPresence(evt.UserID, true, evt.Mobile)
	case vk.EventPresenceOffline:
		return e.applyPresence(evt.UserID, false, false)
	case vk.EventChatChanged:
		return e.applyChatChanged(ctx, evt.ChatID)
	case vk.EventCountersChanged:
		if err := e.db.UpdateCounters(evt.PeerID, evt.MsgID, evt.Likes, evt.Reposts); err != nil {
			return err
		}
		e.bus.Emit("message.counters", map[string]int64{"peer_id": evt.PeerID, "msg_id": evt.MsgID})
		return nil
	case vk.EventTyping:
		// Ephemeral: nothing to persist.
		e.bus.Emit("entry.typing", evt.UserID)
		return nil
	default:
		return nil
	}
}

func (e *Engine) applyMessage(ctx context.Context, item *vk.MessageItem) error {
	if item.Out == 0 {
		e.ensureKnown(ctx, item.FromID)
	}
	msg := storedMessage(item)
	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("persist message %d/%d: %w", msg.PeerID, msg.MsgID, err)
	}
	if err := e.db.UpsertRange(&store.HistoryRange{PeerID: item.PeerID, Earliest: msg.Timestamp, Latest: msg.Timestamp}); err != nil {
		return err
	}
	kind := "message.received"
	if item.Out != 0 {
		kind = "message.sent"
	}
	e.bus.Emit(kind, e.fm.Render(item))
	return nil
}

func (e *Engine) applyEdit(item *vk.MessageItem) error {
	if err := e.db.MarkEdited(item.PeerID, item.ID, item.Text); err != nil {
		return err
	}
	payload := map[string]any{"peer_id": item.PeerID, "msg_id": item.ID}
	if m, err := e.db.GetMessage(item.PeerID, item.ID); err == nil && m != nil {
		payload["body"] = m.Body
	}
	e.bus.Emit("message.edited", payload)
	return nil
}

func (e *Engine) applyPresence(userID int64, online, mobile bool) error {
	ent := e.reg.Upsert(userID, registry.Fields{Online: registry.Bool(online), Mobile: registry.Bool(mobile)})
	if err := e.db.UpsertEntry(storeEntry(ent)); err != nil {
		return err
	}
	e.bus.Emit("entry.presence", map[string]any{"entry_id": userID, "online": online})
	return nil
}

func (e *Engine) applyChatChanged(ctx context.Context, chatID int64) error {
	info, err := e.mgr.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	e.reg.UpsertChat(info.ID, info.Title, info.Users)
	if err := e.db.UpsertChat(&store.Chat{ID: info.ID, Title: info.Title}); err != nil {
		return err
	}
	if err := e.db.SetChatParticipants(info.ID, info.Users); err != nil {
		return err
	}
	e.bus.Emit("entry.chat_changed", info.ID)
	return nil
}

// ensureKnown lazily creates an entry for a previously unseen sender. A fetch
// failure is logged and swallowed: the message must land regardless.
func (e *Engine) ensureKnown(ctx context.Context, userID int64) {
	if userID <= 0 {
		return
	}
	if _, ok := e.reg.Lookup(userID); ok {
		return
	}
	users, err := e.mgr.GetUsers(ctx, []int64{userID})
	if err != nil || len(users) == 0 {
		e.logger.Warn("could not fetch unknown sender", zap.Int64("user_id", userID), zap.Error(err))
		ent := e.reg.Upsert(userID, registry.Fields{})
		_ = e.db.UpsertEntry(storeEntry(ent))
		return
	}
	ent := e.reg.Upsert(userID, userFields(users[0]))
	if err := e.db.UpsertEntry(storeEntry(ent)); err != nil {
		e.logger.Warn("could not persist new entry", zap.Int64("user_id", userID), zap.Error(err))
	}
	e.bus.Emit("entry.updated", userID)
}

// Resync rebuilds the registry from the service: the owner's record and the
// full friend list. Friends that vanished from the roster are demoted, not
// deleted.
func (e *Engine) Resync(ctx context.Context) error {
	users, err := e.mgr.GetUsers(ctx, nil)
	if err != nil {
		return &vk.SyncError{Op: "resync", Err: err}
	}
	if len(users) == 0 {
		return &vk.SyncError{Op: "resync", Err: &vk.MalformedResponseError{Reason: "self record missing"}}
	}
	self := e.reg.SetSelf(users[0].ID, userFields(users[0]))
	if err := e.db.UpsertEntry(storeEntry(self)); err != nil {
		return &vk.SyncError{Op: "resync", Err: err}
	}

	friends, err := e.mgr.GetFriends(ctx)
	if err != nil {
		return &vk.SyncError{Op: "resync", Err: err}
	}

	roster := make(map[int64]bool, len(friends))
	batch := make([]store.Entry, 0, len(friends))
	for _, u := range friends {
		roster[u.ID] = true
		f := userFields(u)
		f.InRoster = registry.Bool(true)
		batch = append(batch, *storeEntry(e.reg.Upsert(u.ID, f)))
	}
	for _, ent := range e.reg.List() {
		if ent.Class == registry.Friend && !roster[ent.ID] {
			e.reg.RemoveFromRoster(ent.ID)
			demoted, _ := e.reg.Lookup(ent.ID)
			batch = append(batch, *storeEntry(demoted))
		}
	}
	if err := e.db.BulkUpsertEntries(batch); err != nil {
		return &vk.SyncError{Op: "resync", Err: err}
	}

	e.logger.Info("resynced roster", zap.Int("friends", len(friends)))
	e.bus.Emit("sync.resynced", len(friends))
	return nil
}

// SyncHistory extends the fetched history of a peer page by page in the given
// direction until the service runs out of messages, reporting how many were
// stored. Pages are idempotent upserts, so overlap with live events or earlier
// syncs produces no duplicates. Only one sync per peer runs at a time.
func (e *Engine) SyncHistory(ctx context.Context, peerID int64, dir Direction) (int, error) {
	e.mu.Lock()
	if e.inflight[peerID] {
		e.mu.Unlock()
		return 0, &vk.SyncError{PeerID: peerID, Op: string(dir), Err: ErrSyncInFlight}
	}
	e.inflight[peerID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, peerID)
		e.mu.Unlock()
	}()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return 0, &vk.SyncError{PeerID: peerID, Op: string(dir), Err: ctx.Err()}
	}

	r, err := e.db.GetRange(peerID)
	if err != nil {
		return 0, &vk.SyncError{PeerID: peerID, Op: string(dir), Err: err}
	}
	if r == nil {
		r = &store.HistoryRange{PeerID: peerID}
	}
	if dir == Older && r.Complete {
		return 0, nil
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, &vk.SyncError{PeerID: peerID, Op: string(dir), Err: err}
		}

		var beforeTS, afterTS int64 // unix seconds, exclusive
		switch dir {
		case Older:
			if r.Earliest > 0 {
				beforeTS = r.Earliest / 1000
			}
		case Newer:
			if r.Latest > 0 {
				afterTS = r.Latest / 1000
			}
		default:
			return total, &vk.SyncError{PeerID: peerID, Op: string(dir), Err: fmt.Errorf("unknown direction %q", dir)}
		}

		page, err := e.mgr.GetHistory(ctx, peerID, beforeTS, afterTS, e.pageSize)
		if err != nil {
			return total, &vk.SyncError{PeerID: peerID, Op: string(dir), Err: err}
		}
		if len(page.Items) == 0 {
			break
		}

		e.ensureSendersKnown(ctx, page.Items)
		batch := make([]*store.Message, 0, len(page.Items))
		minTS, maxTS := int64(0), int64(0)
		for i := range page.Items {
			m := storedMessage(&page.Items[i])
			batch = append(batch, m)
			if minTS == 0 || m.Timestamp < minTS {
				minTS = m.Timestamp
			}
			if m.Timestamp > maxTS {
				maxTS = m.Timestamp
			}
		}
		if err := e.db.AppendBatch(batch); err != nil {
			return total, &vk.SyncError{PeerID: peerID, Op: string(dir), Err: err}
		}
		total += len(batch)

		last := dir == Older && len(page.Items) < e.pageSize
		if err := e.db.UpsertRange(&store.HistoryRange{PeerID: peerID, Earliest: minTS, Latest: maxTS, Complete: last}); err != nil {
			return total, &vk.SyncError{PeerID: peerID, Op: string(dir), Err: err}
		}
		if r.Earliest == 0 || minTS < r.Earliest {
			r.Earliest = minTS
		}
		if maxTS > r.Latest {
			r.Latest = maxTS
		}

		if len(page.Items) < e.pageSize {
			break
		}
	}

	e.logger.Info("history synced",
		zap.Int64("peer_id", peerID),
		zap.String("direction", string(dir)),
		zap.Int("messages", total))
	e.bus.Emit("sync.history", map[string]any{"peer_id": peerID, "direction": string(dir), "count": total})
	return total, nil
}

// ensureSendersKnown batches entry creation for unseen senders in a history page.
func (e *Engine) ensureSendersKnown(ctx context.Context, items []vk.MessageItem) {
	var unknown []int64
	seen := make(map[int64]bool)
	for i := range items {
		id := items[i].FromID
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := e.reg.Lookup(id); !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return
	}
	users, err := e.mgr.GetUsers(ctx, unknown)
	if err != nil {
		e.logger.Warn("could not fetch unknown senders", zap.Int("count", len(unknown)), zap.Error(err))
		return
	}
	batch := make([]store.Entry, 0, len(users))
	for _, u := range users {
		batch = append(batch, *storeEntry(e.reg.Upsert(u.ID, userFields(u))))
	}
	if err := e.db.BulkUpsertEntries(batch); err != nil {
		e.logger.Warn("could not persist new entries", zap.Error(err))
	}
}

// MarkRead acknowledges all unread incoming messages of a peer, remotely and
// locally.
func (e *Engine) MarkRead(ctx context.Context, peerID int64) error {
	ids, err := e.db.UnreadIDs(peerID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := e.mgr.MarkAsRead(ctx, peerID, ids); err != nil {
		return err
	}
	if err := e.db.MarkRead(peerID, ids); err != nil {
		return err
	}
	e.bus.Emit("message.read", map[string]any{"peer_id": peerID, "count": len(ids)})
	return nil
}

// Typing relays a composing notification to the peer.
func (e *Engine) Typing(ctx context.Context, peerID int64) error {
	return e.mgr.SendTyping(ctx, peerID)
}

// storedMessage normalizes a raw message for persistence. Live events and
// history pages share this path, so both produce identical rows.
func storedMessage(item *vk.MessageItem) *store.Message {
	m := &store.Message{
		PeerID:    item.PeerID,
		MsgID:     item.ID,
		SenderID:  item.FromID,
		Body:      item.Text,
		Timestamp: item.Date * 1000,
		Outgoing:  item.Out != 0,
		Status:    "received",
		Likes:     item.Likes.Count,
		Reposts:   item.Reposts.Count,
		Read:      item.Out != 0,
	}
	if m.Outgoing {
		m.Status = "sent"
	}
	if len(item.Attachments) > 0 {
		if raw, err := json.Marshal(item.Attachments); err == nil {
			m.Attachments = string(raw)
		}
	}
	if len(item.FwdMessages) > 0 {
		m.ForwardOf = item.FwdMessages[0].ID
	}
	return m
}

// userFields maps a wire user record onto a registry partial update.
func userFields(u vk.UserInfo) registry.Fields {
	return registry.Fields{
		FirstName: u.FirstName,
		NickName:  u.Nick,
		LastName:  u.LastName,
		PhotoURL:  u.PhotoURL,
		Birthday:  u.Birthday,
		Phone:     u.Phone,
		City:      u.City.Title,
		Country:   u.Country.Title,
		Timezone:  registry.Int(u.Timezone),
		Online:    registry.Bool(u.Online != 0),
		Mobile:    registry.Bool(u.Mobile != 0),
	}
}

// storeEntry maps a registry entry onto its persisted form.
func storeEntry(ent registry.Entry) *store.Entry {
	return &store.Entry{
		ID:             ent.ID,
		FirstName:      ent.FirstName,
		LastName:       ent.LastName,
		Nick:           ent.NickName,
		PhotoURL:       ent.PhotoURL,
		Birthday:       ent.Birthday,
		Phones:         ent.Phone,
		Timezone:       ent.Timezone,
		City:           ent.City,
		Country:        ent.Country,
		Online:         ent.Online,
		Mobile:         ent.Mobile,
		Classification: string(ent.Class),
		InRoster:       ent.InRoster,
	}
}
