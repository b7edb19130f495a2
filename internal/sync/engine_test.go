package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pcoutinho/vkd/internal/bus"
	"github.com/pcoutinho/vkd/internal/config"
	"github.com/pcoutinho/vkd/internal/format"
	"github.com/pcoutinho/vkd/internal/registry"
	"github.com/pcoutinho/vkd/internal/store"
	"github.com/pcoutinho/vkd/internal/vk"
	"go.uber.org/zap"
)

// apiStub fakes the remote service's method endpoints.
type apiStub struct {
	srv     *httptest.Server
	mux     *http.ServeMux
	history func(beforeTS, afterTS string) string
}

func newAPIStub(t *testing.T) *apiStub {
	t.Helper()
	s := &apiStub{mux: http.NewServeMux()}
	s.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token": "tok", "user_id": 1}`))
	})
	s.mux.HandleFunc("/users.get", func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query().Get("user_ids")
		if ids == "" {
			_, _ = w.Write([]byte(`{"response": [{"id": 1, "first_name": "Me", "last_name": "Myself"}]}`))
			return
		}
		_, _ = fmt.Fprintf(w, `{"response": [{"id": %s, "first_name": "Peer", "last_name": "P"}]}`, ids)
	})
	s.mux.HandleFunc("/friends.get", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response": {"count": 2, "items": [
			{"id": 2, "first_name": "Ann", "nickname": "ann", "online": 1},
			{"id": 3, "first_name": "Bob"}]}}`))
	})
	s.mux.HandleFunc("/messages.getHistory", func(w http.ResponseWriter, r *http.Request) {
		if s.history == nil {
			_, _ = w.Write([]byte(`{"response": {"count": 0, "items": []}}`))
			return
		}
		q := r.URL.Query()
		_, _ = w.Write([]byte(s.history(q.Get("before_ts"), q.Get("after_ts"))))
	})
	s.srv = httptest.NewServer(s.mux)
	t.Cleanup(s.srv.Close)
	return s
}

func testEngine(t *testing.T, api *apiStub, b *bus.Bus) *Engine {
	t.Helper()
	if b == nil {
		b = bus.New()
	}
	db, err := store.Open(filepath.Join(t.TempDir(), "vkd.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	tr := vk.NewTransport(api.srv.URL, 5*time.Second, zap.NewNop())
	mgr, err := vk.NewManager(tr, api.srv.URL+"/token", false, nil, b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Authenticate(context.Background(), vk.Credentials{Login: "u", Password: "p"}); err != nil {
		t.Fatal(err)
	}

	fm := format.New(config.Default().Formatter)
	return NewEngine(mgr, registry.New(), db, fm, b, zap.NewNop())
}

func historyEnvelope(items ...string) string {
	return fmt.Sprintf(`{"response": {"count": %d, "items": [%s]}}`, len(items), joinItems(items))
}

func joinItems(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return out
}

func msgItem(id, from, date int64, text string) string {
	return fmt.Sprintf(`{"id": %d, "from_id": %d, "peer_id": 42, "date": %d, "text": %q}`, id, from, date, text)
}

func TestResyncBuildsRoster(t *testing.T) {
	api := newAPIStub(t)
	e := testEngine(t, api, nil)

	if err := e.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if e.reg.SelfID() != 1 {
		t.Errorf("self id = %d", e.reg.SelfID())
	}
	self, _ := e.reg.Lookup(1)
	if self.Class != registry.Self || self.FirstName != "Me" {
		t.Errorf("self = %+v", self)
	}
	ann, _ := e.reg.Lookup(2)
	if ann.Class != registry.Friend || ann.NickName != "ann" || !ann.Online {
		t.Errorf("friend = %+v", ann)
	}

	stored, err := e.db.GetEntry(2)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Classification != "friend" || !stored.InRoster {
		t.Errorf("stored entry = %+v", stored)
	}
}

func TestResyncDemotesVanishedFriends(t *testing.T) {
	api := newAPIStub(t)
	e := testEngine(t, api, nil)

	e.reg.Upsert(99, registry.Fields{FirstName: "Gone", InRoster: registry.Bool(true)})
	if err := e.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}

	gone, _ := e.reg.Lookup(99)
	if gone.Class != registry.NonFriend {
		t.Errorf("class = %s, want nonfriend", gone.Class)
	}
	if gone.FirstName != "Gone" {
		t.Error("demotion must keep entry data")
	}
}

func TestApplyMessageCreatesEntryAndRange(t *testing.T) {
	api := newAPIStub(t)
	b := bus.New()
	events, unsub := b.Subscribe("message.", 8)
	defer unsub()
	e := testEngine(t, api, b)

	evt := vk.Event{Kind: vk.EventMessage, Message: &vk.MessageItem{
		ID: 7, FromID: 42, PeerID: 42, Date: 1714000000, Text: "hi",
	}}
	if err := e.ApplyEvent(context.Background(), evt); err != nil {
		t.Fatal(err)
	}

	m, err := e.db.GetMessage(42, 7)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Body != "hi" || m.Status != "received" || m.Outgoing {
		t.Errorf("message = %+v", m)
	}

	sender, ok := e.reg.Lookup(42)
	if !ok || sender.Class != registry.NonFriend || sender.FirstName != "Peer" {
		t.Errorf("sender entry = %+v (ok=%v)", sender, ok)
	}

	r, err := e.db.GetRange(42)
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.Latest != 1714000000000 {
		t.Errorf("range = %+v", r)
	}

	select {
	case got := <-events:
		if got.Kind != "message.received" {
			t.Errorf("event kind = %s", got.Kind)
		}
		if fm, ok := got.Payload.(format.Message); !ok || fm.Nodes[0].Text != "hi" {
			t.Errorf("payload = %+v", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no message.received event")
	}
}

func TestApplyEditAndCounters(t *testing.T) {
	api := newAPIStub(t)
	b := bus.New()
	edits, unsub := b.Subscribe("message.edited", 4)
	defer unsub()
	e := testEngine(t, api, b)
	ctx := context.Background()

	msg := &vk.MessageItem{ID: 7, FromID: 42, PeerID: 42, Date: 1714000000, Text: "hi"}
	if err := e.ApplyEvent(ctx, vk.Event{Kind: vk.EventMessage, Message: msg}); err != nil {
		t.Fatal(err)
	}

	edit := &vk.MessageItem{ID: 7, PeerID: 42, Text: "hi (fixed)"}
	if err := e.ApplyEvent(ctx, vk.Event{Kind: vk.EventMessageEdit, Message: edit}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-edits:
		payload, ok := evt.Payload.(map[string]any)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if payload["body"] != "hi (fixed)" {
			t.Errorf("edited body = %v", payload["body"])
		}
	case <-time.After(time.Second):
		t.Fatal("no message.edited event")
	}
	if err := e.ApplyEvent(ctx, vk.Event{Kind: vk.EventCountersChanged, PeerID: 42, MsgID: 7, Likes: 5, Reposts: 2}); err != nil {
		t.Fatal(err)
	}

	m, _ := e.db.GetMessage(42, 7)
	if m.Body != "hi (fixed)" || !m.Edited {
		t.Errorf("edited message = %+v", m)
	}
	if m.Likes != 5 || m.Reposts != 2 {
		t.Errorf("counters = %d/%d", m.Likes, m.Reposts)
	}
}

func TestApplyPresence(t *testing.T) {
	api := newAPIStub(t)
	e := testEngine(t, api, nil)
	ctx := context.Background()

	if err := e.ApplyEvent(ctx, vk.Event{Kind: vk.EventPresenceOnline, UserID: 42, Mobile: true}); err != nil {
		t.Fatal(err)
	}
	ent, _ := e.reg.Lookup(42)
	if !ent.Online || !ent.Mobile {
		t.Errorf("entry = %+v", ent)
	}

	if err := e.ApplyEvent(ctx, vk.Event{Kind: vk.EventPresenceOffline, UserID: 42}); err != nil {
		t.Fatal(err)
	}
	ent, _ = e.reg.Lookup(42)
	if ent.Online || ent.Mobile {
		t.Errorf("entry after offline = %+v", ent)
	}

	stored, _ := e.db.GetEntry(42)
	if stored.Online {
		t.Error("presence not persisted")
	}
}

func TestSyncHistoryOlderPagesToCompletion(t *testing.T) {
	api := newAPIStub(t)
	api.history = func(beforeTS, afterTS string) string {
		switch beforeTS {
		case "":
			return historyEnvelope(msgItem(30, 42, 300, "newest"), msgItem(20, 42, 200, "middle"))
		case "200":
			return historyEnvelope(msgItem(10, 42, 100, "oldest"))
		default:
			return historyEnvelope()
		}
	}
	e := testEngine(t, api, nil)
	e.pageSize = 2

	n, err := e.SyncHistory(context.Background(), 42, Older)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("synced = %d, want 3", n)
	}

	r, _ := e.db.GetRange(42)
	if r == nil || !r.Complete || r.Earliest != 100000 || r.Latest != 300000 {
		t.Errorf("range = %+v", r)
	}

	msgs, err := e.db.ListMessages(42, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("stored = %d", len(msgs))
	}
	// Newest first, no gaps, no duplicates.
	if msgs[0].MsgID != 30 || msgs[1].MsgID != 20 || msgs[2].MsgID != 10 {
		t.Errorf("order = %d,%d,%d", msgs[0].MsgID, msgs[1].MsgID, msgs[2].MsgID)
	}

	// A completed range short-circuits further older syncs.
	n, err = e.SyncHistory(context.Background(), 42, Older)
	if err != nil || n != 0 {
		t.Errorf("second sync = %d, %v", n, err)
	}
}

func TestSyncHistoryOlderIsDuplicateFree(t *testing.T) {
	api := newAPIStub(t)
	api.history = func(beforeTS, afterTS string) string {
		if beforeTS == "" {
			// Overlaps with what a prior sync already stored.
			return historyEnvelope(msgItem(20, 42, 200, "middle"), msgItem(10, 42, 100, "oldest"))
		}
		return historyEnvelope()
	}
	e := testEngine(t, api, nil)
	e.pageSize = 10

	seed := []*store.Message{
		{PeerID: 42, MsgID: 20, SenderID: 42, Body: "middle", Timestamp: 200000, Status: "received"},
	}
	if err := e.db.AppendBatch(seed); err != nil {
		t.Fatal(err)
	}

	if _, err := e.SyncHistory(context.Background(), 42, Older); err != nil {
		t.Fatal(err)
	}
	count, _ := e.db.MessageCount()
	if count != 2 {
		t.Errorf("count = %d, want 2 (no duplicates)", count)
	}
}

func TestSyncHistoryNewerUsesLatestBound(t *testing.T) {
	api := newAPIStub(t)
	var seenAfter string
	api.history = func(beforeTS, afterTS string) string {
		if afterTS != "" {
			seenAfter = afterTS
			return historyEnvelope(msgItem(40, 42, 400, "fresh"))
		}
		return historyEnvelope()
	}
	e := testEngine(t, api, nil)
	e.pageSize = 10

	if err := e.db.UpsertRange(&store.HistoryRange{PeerID: 42, Earliest: 100000, Latest: 300000}); err != nil {
		t.Fatal(err)
	}

	n, err := e.SyncHistory(context.Background(), 42, Newer)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("synced = %d", n)
	}
	if seenAfter != "300" {
		t.Errorf("after_ts = %q, want the stored latest in seconds", seenAfter)
	}
	r, _ := e.db.GetRange(42)
	if r.Latest != 400000 || r.Earliest != 100000 {
		t.Errorf("range = %+v", r)
	}
}

func TestSyncHistoryWrapsErrors(t *testing.T) {
	api := newAPIStub(t)
	api.history = func(beforeTS, afterTS string) string {
		return `{"error": {"error_code": 15, "error_msg": "access denied"}}`
	}
	e := testEngine(t, api, nil)

	_, err := e.SyncHistory(context.Background(), 42, Older)
	var serr *vk.SyncError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want SyncError", err)
	}
	if serr.PeerID != 42 || serr.Op != "older" {
		t.Errorf("sync error = %+v", serr)
	}
	var perr *vk.ProtocolError
	if !errors.As(err, &perr) || perr.Code != 15 {
		t.Errorf("cause = %v, want the verbatim ProtocolError", serr.Err)
	}
}

func TestSyncHistoryRejectsConcurrentPeerSync(t *testing.T) {
	api := newAPIStub(t)
	e := testEngine(t, api, nil)

	e.mu.Lock()
	e.inflight[42] = true
	e.mu.Unlock()

	_, err := e.SyncHistory(context.Background(), 42, Older)
	if !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("err = %v, want ErrSyncInFlight", err)
	}
}

func TestStoredMessageNormalization(t *testing.T) {
	item := &vk.MessageItem{
		ID: 9, FromID: 2, PeerID: 42, Date: 1714000000, Text: "doc for you", Out: 1,
		Attachments: []vk.Attachment{{Type: "doc", OwnerID: 2, ID: 5}},
		FwdMessages: []vk.MessageItem{{ID: 3, Text: "original"}},
		Likes:       vk.Counter{Count: 1},
	}
	m := storedMessage(item)
	if m.Status != "sent" || !m.Outgoing || !m.Read {
		t.Errorf("outgoing normalization: %+v", m)
	}
	if m.Timestamp != 1714000000000 {
		t.Errorf("timestamp = %d", m.Timestamp)
	}
	if m.ForwardOf != 3 || m.Likes != 1 {
		t.Errorf("message = %+v", m)
	}
	var atts []vk.Attachment
	if err := json.Unmarshal([]byte(m.Attachments), &atts); err != nil || len(atts) != 1 {
		t.Errorf("attachments json = %q", m.Attachments)
	}
}
