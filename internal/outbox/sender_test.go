package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pcoutinho/vkd/internal/bus"
	"github.com/pcoutinho/vkd/internal/store"
	"github.com/pcoutinho/vkd/internal/vk"
	"go.uber.org/zap"
)

type fakeAPI struct {
	mu     sync.Mutex
	nextID int64
	err    error
	sent   []string
}

func (f *fakeAPI) SendMessage(ctx context.Context, peerID int64, text, attachment string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.sent = append(f.sent, text)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeAPI) UserID() int64 { return 1 }

func (f *fakeAPI) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "vkd.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	return db
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueueAndDrain(t *testing.T) {
	db := testDB(t)
	api := &fakeAPI{}
	b := bus.New()
	events, unsub := b.Subscribe("message.sent", 4)
	defer unsub()

	s := NewSender(db, api, b, zap.NewNop(), time.Hour) // rely on the kick, not the ticker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if _, err := s.Queue(42, "hello", ""); err != nil {
		t.Fatal(err)
	}

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no message.sent event")
	}

	m, err := db.GetMessage(42, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || !m.Outgoing || m.Status != "sent" || m.Body != "hello" {
		t.Errorf("stored message = %+v", m)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestTransientFailureRequeues(t *testing.T) {
	db := testDB(t)
	api := &fakeAPI{}
	api.setErr(&vk.TransportError{Transient: true, Err: errors.New("connection reset")})
	b := bus.New()

	s := NewSender(db, api, b, zap.NewNop(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if _, err := s.Queue(42, "later", ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		pending, _ := db.PendingOutbox()
		return len(pending) == 1 && pending[0].Status == "queued"
	})

	// Once the network recovers, the next drain delivers it.
	api.setErr(nil)
	s.kick <- struct{}{}
	waitFor(t, func() bool {
		pending, _ := db.PendingOutbox()
		return len(pending) == 0
	})

	m, _ := db.GetMessage(42, 1)
	if m == nil || m.Body != "later" {
		t.Errorf("message = %+v", m)
	}
}

func TestFatalFailureMarksFailed(t *testing.T) {
	db := testDB(t)
	api := &fakeAPI{}
	api.setErr(&vk.ProtocolError{Code: 7, Message: "permission denied"})
	b := bus.New()
	events, unsub := b.Subscribe("message.failed", 4)
	defer unsub()

	s := NewSender(db, api, b, zap.NewNop(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if _, err := s.Queue(42, "nope", ""); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-events:
		payload := evt.Payload.(map[string]any)
		if payload["error"] != "service error 7: permission denied" {
			t.Errorf("error payload = %v, want verbatim code and message", payload["error"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message.failed event")
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("failed entry must leave the queue, pending = %d", len(pending))
	}
}

func TestDrainPreservesQueueOrder(t *testing.T) {
	db := testDB(t)
	api := &fakeAPI{}
	b := bus.New()

	s := NewSender(db, api, b, zap.NewNop(), time.Hour)
	for _, body := range []string{"one", "two", "three"} {
		if _, err := s.Queue(42, body, ""); err != nil {
			t.Fatal(err)
		}
	}
	s.drain(context.Background())

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 3 || api.sent[0] != "one" || api.sent[2] != "three" {
		t.Errorf("sent order = %v", api.sent)
	}
}
