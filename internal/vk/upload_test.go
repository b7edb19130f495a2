package vk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pcoutinho/vkd/internal/bus"
	"go.uber.org/zap"
)

// uploadService fakes the three-phase document upload flow.
type uploadService struct {
	srv *httptest.Server

	serverResp string // docs.getUploadServer envelope; empty means grant /upload
	uploadResp string // raw body from the upload endpoint
	saveResp   string // docs.save envelope
	onServer   func() // runs inside the docs.getUploadServer handler
}

func newUploadService(t *testing.T) *uploadService {
	t.Helper()
	us := &uploadService{
		uploadResp: `{"file": "fileref-1"}`,
		saveResp:   `{"response": [{"owner_id": 1, "id": 2}]}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/docs.getUploadServer", func(w http.ResponseWriter, r *http.Request) {
		if us.onServer != nil {
			us.onServer()
		}
		if us.serverResp != "" {
			_, _ = w.Write([]byte(us.serverResp))
			return
		}
		_, _ = fmt.Fprintf(w, `{"response": {"upload_url": %q}}`, us.srv.URL+"/upload")
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("upload is not multipart: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}
		_, _ = w.Write([]byte(us.uploadResp))
	})
	mux.HandleFunc("/docs.save", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("file"); got != "fileref-1" {
			t.Errorf("save file ref = %q", got)
		}
		_, _ = w.Write([]byte(us.saveResp))
	})
	us.srv = httptest.NewServer(mux)
	t.Cleanup(us.srv.Close)
	return us
}

func testUploader(t *testing.T, us *uploadService, ob Outbox, b *bus.Bus) *Uploader {
	t.Helper()
	if b == nil {
		b = bus.New()
	}
	m := testManager(t, us.srv.URL, us.srv.URL, nil, b)
	m.session = &Session{UserID: 1, AccessToken: "tok"}
	return NewUploader(m, m.transport, ob, b, zap.NewNop())
}

type queuedMessage struct {
	PeerID     int64
	Body       string
	Attachment string
}

// recordingOutbox captures messages the uploader hands off for delivery.
type recordingOutbox struct {
	mu     sync.Mutex
	queued []queuedMessage
}

func (o *recordingOutbox) Queue(peerID int64, body, attachment string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queued = append(o.queued, queuedMessage{PeerID: peerID, Body: body, Attachment: attachment})
	return fmt.Sprintf("client-%d", len(o.queued)), nil
}

func tempDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("document body"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadHappyPath(t *testing.T) {
	us := newUploadService(t)
	b := bus.New()
	events, unsub := b.Subscribe("upload.", 16)
	defer unsub()

	u := testUploader(t, us, nil, b)
	j := u.NewJob(55, tempDoc(t), "")

	attachment, err := u.Run(context.Background(), j)
	if err != nil {
		t.Fatal(err)
	}
	if attachment != "doc1_2" {
		t.Errorf("attachment = %q, want doc1_2", attachment)
	}
	if j.State() != JobAttached {
		t.Errorf("state = %s, want ATTACHED", j.State())
	}
	if j.Attachment() != "doc1_2" {
		t.Errorf("job attachment = %q", j.Attachment())
	}

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 4 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
		case <-deadline:
			t.Fatalf("events so far: %v", kinds)
		}
	}
	if kinds[3] != "upload.attached" {
		t.Errorf("final event = %s, want upload.attached", kinds[3])
	}
}

func TestUploadFailsInRequestingServer(t *testing.T) {
	us := newUploadService(t)
	us.serverResp = `{"error": {"error_code": 15, "error_msg": "docs access denied"}}`

	u := testUploader(t, us, nil, nil)
	j := u.NewJob(55, tempDoc(t), "")

	_, err := u.Run(context.Background(), j)
	var uerr *UploadError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want UploadError", err)
	}
	if uerr.Phase != PhaseRequestingServer {
		t.Errorf("phase = %s, want REQUESTING_SERVER", uerr.Phase)
	}
	var perr *ProtocolError
	if !errors.As(uerr.Err, &perr) || perr.Message != "docs access denied" {
		t.Errorf("cause = %v, want verbatim ProtocolError", uerr.Err)
	}
	if j.State() != JobFailed {
		t.Errorf("state = %s, want FAILED", j.State())
	}
}

func TestUploadFailsInUploading(t *testing.T) {
	us := newUploadService(t)
	us.uploadResp = `{"error": "file is too large"}`

	u := testUploader(t, us, nil, nil)
	j := u.NewJob(55, tempDoc(t), "")

	_, err := u.Run(context.Background(), j)
	var uerr *UploadError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want UploadError", err)
	}
	if uerr.Phase != PhaseUploading {
		t.Errorf("phase = %s, want UPLOADING", uerr.Phase)
	}
	if j.Attachment() != "" {
		t.Errorf("failed job must carry no attachment, got %q", j.Attachment())
	}
}

func TestUploadFailsInSaving(t *testing.T) {
	us := newUploadService(t)
	us.saveResp = `{"error": {"error_code": 77, "error_msg": "disk full"}}`
	b := bus.New()
	events, unsub := b.Subscribe("upload.failed", 4)
	defer unsub()

	u := testUploader(t, us, nil, b)
	j := u.NewJob(55, tempDoc(t), "")

	_, err := u.Run(context.Background(), j)
	var uerr *UploadError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want UploadError", err)
	}
	if uerr.Phase != PhaseSaving {
		t.Errorf("phase = %s, want SAVING", uerr.Phase)
	}
	var perr *ProtocolError
	if !errors.As(uerr.Err, &perr) || perr.Code != 77 || perr.Message != "disk full" {
		t.Errorf("cause = %v, want ProtocolError{77, disk full}", uerr.Err)
	}
	if got := j.Err(); !errors.Is(got, err) {
		t.Errorf("job err = %v, want the Run error", got)
	}

	select {
	case evt := <-events:
		if evt.Kind != "upload.failed" {
			t.Errorf("event kind = %s", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no upload.failed event")
	}
}

func TestUploadRestartsAtPhaseOne(t *testing.T) {
	us := newUploadService(t)
	us.uploadResp = `{"error": "transfer aborted"}`

	u := testUploader(t, us, nil, nil)
	failed := u.NewJob(55, tempDoc(t), "")
	if _, err := u.Run(context.Background(), failed); err == nil {
		t.Fatal("expected failure")
	}

	// A failed job stays failed; recovery is a fresh job from phase one.
	us.uploadResp = `{"file": "fileref-1"}`
	fresh := u.NewJob(55, failed.Path, "")
	attachment, err := u.Run(context.Background(), fresh)
	if err != nil {
		t.Fatal(err)
	}
	if attachment != "doc1_2" {
		t.Errorf("attachment = %q", attachment)
	}
	if failed.State() != JobFailed {
		t.Errorf("original job state = %s, must remain FAILED", failed.State())
	}
	if u.Job(fresh.ID) != fresh {
		t.Error("job lookup by id failed")
	}
}

func TestUploadQueuesMessageWithAttachment(t *testing.T) {
	us := newUploadService(t)
	ob := &recordingOutbox{}
	u := testUploader(t, us, ob, nil)
	j := u.NewJob(55, tempDoc(t), "here is the doc")

	if _, err := u.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(ob.queued) != 1 {
		t.Fatalf("queued = %+v, want one message", ob.queued)
	}
	q := ob.queued[0]
	if q.PeerID != 55 || q.Body != "here is the doc" || q.Attachment != "doc1_2" {
		t.Errorf("queued message = %+v", q)
	}
}

func TestUploadFailureQueuesNothing(t *testing.T) {
	us := newUploadService(t)
	us.uploadResp = `{"error": "file is too large"}`
	ob := &recordingOutbox{}
	u := testUploader(t, us, ob, nil)
	j := u.NewJob(55, tempDoc(t), "lost")

	if _, err := u.Run(context.Background(), j); err == nil {
		t.Fatal("expected failure")
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(ob.queued) != 0 {
		t.Errorf("queued = %+v, want none", ob.queued)
	}
}

func TestUploadCancelBetweenPhases(t *testing.T) {
	us := newUploadService(t)
	u := testUploader(t, us, nil, nil)
	j := u.NewJob(55, tempDoc(t), "")
	us.onServer = func() { u.Cancel(j.ID) }

	u.Start(j)

	deadline := time.Now().Add(2 * time.Second)
	for j.State() != JobFailed {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want FAILED", j.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	var uerr *UploadError
	if err := j.Err(); !errors.As(err, &uerr) || uerr.Phase != PhaseRequestingServer {
		t.Errorf("err = %v, want UploadError in REQUESTING_SERVER", err)
	}
	if !errors.Is(j.Err(), context.Canceled) {
		t.Errorf("cause = %v, want context.Canceled", j.Err())
	}
}

func TestCancelUnknownJob(t *testing.T) {
	us := newUploadService(t)
	u := testUploader(t, us, nil, nil)
	if u.Cancel("nope") {
		t.Error("unknown job must not cancel")
	}
}
