package vk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pcoutinho/vkd/internal/bus"
	"go.uber.org/zap"
)

// JobState is an upload job lifecycle state.
type JobState string

const (
	JobRequestingServer JobState = "REQUESTING_SERVER"
	JobUploading        JobState = "UPLOADING"
	JobSaving           JobState = "SAVING"
	JobAttached         JobState = "ATTACHED"
	JobFailed           JobState = "FAILED"
)

// Job tracks one document upload through the three-phase pipeline. A failed
// job is never resumed: resubmission starts a fresh job at phase one, since
// upload-server grants are single-use.
type Job struct {
	ID      string
	PeerID  int64
	Path    string
	Comment string

	mu         sync.Mutex
	state      JobState
	err        error
	attachment string
	cancel     context.CancelFunc
}

// State returns the current job state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the terminal error of a failed job (an *UploadError), or nil.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Attachment returns the saved attachment identity once the job is ATTACHED.
func (j *Job) Attachment() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attachment
}

// Outbox queues outgoing messages for delivery.
type Outbox interface {
	Queue(peerID int64, body, attachment string) (string, error)
}

// Uploader runs upload jobs against the remote service. An attached document
// is delivered to its target peer through the outbox.
type Uploader struct {
	mgr       *Manager
	transport *Transport
	outbox    Outbox
	bus       *bus.Bus
	logger    *zap.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewUploader creates an uploader.
func NewUploader(mgr *Manager, t *Transport, outbox Outbox, b *bus.Bus, logger *zap.Logger) *Uploader {
	return &Uploader{
		mgr:       mgr,
		transport: t,
		outbox:    outbox,
		bus:       b,
		logger:    logger,
		jobs:      make(map[string]*Job),
	}
}

// NewJob registers a job for the given local file and target peer.
func (u *Uploader) NewJob(peerID int64, path, comment string) *Job {
	j := &Job{
		ID:      uuid.NewString(),
		PeerID:  peerID,
		Path:    path,
		Comment: comment,
		state:   JobRequestingServer,
	}
	u.mu.Lock()
	u.jobs[j.ID] = j
	u.mu.Unlock()
	return j
}

// Job looks up a registered job by id.
func (u *Uploader) Job(id string) *Job {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.jobs[id]
}

// Start runs the job in the background under its own cancelable context.
func (u *Uploader) Start(j *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()
	go func() {
		defer cancel()
		if _, err := u.Run(ctx, j); err != nil {
			u.logger.Warn("upload job failed", zap.String("job", j.ID), zap.Error(err))
		}
	}()
}

// Cancel aborts a background job; it takes effect between phases. Reports
// whether the job id is known.
func (u *Uploader) Cancel(id string) bool {
	j := u.Job(id)
	if j == nil {
		return false
	}
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// Run executes the job's phases in order. It returns the attachment identity
// on success. No phase is retried; cancellation takes effect between phases.
func (u *Uploader) Run(ctx context.Context, j *Job) (string, error) {
	// Phase 1: obtain the upload endpoint.
	u.setState(j, JobRequestingServer)
	uploadURL, err := u.requestServer(ctx)
	if err != nil {
		return "", u.fail(j, PhaseRequestingServer, err)
	}
	if err := ctx.Err(); err != nil {
		return "", u.fail(j, PhaseRequestingServer, err)
	}

	// Phase 2: stream the file to the granted endpoint.
	u.setState(j, JobUploading)
	fileRef, err := u.uploadFile(ctx, uploadURL, j.Path)
	if err != nil {
		return "", u.fail(j, PhaseUploading, err)
	}
	if err := ctx.Err(); err != nil {
		return "", u.fail(j, PhaseUploading, err)
	}

	// Phase 3: register the uploaded resource, obtaining a permanent id.
	u.setState(j, JobSaving)
	attachment, err := u.saveFile(ctx, fileRef)
	if err != nil {
		return "", u.fail(j, PhaseSaving, err)
	}

	j.mu.Lock()
	j.state = JobAttached
	j.attachment = attachment
	j.mu.Unlock()

	u.logger.Info("upload attached", zap.String("job", j.ID), zap.String("attachment", attachment))
	u.bus.Emit("upload.attached", map[string]string{"job_id": j.ID, "attachment": attachment})

	// The document now exists server-side; deliver it to the target peer.
	if u.outbox != nil {
		if _, err := u.outbox.Queue(j.PeerID, j.Comment, attachment); err != nil {
			u.logger.Error("could not queue attached message",
				zap.String("job", j.ID),
				zap.Int64("peer_id", j.PeerID),
				zap.Error(err))
		}
	}
	return attachment, nil
}

func (u *Uploader) requestServer(ctx context.Context) (string, error) {
	raw, err := u.mgr.Invoke(ctx, "docs.getUploadServer", nil)
	if err != nil {
		// ProtocolError/AuthError from the envelope pass through unchanged.
		return "", err
	}
	var resp struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &MalformedResponseError{Reason: "upload server response: " + err.Error()}
	}
	if resp.UploadURL == "" {
		return "", &MalformedResponseError{Reason: "no upload endpoint in response"}
	}
	return resp.UploadURL, nil
}

func (u *Uploader) uploadFile(ctx context.Context, uploadURL, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	body, err := u.transport.UploadFile(ctx, uploadURL, "file", path, f)
	if err != nil {
		// Connection-level failure.
		return "", err
	}

	var resp struct {
		File  string `json:"file"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &MalformedResponseError{Reason: "upload response: " + err.Error()}
	}
	if resp.Error != "" {
		// The upload server rejected the file; its message is preserved.
		return "", &ProtocolError{Message: resp.Error}
	}
	if resp.File == "" {
		return "", &MalformedResponseError{Reason: "upload response missing file reference"}
	}
	return resp.File, nil
}

func (u *Uploader) saveFile(ctx context.Context, fileRef string) (string, error) {
	params := url.Values{}
	params.Set("file", fileRef)
	raw, err := u.mgr.Invoke(ctx, "docs.save", params)
	if err != nil {
		return "", err
	}
	var docs []struct {
		OwnerID int64 `json:"owner_id"`
		ID      int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &docs); err != nil {
		return "", &MalformedResponseError{Reason: "save response: " + err.Error()}
	}
	if len(docs) == 0 || docs[0].ID == 0 {
		return "", &MalformedResponseError{Reason: "save response missing document"}
	}
	return fmt.Sprintf("doc%d_%d", docs[0].OwnerID, docs[0].ID), nil
}

func (u *Uploader) setState(j *Job, s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
	u.bus.Emit("upload.state_changed", map[string]string{"job_id": j.ID, "state": string(s)})
}

func (u *Uploader) fail(j *Job, phase UploadPhase, err error) error {
	uerr := &UploadError{Phase: phase, Err: err}
	j.mu.Lock()
	j.state = JobFailed
	j.err = uerr
	j.mu.Unlock()

	u.logger.Error("upload failed",
		zap.String("job", j.ID),
		zap.String("phase", string(phase)),
		zap.Error(err))
	u.bus.Emit("upload.failed", map[string]string{
		"job_id": j.ID,
		"phase":  string(phase),
		"error":  err.Error(),
	})
	return uerr
}
