package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pcoutinho/vkd/internal/bus"
	"github.com/pcoutinho/vkd/internal/status"
	"go.uber.org/zap"
)

// ErrUnreachable is returned by Run when the service stayed down past the
// failure threshold. The caller decides when to try again.
var ErrUnreachable = errors.New("service unreachable")

// Sink consumes normalized events strictly in arrival order. ApplyEvent is
// called synchronously between polls, so one event is fully applied before
// the next poll is issued.
type Sink interface {
	ApplyEvent(ctx context.Context, evt Event) error
	// Resync performs a full state resynchronization, equivalent to a cold
	// start. Called on connect and after a server-signaled offset invalidation.
	Resync(ctx context.Context) error
}

// PollerConfig tunes the long-poll loop.
type PollerConfig struct {
	Wait             int // long-poll hold, seconds
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	FailureThreshold int
}

// Poller is the event stream processor: it owns the long-poll connection
// lifecycle (DISCONNECTED -> CONNECTING -> LISTENING -> RECONNECTING) and
// feeds the sink.
type Poller struct {
	mgr       *Manager
	transport *Transport
	sink      Sink
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger
	cfg       PollerConfig

	stopped atomic.Bool
	done    chan struct{}
}

// NewPoller creates a poller. Zero config fields get sane defaults.
func NewPoller(mgr *Manager, t *Transport, sink Sink, machine *status.Machine, b *bus.Bus, logger *zap.Logger, cfg PollerConfig) *Poller {
	if cfg.Wait <= 0 {
		cfg.Wait = 25
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	return &Poller{
		mgr:       mgr,
		transport: t,
		sink:      sink,
		machine:   machine,
		bus:       b,
		logger:    logger,
		cfg:       cfg,
		done:      make(chan struct{}),
	}
}

// Stop requests a graceful shutdown: the in-flight poll is allowed to finish
// and its events are applied before the loop exits.
func (p *Poller) Stop() {
	p.stopped.Store(true)
}

// Done is closed when Run has returned.
func (p *Poller) Done() <-chan struct{} { return p.done }

type pollResponse struct {
	TS      int64             `json:"ts"`
	Updates []json.RawMessage `json:"updates"`
	Failed  int               `json:"failed"`
}

// Run drives the poll loop until shutdown, an authorization failure, or the
// failure threshold is crossed. It returns nil on graceful shutdown.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.done)

	failures := 0
	for {
		if p.shuttingDown(ctx) {
			return nil
		}

		// CONNECTING: handshake, then full resync before listening.
		_ = p.machine.Transition(status.Connecting)
		srv, err := p.mgr.GetLongPollServer(ctx)
		if err != nil {
			if IsAuth(err) {
				_ = p.machine.Transition(status.AuthRequired)
				return err
			}
			failures++
			if p.giveUp(failures, err) {
				return ErrUnreachable
			}
			p.sleep(ctx, failures)
			continue
		}

		_ = p.machine.Transition(status.Syncing)
		if err := p.sink.Resync(ctx); err != nil {
			if IsAuth(err) {
				_ = p.machine.Transition(status.AuthRequired)
				return err
			}
			p.logger.Warn("resync failed", zap.Error(err))
			failures++
			if p.giveUp(failures, err) {
				return ErrUnreachable
			}
			p.sleep(ctx, failures)
			continue
		}
		failures = 0
		_ = p.machine.Transition(status.Ready)
		p.bus.Emit("sync.listening", srv.TS)

		// LISTENING: poll until failure or offset invalidation.
		err = p.listen(ctx, srv)
		switch {
		case err == nil:
			return nil // graceful shutdown
		case IsAuth(err):
			_ = p.machine.Transition(status.AuthRequired)
			return err
		case errors.Is(err, errOffsetInvalidated):
			p.logger.Info("long-poll offset invalidated, resynchronizing")
			_ = p.machine.Transition(status.Reconnecting)
			continue
		default:
			if IsTransient(err) {
				// listen already retried up to the threshold.
				p.unreachable(err)
				return ErrUnreachable
			}
			failures++
			if p.giveUp(failures, err) {
				return ErrUnreachable
			}
			_ = p.machine.Transition(status.Reconnecting)
			p.sleep(ctx, failures)
		}
	}
}

// errOffsetInvalidated signals that the server expired our event offset and
// the stream state must be rebuilt from scratch.
var errOffsetInvalidated = errors.New("long-poll offset invalidated")

func (p *Poller) listen(ctx context.Context, srv *LongPollServer) error {
	ts := srv.TS
	consecutive := 0
	for {
		if p.shuttingDown(ctx) {
			return nil
		}

		resp, err := p.poll(srv, ts)
		if err != nil {
			if IsTransient(err) {
				consecutive++
				if consecutive >= p.cfg.FailureThreshold {
					return err
				}
				p.sleep(ctx, consecutive)
				continue
			}
			return err
		}
		consecutive = 0

		if resp.Failed != 0 {
			// failed=1 means our ts is stale but the key is fine; the
			// server hands back a fresh ts to resume from. Anything else
			// requires a new handshake and a full resync.
			if resp.Failed == 1 && resp.TS > 0 {
				ts = resp.TS
				continue
			}
			return errOffsetInvalidated
		}

		// Zero updates is a normal long-poll timeout: re-poll immediately.
		for _, raw := range resp.Updates {
			evt, err := ParseUpdate(raw)
			if err != nil {
				p.logger.Warn("skipping malformed update", zap.Error(err))
				continue
			}
			if evt.Kind == EventUnknown {
				p.logger.Info("skipping unknown update kind", zap.Int("code", evt.Code))
				continue
			}
			if err := p.sink.ApplyEvent(ctx, evt); err != nil {
				if IsAuth(err) {
					return err
				}
				// A single event failing to apply must not kill the stream.
				p.logger.Error("failed to apply event", zap.String("kind", evt.Kind.String()), zap.Error(err))
			}
		}
		ts = resp.TS
	}
}

// poll issues one long-poll request. The request deliberately runs on its own
// timeout rather than the loop context so a graceful Stop lets it finish.
func (p *Poller) poll(srv *LongPollServer, ts int64) (*pollResponse, error) {
	q := url.Values{}
	q.Set("act", "a_check")
	q.Set("key", srv.Key)
	q.Set("ts", strconv.FormatInt(ts, 10))
	q.Set("wait", strconv.Itoa(p.cfg.Wait))
	endpoint := srv.Server
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	pollURL := fmt.Sprintf("%s?%s", endpoint, q.Encode())

	reqCtx, cancel := context.WithTimeout(context.Background(), time.Duration(p.cfg.Wait+10)*time.Second)
	defer cancel()

	body, err := p.transport.GetJSON(reqCtx, pollURL)
	if err != nil {
		return nil, err
	}
	var resp pollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &MalformedResponseError{Reason: "poll response: " + err.Error()}
	}
	return &resp, nil
}

func (p *Poller) shuttingDown(ctx context.Context) bool {
	if p.stopped.Load() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (p *Poller) giveUp(failures int, err error) bool {
	if failures < p.cfg.FailureThreshold {
		return false
	}
	p.unreachable(err)
	return true
}

func (p *Poller) unreachable(err error) {
	p.logger.Error("service unreachable, giving up", zap.Error(err))
	_ = p.machine.Transition(status.Degraded)
	p.bus.Emit("session.unreachable", err.Error())
}

// sleep blocks for the capped exponential backoff slot, or until shutdown.
func (p *Poller) sleep(ctx context.Context, attempt int) {
	d := p.cfg.BackoffMin << uint(attempt-1)
	if d > p.cfg.BackoffMax || d <= 0 {
		d = p.cfg.BackoffMax
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
