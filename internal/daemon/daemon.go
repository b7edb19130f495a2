package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pcoutinho/vkd/internal/bus"
	"github.com/pcoutinho/vkd/internal/config"
	"github.com/pcoutinho/vkd/internal/status"
	syncpkg "github.com/pcoutinho/vkd/internal/sync"
	"github.com/pcoutinho/vkd/internal/vk"
	"go.uber.org/zap"
)

// Supervisor owns the poll loop across its restarts. A poller run ends on
// shutdown, on an authorization failure, or when the service stays down past
// the failure threshold; the supervisor decides what happens next.
type Supervisor struct {
	cfg     *config.Config
	mgr     *vk.Manager
	tr      *vk.Transport
	engine  *syncpkg.Engine
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	resume chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *vk.Poller
}

// NewSupervisor creates the poll loop supervisor.
func NewSupervisor(cfg *config.Config, mgr *vk.Manager, tr *vk.Transport, engine *syncpkg.Engine, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		mgr:     mgr,
		tr:      tr,
		engine:  engine,
		machine: machine,
		bus:     b,
		logger:  logger,
		resume:  make(chan struct{}, 1),
	}
}

func (s *Supervisor) newPoller() *vk.Poller {
	return vk.NewPoller(s.mgr, s.tr, s.engine, s.machine, s.bus, s.logger, vk.PollerConfig{
		Wait:             s.cfg.API.LongPollWait,
		BackoffMin:       time.Duration(s.cfg.Backoff.MinSeconds) * time.Second,
		BackoffMax:       time.Duration(s.cfg.Backoff.MaxSeconds) * time.Second,
		FailureThreshold: s.cfg.Backoff.FailureThreshold,
	})
}

// Start launches the supervision loop.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop requests a graceful shutdown and waits for the loop to exit. The
// in-flight poll finishes and its events are applied before return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.current != nil {
		s.current.Stop()
	}
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Resume wakes the supervisor after the service was declared unreachable.
func (s *Supervisor) Resume() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	authed, unsub := s.bus.Subscribe("session.authenticated", 4)
	defer unsub()

	for {
		if ctx.Err() != nil {
			return
		}
		p := s.newPoller()
		s.mu.Lock()
		s.current = p
		s.mu.Unlock()

		err := p.Run(ctx)
		switch {
		case err == nil:
			return
		case vk.IsAuth(err):
			s.logger.Warn("poll loop halted, waiting for reauthentication")
			select {
			case <-authed:
			case <-ctx.Done():
				return
			}
		case errors.Is(err, vk.ErrUnreachable):
			s.logger.Warn("poll loop halted, waiting for resume")
			select {
			case <-s.resume:
			case <-authed:
			case <-ctx.Done():
				return
			}
		default:
			s.logger.Error("poll loop failed, restarting", zap.Error(err))
			select {
			case <-time.After(time.Duration(s.cfg.Backoff.MinSeconds) * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}
