package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pcoutinho/vkd/internal/bus"
	"github.com/pcoutinho/vkd/internal/store"
	"github.com/pcoutinho/vkd/internal/vk"
	"go.uber.org/zap"
)

// API is the slice of the session manager the sender needs.
type API interface {
	SendMessage(ctx context.Context, peerID int64, text, attachment string) (int64, error)
	UserID() int64
}

// Sender drains the persistent outbox: messages queued while offline or
// mid-reconnect go out as soon as a send succeeds. Transient failures leave
// the entry queued for the next drain; everything else fails it permanently.
type Sender struct {
	db       *store.DB
	api      API
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	kick chan struct{}
	done chan struct{}
}

// NewSender creates an outbox sender polling at the given interval.
func NewSender(db *store.DB, api API, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Sender {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Sender{
		db:       db,
		api:      api,
		bus:      b,
		logger:   logger,
		interval: interval,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Queue stores an outgoing message and wakes the drain loop. The returned
// client message id tracks the entry until the server assigns a real id.
func (s *Sender) Queue(peerID int64, body, attachment string) (string, error) {
	id := uuid.NewString()
	if err := s.db.QueueOutbox(id, peerID, body, attachment); err != nil {
		return "", err
	}
	s.bus.Emit("message.queued", map[string]any{"client_msg_id": id, "peer_id": peerID})
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return id, nil
}

// Start runs the drain loop until ctx is canceled.
func (s *Sender) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.kick:
			}
			s.drain(ctx)
		}
	}()
}

// Done is closed when the drain loop has exited.
func (s *Sender) Done() <-chan struct{} { return s.done }

func (s *Sender) drain(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("outbox query failed", zap.Error(err))
		return
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("outbox update failed", zap.Error(err))
			return
		}
		serverID, err := s.api.SendMessage(ctx, entry.PeerID, entry.Body, entry.Attachment)
		if err != nil {
			s.handleSendError(entry, err)
			if vk.IsTransient(err) || vk.IsAuth(err) {
				// No point hammering the rest of the queue right now.
				return
			}
			continue
		}
		s.recordSent(entry, serverID)
	}
}

func (s *Sender) handleSendError(entry store.OutboxEntry, err error) {
	if vk.IsTransient(err) || vk.IsAuth(err) {
		s.logger.Warn("send deferred", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		if rqErr := s.db.RequeueOutbox(entry.ClientMsgID); rqErr != nil {
			s.logger.Error("outbox requeue failed", zap.Error(rqErr))
		}
		return
	}
	s.logger.Error("send failed", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
	if dbErr := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); dbErr != nil {
		s.logger.Error("outbox update failed", zap.Error(dbErr))
	}
	s.bus.Emit("message.failed", map[string]any{
		"client_msg_id": entry.ClientMsgID,
		"peer_id":       entry.PeerID,
		"error":         err.Error(),
	})
}

func (s *Sender) recordSent(entry store.OutboxEntry, serverID int64) {
	if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverID); err != nil {
		s.logger.Error("outbox update failed", zap.Error(err))
	}
	// Provisional row; the long-poll echo of our own message refines it.
	msg := &store.Message{
		PeerID:    entry.PeerID,
		MsgID:     serverID,
		SenderID:  s.api.UserID(),
		Body:      entry.Body,
		Timestamp: time.Now().UnixMilli(),
		Outgoing:  true,
		Status:    "sent",
		Read:      true,
	}
	if err := s.db.UpsertMessage(msg); err != nil {
		s.logger.Error("persist sent message failed", zap.Error(err))
	}
	s.bus.Emit("message.sent", map[string]any{
		"client_msg_id": entry.ClientMsgID,
		"peer_id":       entry.PeerID,
		"msg_id":        serverID,
	})
}
