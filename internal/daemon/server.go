package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pcoutinho/vkd/internal/config"
	"github.com/pcoutinho/vkd/internal/format"
	"github.com/pcoutinho/vkd/internal/outbox"
	"github.com/pcoutinho/vkd/internal/registry"
	"github.com/pcoutinho/vkd/internal/status"
	"github.com/pcoutinho/vkd/internal/store"
	syncpkg "github.com/pcoutinho/vkd/internal/sync"
	"github.com/pcoutinho/vkd/internal/vk"
	"go.uber.org/zap"
)

// Server is the daemon's local HTTP control API, consumed by vkctl.
type Server struct {
	machine  *status.Machine
	mgr      *vk.Manager
	reg      *registry.Registry
	db       *store.DB
	fm       *format.Formatter
	engine   *syncpkg.Engine
	sender   *outbox.Sender
	uploader *vk.Uploader
	sup      *Supervisor
	logger   *zap.Logger

	httpSrv *http.Server
}

// NewServer wires the HTTP API around the daemon's components.
func NewServer(cfg *config.Config, machine *status.Machine, mgr *vk.Manager, reg *registry.Registry, db *store.DB, fm *format.Formatter, engine *syncpkg.Engine, sender *outbox.Sender, uploader *vk.Uploader, sup *Supervisor, logger *zap.Logger) *Server {
	s := &Server{
		machine:  machine,
		mgr:      mgr,
		reg:      reg,
		db:       db,
		fm:       fm,
		engine:   engine,
		sender:   sender,
		uploader: uploader,
		sup:      sup,
		logger:   logger,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	v1 := r.Group("/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/entries", s.listEntries)
		v1.GET("/chats", s.listChats)
		v1.GET("/entries/:id/messages", s.listMessages)
		v1.POST("/entries/:id/messages", s.sendMessage)
		v1.POST("/entries/:id/uploads", s.startUpload)
		v1.GET("/uploads/:id", s.getUpload)
		v1.DELETE("/uploads/:id", s.cancelUpload)
		v1.POST("/entries/:id/sync", s.syncHistory)
		v1.POST("/entries/:id/read", s.markRead)
		v1.POST("/entries/:id/typing", s.sendTyping)
		v1.POST("/session/auth", s.authenticate)
		v1.POST("/session/resume", s.resumePolling)
	}

	s.httpSrv = &http.Server{Addr: cfg.HTTP.Listen, Handler: r}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) getStatus(c *gin.Context) {
	entries, _ := s.db.EntryCount()
	messages, _ := s.db.MessageCount()
	chats, _ := s.db.ChatCount()
	c.JSON(http.StatusOK, gin.H{
		"state":    s.machine.Current(),
		"user_id":  s.mgr.UserID(),
		"entries":  entries,
		"chats":    chats,
		"messages": messages,
	})
}

type entryView struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Class       string `json:"class"`
	Online      bool   `json:"online"`
	Mobile      bool   `json:"mobile"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

func (s *Server) listEntries(c *gin.Context) {
	out := make([]entryView, 0)
	for _, e := range s.reg.List() {
		out = append(out, entryView{
			ID:          e.ID,
			DisplayName: s.fm.DisplayName(e.FirstName, e.NickName, e.LastName),
			Class:       string(e.Class),
			Online:      e.Online,
			Mobile:      e.Mobile,
			PhotoURL:    e.PhotoURL,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

type chatView struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Participants []int64 `json:"participants"`
}

func (s *Server) listChats(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	chats, err := s.db.ListChats(limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]chatView, 0, len(chats))
	for _, ch := range chats {
		ids, err := s.db.ChatParticipants(ch.ID)
		if err != nil {
			s.fail(c, err)
			return
		}
		out = append(out, chatView{ID: ch.ID, Title: ch.Title, Participants: ids})
	}
	c.JSON(http.StatusOK, gin.H{"chats": out})
}

func (s *Server) listMessages(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}
	beforeTS, _ := strconv.ParseInt(c.Query("before_ts"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	msgs, err := s.db.ListMessages(peerID, beforeTS, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]format.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, s.renderStored(&msgs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// renderStored rebuilds the wire shape of a persisted message and runs it
// through the same formatter as live events.
func (s *Server) renderStored(m *store.Message) format.Message {
	item := &vk.MessageItem{
		ID:     m.MsgID,
		FromID: m.SenderID,
		PeerID: m.PeerID,
		Date:   m.Timestamp / 1000,
		Text:   m.Body,
		Likes:  vk.Counter{Count: m.Likes},
		Reposts: vk.Counter{
			Count: m.Reposts,
		},
	}
	if m.Outgoing {
		item.Out = 1
	}
	if m.Attachments != "" {
		_ = json.Unmarshal([]byte(m.Attachments), &item.Attachments)
	}
	return s.fm.Render(item)
}

type sendRequest struct {
	Body       string `json:"body"`
	Attachment string `json:"attachment"`
}

func (s *Server) sendMessage(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Body == "" && req.Attachment == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}
	clientID, err := s.sender.Queue(peerID, req.Body, req.Attachment)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"client_msg_id": clientID})
}

type uploadRequest struct {
	Path    string `json:"path"`
	Comment string `json:"comment"`
}

func (s *Server) startUpload(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	job := s.uploader.NewJob(peerID, req.Path, req.Comment)
	s.uploader.Start(job)
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

func (s *Server) cancelUpload(c *gin.Context) {
	if !s.uploader.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown upload job"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getUpload(c *gin.Context) {
	job := s.uploader.Job(c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown upload job"})
		return
	}
	resp := gin.H{"job_id": job.ID, "state": job.State()}
	if a := job.Attachment(); a != "" {
		resp["attachment"] = a
	}
	if err := job.Err(); err != nil {
		resp["error"] = err.Error()
		var uerr *vk.UploadError
		if errors.As(err, &uerr) {
			resp["phase"] = uerr.Phase
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) syncHistory(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}
	dir := syncpkg.Direction(c.DefaultQuery("direction", "older"))
	if dir != syncpkg.Older && dir != syncpkg.Newer {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be older or newer"})
		return
	}
	n, err := s.engine.SyncHistory(c.Request.Context(), peerID, dir)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": n})
}

func (s *Server) markRead(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}
	if err := s.engine.MarkRead(c.Request.Context(), peerID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) sendTyping(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}
	if err := s.engine.Typing(c.Request.Context(), peerID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type authRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (s *Server) authenticate(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Login == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "login and password are required"})
		return
	}
	session, err := s.mgr.Authenticate(c.Request.Context(), vk.Credentials{Login: req.Login, Password: req.Password})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": session.UserID, "scope": session.Scope})
}

func (s *Server) resumePolling(c *gin.Context) {
	s.sup.Resume()
	c.Status(http.StatusNoContent)
}

func (s *Server) peerID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return 0, false
	}
	return id, true
}

// fail maps the error taxonomy onto HTTP statuses, preserving service
// messages verbatim.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	var aerr *vk.AuthError
	var perr *vk.ProtocolError
	var terr *vk.TransportError
	switch {
	case errors.As(err, &aerr):
		code = http.StatusUnauthorized
	case errors.As(err, &perr):
		code = http.StatusBadGateway
	case errors.As(err, &terr):
		code = http.StatusServiceUnavailable
	case errors.Is(err, syncpkg.ErrSyncInFlight):
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
