package webui

import (
	"MeterDetServer/adhoc"
	"MeterDetServer/frame"
	"MeterDetServer/imaging"
	"MeterDetServer/logger"
	"MeterDetServer/session"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("not connected to MQTT broker")

// Publisher sends an image to the inference worker and returns a channel
// for the correlated result.
type Publisher interface {
	Send(ctx context.Context, session string, jpeg []byte) (string, <-chan frame.DetectionResult, error)
	Connected() bool
}

type resultMessage struct {
	ID         string            `json:"id"`
	Status     string            `json:"status,omitempty"`
	Reading    string            `json:"reading"`
	Digits     []int             `json:"digits,omitempty"`
	Detections []frame.Detection `json:"detections,omitempty"`
	Image      string            `json:"image,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func newResultMessage(res frame.DetectionResult) resultMessage {
	return resultMessage{
		ID:         res.ID,
		Reading:    res.Reading(),
		Digits:     res.Digits,
		Detections: res.Detections,
		Image:      res.ProcessedImage,
		Error:      res.Error,
	}
}

type PublishOptions struct {
	MaxUploadSize int64
	ResultTimeout time.Duration
	WorkerTTL     time.Duration
}

// PublishServer is the MQTT publisher app. Results are recorded in the
// session history whenever they arrive, and pushed to the session's
// websocket subscribers.
type PublishServer struct {
	base
	pub       Publisher
	registry  *adhoc.Registry
	timeout   time.Duration
	workerTTL time.Duration
	hub       *hub
	normalize func([]byte) ([]byte, error)
}

func NewPublishServer(pub Publisher, sessions *session.Store, registry *adhoc.Registry, opts PublishOptions) *PublishServer {
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = 5 * time.Second
	}
	if opts.WorkerTTL <= 0 {
		opts.WorkerTTL = 15 * time.Second
	}
	s := &PublishServer{
		base:      base{sessions: sessions, maxUploadSize: opts.MaxUploadSize, endpoint: "/api/send", live: true},
		pub:       pub,
		registry:  registry,
		timeout:   opts.ResultTimeout,
		workerTTL: opts.WorkerTTL,
		hub:       newHub(),
		normalize: imaging.ToJPEG,
	}
	sessions.OnEvict = s.hub.closeSession
	return s
}

func (s *PublishServer) Handler() http.Handler {
	r := NewEngine()
	r.POST(adhoc.RegisterPath, s.registerWorker)
	r.GET("/api/workers", s.listWorkers)
	g := s.routes(r)
	g.POST("/api/send", s.send)
	g.GET("/ws", s.serveWS)
	return r
}

func (s *PublishServer) send(c *gin.Context) {
	raw, code, err := s.readUpload(c)
	if err != nil {
		respondError(c, code, err)
		return
	}
	jpeg, err := s.normalize(raw)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	if !s.pub.Connected() {
		respondError(c, http.StatusServiceUnavailable, ErrNotConnected)
		return
	}
	sess := currentSession(c)
	id, ch, err := s.pub.Send(c.Request.Context(), sess.ID, jpeg)
	if err != nil {
		logger.Log().Error("Publish failed", zap.Error(err))
		respondError(c, http.StatusBadGateway, err)
		return
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		msg := newResultMessage(res)
		if res.Error != "" {
			c.JSON(http.StatusBadGateway, msg)
			return
		}
		c.JSON(http.StatusOK, msg)
	case <-timer.C:
		c.JSON(http.StatusAccepted, resultMessage{ID: id, Status: "pending"})
	case <-c.Request.Context().Done():
		respondError(c, statusFor(c.Request.Context().Err()), c.Request.Context().Err())
	}
}

// HandleResult records a correlated result for session and pushes it to
// the session's websockets.
func (s *PublishServer) HandleResult(sessionID string, res frame.DetectionResult) {
	if res.Error == "" {
		img, err := res.Image()
		if err != nil {
			logger.Log().Warn("Result without usable image", zap.String("id", res.ID), zap.Error(err))
		} else {
			s.sessions.Append(sessionID, img, res.Reading())
		}
	}
	s.hub.broadcast(sessionID, newResultMessage(res))
}

func (s *PublishServer) registerWorker(c *gin.Context) {
	var req adhoc.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.Register(req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, adhoc.RegisterResponse{Id: req.Id, Success: true})
}

func (s *PublishServer) listWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected": s.pub.Connected(),
		"workers":   s.registry.Alive(s.workerTTL),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *PublishServer) serveWS(c *gin.Context) {
	sess := currentSession(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already replied
		return
	}
	client := s.hub.add(sess.ID, conn)
	defer s.hub.remove(sess.ID, client)
	conn.SetReadLimit(1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type wsClient struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (w *wsClient) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsClient) close(reason string) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		w.mu.Unlock()
		_ = w.conn.Close()
	})
}

// hub fans results out to every websocket of a session.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[string]map[*wsClient]struct{})}
}

func (h *hub) add(sessionID string, conn *websocket.Conn) *wsClient {
	c := &wsClient{conn: conn}
	h.mu.Lock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*wsClient]struct{})
	}
	h.clients[sessionID][c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) remove(sessionID string, c *wsClient) {
	h.mu.Lock()
	delete(h.clients[sessionID], c)
	if len(h.clients[sessionID]) == 0 {
		delete(h.clients, sessionID)
	}
	h.mu.Unlock()
	c.close("bye")
}

func (h *hub) count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

func (h *hub) snapshot(sessionID string) []*wsClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*wsClient, 0, len(h.clients[sessionID]))
	for c := range h.clients[sessionID] {
		out = append(out, c)
	}
	return out
}

func (h *hub) broadcast(sessionID string, msg resultMessage) {
	for _, c := range h.snapshot(sessionID) {
		if err := c.write(msg); err != nil {
			logger.Log().Debug("Websocket write failed", zap.String("session", sessionID), zap.Error(err))
			c.close("write failed")
		}
	}
}

func (h *hub) closeSession(sessionID string) {
	h.mu.Lock()
	clients := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()
	for c := range clients {
		c.close("session expired")
	}
}
