// Package gateway serves the local dashboard: the authenticated /ws action
// socket, the /complete pairing hook and /healthz. Background events from the
// bus are fanned out to every connected dashboard.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-paw/internal/bus"
	"github.com/basket/go-paw/internal/otel"
	"github.com/basket/go-paw/internal/pairing"
	"github.com/basket/go-paw/internal/persistence"
	"github.com/basket/go-paw/internal/protocol"
	"github.com/basket/go-paw/internal/session"
	"github.com/basket/go-paw/internal/stream"
)

// ConnectedText greets every new dashboard connection.
const ConnectedText = "👋 Connected to go-paw"

const (
	maxQueuedActions = 16
	maxMessageBytes  = 1 << 20
	writeTimeout     = 10 * time.Second
)

type Config struct {
	// Services is shared by every connection's session.
	Services session.Services
	Bus      *bus.Bus
	// Store is pinged by /healthz; nil skips the check.
	Store *persistence.Store

	AuthToken string
	// AllowOrigins lists Origin patterns accepted for cross-origin browser
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// Actions limits inbound actions per connection.
	Actions RateLimit
	// HTTP limits upgrade and /complete requests per client address.
	HTTP RateLimit

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *IPRateLimiter
	hub     *stream.Hub
}

type client struct {
	conn    *websocket.Conn
	session *session.Session
	mu      sync.Mutex
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.NoopTracer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	cfg.Actions = cfg.Actions.withDefaults(120, 20)
	if cfg.Services.Logger == nil {
		cfg.Services.Logger = cfg.Logger
	}
	if cfg.Services.Tracer == nil {
		cfg.Services.Tracer = cfg.Tracer
	}
	if cfg.Services.Metrics == nil {
		cfg.Services.Metrics = cfg.Metrics
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		limiter: NewIPRateLimiter(cfg.HTTP),
		hub:     stream.NewHub(cfg.Logger, cfg.Metrics),
	}
	s.limiter.OnReject(func(r *http.Request, addr string) {
		s.cfg.Metrics.ActionRejects.Add(r.Context(), 1, otel.Attrs(otel.AttrAction.String("http"+r.URL.Path)))
		s.logger.Warn("request rate limited", "path", r.URL.Path, "addr", addr)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.limiter.Wrap(http.HandlerFunc(s.handleWS)))
	complete := NewCORSMiddleware(s.cfg.AllowOrigins)(RequestSizeLimitMiddleware(0)(http.HandlerFunc(s.handleComplete)))
	mux.Handle("/complete", s.limiter.Wrap(complete))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Run fans bus events out to connected dashboards until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	if s.cfg.Bus == nil {
		<-ctx.Done()
		return
	}
	s.hub.Run(ctx, s.cfg.Bus)
}

// ClientCount returns the number of connected dashboards.
func (s *Server) ClientCount() int {
	return s.hub.Len()
}

// Send implements stream.Sink. Writes are serialized per connection.
func (c *client) Send(ctx context.Context, ev stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, ev)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !tokenMatches(ExtractToken(r), s.cfg.AuthToken) {
		s.logger.Warn("ws: rejected unauthenticated upgrade", "remote", clientAddr(r))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{conn: conn, session: session.New(session.TransportWebSocket, s.cfg.Services)}
	unregister := s.hub.Register(c)
	s.cfg.Metrics.WSConnections.Add(ctx, 1)
	logger := s.logger.With("session_id", c.session.ID())
	logger.Info("ws: client connected", "remote", clientAddr(r))
	defer func() {
		unregister()
		c.session.Close()
		s.cfg.Metrics.WSConnections.Add(context.Background(), -1)
		logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if err := c.Send(ctx, stream.Notification(ConnectedText)); err != nil {
		return
	}

	queue := make(chan protocol.Action, maxQueuedActions)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for a := range queue {
			if err := s.handle(ctx, c, a); err != nil {
				logger.Info("ws: delivery failed, closing", "action", a.Name(), "error", err)
				cancel()
			}
		}
	}()
	defer func() {
		cancel()
		close(queue)
		wg.Wait()
	}()

	bucket := NewTokenBucket(s.cfg.Actions.PerMinute, s.cfg.Actions.Burst)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				logger.Warn("ws: read error", "error", err)
			}
			return
		}
		if !bucket.Allow() {
			if c.Send(ctx, stream.Error("Rate limit exceeded. Slow down.")) != nil {
				return
			}
			continue
		}
		action, err := protocol.Decode(data)
		if err != nil {
			logger.Debug("ws: invalid action", "error", err)
			if c.Send(ctx, stream.Error(decodeErrorText(err))) != nil {
				return
			}
			continue
		}
		if protocol.OutOfBand(action) {
			if s.handle(ctx, c, action) != nil {
				return
			}
			continue
		}
		select {
		case queue <- action:
		default:
			if c.Send(ctx, stream.Error("Too many pending requests. Wait for the current one to finish.")) != nil {
				return
			}
		}
	}
}

func decodeErrorText(err error) string {
	if errors.Is(err, protocol.ErrUnknownAction) {
		return "Unknown action"
	}
	return "Invalid request: " + err.Error()
}

// handle runs one action. Only a delivery failure is returned; a refused
// requester is logged by the session and otherwise ignored.
func (s *Server) handle(ctx context.Context, c *client, a protocol.Action) error {
	ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "gateway.ws.action",
		otel.AttrAction.String(a.Name()),
		otel.AttrTransport.String(string(session.TransportWebSocket)),
		otel.AttrSessionID.String(c.session.ID()),
	)
	defer span.End()

	err := c.session.Handle(ctx, pairing.Requester{Local: true}, a, c)
	if errors.Is(err, session.ErrUnauthorized) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// handleComplete receives the pairing notification and tells dashboards.
// Only the bound owner's id is accepted.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	if s.cfg.Services.Settings == nil || s.cfg.Services.Settings.Get().AllowedUserID != id {
		http.Error(w, `{"error":"not the paired user"}`, http.StatusConflict)
		return
	}
	s.cfg.Bus.Publish(bus.TopicPairingCompleted, bus.PairingCompleted{UserID: id})
	s.logger.Info("pairing completed", "user_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		dbOK = s.cfg.Store.Ping(ctx) == nil
	}
	paired := false
	if s.cfg.Services.Settings != nil {
		paired = s.cfg.Services.Settings.Get().Paired()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"paired":  paired,
		"clients": s.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
