package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pulsehub/internal/conn"
)

type Options struct {
	AnnounceInterval   time.Duration
	AnnounceMessage    func(time.Time) string
	AnnounceMembership bool
	SendTimeout        time.Duration
	Logger             zerolog.Logger
}

// Hub accepts agent connections, keeps them in a Registry and fans
// messages out to all of them.
type Hub struct {
	registry    *Registry
	broadcaster *Broadcaster
	announcer   *Announcer
	metrics     *Metrics

	announceMembership bool
	sendTimeout        time.Duration

	upgrader websocket.Upgrader
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	registry := NewRegistry()
	metrics := NewMetrics()
	broadcaster := NewBroadcaster(registry, opts.SendTimeout, logger)
	broadcaster.metrics = metrics

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:           registry,
		broadcaster:        broadcaster,
		announcer:          NewAnnouncer(broadcaster, opts.AnnounceInterval, opts.AnnounceMessage, logger),
		metrics:            metrics,
		announceMembership: opts.AnnounceMembership,
		sendTimeout:        opts.SendTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "hub").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Metrics() *Metrics   { return h.metrics }

func (h *Hub) Broadcast(ctx context.Context, event string) Report {
	return h.broadcaster.Broadcast(ctx, event)
}

// Run drives the periodic announcer until ctx is done, then closes the hub.
func (h *Hub) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	err := h.announcer.Run(runCtx)
	h.Close()
	return err
}

// Close stops accepting sessions, tells every active session to go away
// and waits for them to unregister.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.sessions.Wait()
}

// ClientsPath serves the JSON list of registered agent ids.
const ClientsPath = "/api/clients"

// Handler mounts the agent endpoint at path, the client list at
// ClientsPath and, if metricsPath is set, the Prometheus exporter.
func (h *Hub) Handler(path, metricsPath string) http.Handler {
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, h.ServeAgentWS)
	mux.HandleFunc(ClientsPath, h.ClientsHandler())
	if metricsPath != "" {
		mux.Handle(metricsPath, h.metrics.Handler())
	}
	return mux
}

func (h *Hub) ServeAgentWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	agentID := r.URL.Query().Get(conn.ClientIDParam)
	if agentID == "" {
		h.metrics.connectionRejected(rejectMissingID)
		http.Error(w, "clientId required", http.StatusBadRequest)
		return
	}
	if h.registry.Contains(agentID) {
		h.metrics.connectionRejected(rejectDuplicate)
		h.logger.Warn().Str("agent_id", agentID).Str("remote", r.RemoteAddr).Msg("duplicate clientId, client refused")
		http.Error(w, "duplicate clientId", http.StatusConflict)
		return
	}
	if h.ctx.Err() != nil {
		h.metrics.connectionRejected(rejectShutdown)
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	c, err := conn.Accept(&h.upgrader, w, r, agentID, conn.WithWriteTimeout(h.sendTimeout))
	if err != nil {
		h.logger.Debug().Err(err).Str("agent_id", agentID).Msg("upgrade failed")
		return
	}
	h.ServeAgentConn(c)
}

// ServeAgentConn owns c until it returns: register, receive until the
// peer leaves or the hub closes, then close and unregister.
func (h *Hub) ServeAgentConn(c *conn.Handle) {
	agentID := c.AgentID()
	log := h.logger.With().Str("agent_id", agentID).Str("session_id", c.SessionID()).Logger()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.metrics.connectionRejected(rejectShutdown)
		_ = c.Close(websocket.CloseGoingAway, "hub shutting down")
		return
	}
	h.sessions.Add(1)
	h.mu.Unlock()
	defer h.sessions.Done()

	if agentID == "" {
		h.metrics.connectionRejected(rejectMissingID)
		_ = c.Close(websocket.ClosePolicyViolation, "clientId required")
		return
	}
	if !h.registry.TryRegister(agentID, c) {
		h.metrics.connectionRejected(rejectDuplicate)
		log.Warn().Msg("duplicate clientId, client refused")
		_ = c.Close(conn.CloseDuplicateID, conn.DuplicateIDReason)
		return
	}
	h.metrics.agentConnected()
	log.Info().Int("clients", h.registry.Len()).Msg("client connected")

	stop := context.AfterFunc(h.ctx, func() {
		_ = c.Close(websocket.CloseGoingAway, "hub shutting down")
	})
	defer stop()

	if h.announceMembership {
		h.broadcaster.Broadcast(h.ctx, joinedMessage(agentID))
	}

	reason := h.receive(log, c)

	_ = c.Close(websocket.CloseNormalClosure, "Closing")
	if h.registry.Unregister(agentID) {
		h.metrics.agentDisconnected()
	}
	log.Info().Str("reason", reason).Int("clients", h.registry.Len()).Msg("client disconnected")

	if h.announceMembership && h.ctx.Err() == nil {
		h.broadcaster.Broadcast(h.ctx, leftMessage(agentID))
	}
}

func (h *Hub) receive(log zerolog.Logger, c *conn.Handle) string {
	for {
		f, err := c.Receive()
		if err != nil {
			if h.ctx.Err() != nil {
				return "hub shutdown"
			}
			log.Warn().Err(err).Msg("receive failed")
			return "transport error"
		}
		switch f.Kind {
		case conn.KindText:
			h.metrics.frameReceived()
			log.Info().Str("message", f.Text).Msg("received")
			report := h.broadcaster.Broadcast(h.ctx, EchoMessage(c.AgentID(), f.Text))
			if report.Failed() > 0 {
				log.Debug().Int("failed", report.Failed()).Int("delivered", report.Delivered).Msg("echo partially delivered")
			}
		case conn.KindClose:
			return "closed by peer"
		default:
			log.Debug().Msg("ignoring binary frame")
		}
	}
}

func (h *Hub) ClientsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]string{"clients": h.registry.IDs()})
	}
}
