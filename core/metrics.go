package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// metrics.go implements the ambient observability surface: internal
// prometheus counters/gauges, a zap-backed structured audit log, and a
// chi-routed admin HTTP surface. Grounded on the now-deleted
// core/system_health_logging.go's counter/gauge registry shape and the
// teacher's chi-based admin mux convention (cmd/synnergy's HTTP server).
type Metrics struct {
	UnitsValidated   prometheus.Counter
	UnitsRejected    *prometheus.CounterVec
	MCIStabilized    prometheus.Gauge
	PeerCount        prometheus.Gauge
	AATriggersRun    prometheus.Counter
	AABounces        prometheus.Counter
	ValidationLatency prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		UnitsValidated: factory.NewCounter(prometheus.CounterOpts{
			Name: "daglnode_units_validated_total",
			Help: "Total number of units that passed the validation pipeline.",
		}),
		UnitsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daglnode_units_rejected_total",
			Help: "Total number of units rejected, labeled by error kind.",
		}, []string{"kind"}),
		MCIStabilized: factory.NewGauge(prometheus.GaugeOpts{
			Name: "daglnode_last_stable_mci",
			Help: "The most recently stabilized main-chain index.",
		}),
		PeerCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "daglnode_peer_count",
			Help: "Number of currently connected peers.",
		}),
		AATriggersRun: factory.NewCounter(prometheus.CounterOpts{
			Name: "daglnode_aa_triggers_total",
			Help: "Total number of autonomous agent triggers executed.",
		}),
		AABounces: factory.NewCounter(prometheus.CounterOpts{
			Name: "daglnode_aa_bounces_total",
			Help: "Total number of autonomous agent triggers that bounced.",
		}),
		ValidationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "daglnode_validation_seconds",
			Help:    "Wall-clock time spent validating a joint end to end.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordRejection increments UnitsRejected for the error kind carried by
// err, classified via the errors.go typed dispatchers rather than string
// matching.
func (m *Metrics) RecordRejection(err error) {
	kind := "unknown"
	switch {
	case errIsKind[*JointError](err):
		kind = "joint"
	case errIsKind[*UnitError](err):
		kind = "unit"
	case errIsKind[*TransientError](err):
		kind = "transient"
	case errIsKind[*NeedParents](err):
		kind = "need_parents"
	case errIsKind[*NeedHashTree](err):
		kind = "need_hash_tree"
	case errIsKind[*FatalError](err):
		kind = "fatal"
	}
	m.UnitsRejected.WithLabelValues(kind).Inc()
}

func errIsKind[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// AuditLogger wraps a zap.Logger for structured, append-only audit events
// distinct from the operational logrus stream the rest of this package
// uses — audit entries (unit acceptance/rejection, AA triggers, governance
// votes) are the ones an operator may need to replay or ship off-box, so
// they get their own JSON-only, always-on sink per the teacher's split
// between human-facing logs and machine-consumed audit trails.
type AuditLogger struct {
	zl *zap.Logger
}

func NewAuditLogger() (*AuditLogger, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &AuditLogger{zl: zl}, nil
}

func (a *AuditLogger) UnitAccepted(unit Hash, mci int64) {
	a.zl.Info("unit_accepted", zap.String("unit", EncodeHash(unit)), zap.Int64("mci", mci))
}

func (a *AuditLogger) UnitRejected(unit Hash, reason string) {
	a.zl.Warn("unit_rejected", zap.String("unit", EncodeHash(unit)), zap.String("reason", reason))
}

func (a *AuditLogger) AATriggered(aaAddr Address, triggerUnit Hash, bounced bool) {
	a.zl.Info("aa_triggered",
		zap.String("aa_address", EncodeAddress(aaAddr)),
		zap.String("trigger_unit", EncodeHash(triggerUnit)),
		zap.Bool("bounced", bounced))
}

func (a *AuditLogger) GovernanceVote(subject string, voter Address, mci int64) {
	a.zl.Info("governance_vote",
		zap.String("subject", subject),
		zap.String("voter", EncodeAddress(voter)),
		zap.Int64("mci", mci))
}

func (a *AuditLogger) Sync() error { return a.zl.Sync() }

// eventHub fans out newly-stabilized MCIs and unit rejections to any
// operator dashboard watching /ws, in the same broadcast-to-all-clients
// shape as the pack's one websocket example.
type eventHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[*websocket.Conn]bool)}
}

func (h *eventHub) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *eventHub) broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			delete(h.clients, c)
		}
	}
}

// AdminServer exposes /status, /peers, /mci, /metrics, and a /ws live event
// feed over chi, following the teacher's admin-mux convention (a small
// operational surface distinct from the peer-to-peer protocol port).
type AdminServer struct {
	router *chi.Mux
	mci    *MainChainEngine
	broker *Broker
	hub    *eventHub
	start  time.Time
}

func NewAdminServer(mci *MainChainEngine, broker *Broker, metrics *Metrics) *AdminServer {
	s := &AdminServer{router: chi.NewRouter(), mci: mci, broker: broker, hub: newEventHub(), start: time.Now()}
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/peers", s.handlePeers)
	s.router.Get("/mci", s.handleMCI)
	s.router.Get("/ws", s.hub.subscribe)
	s.router.Handle("/metrics", promhttp.Handler())
	return s
}

// BroadcastEvent pushes a JSON event to every connected /ws client, called
// by the node's ingest loop as units are accepted or rejected and MCIs
// stabilize.
func (s *AdminServer) BroadcastEvent(v interface{}) { s.hub.broadcast(v) }

func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"uptime_seconds": time.Since(s.start).Seconds(),
		"last_stable_mci": s.mci.LastStableMCI(),
	})
}

func (s *AdminServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeJSON(w, []string{})
		return
	}
	writeJSON(w, s.broker.peerListExchange())
}

func (s *AdminServer) handleMCI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int64{"last_stable_mci": s.mci.LastStableMCI()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the admin HTTP surface, blocking until ctx is
// canceled or the server errors.
func (s *AdminServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
