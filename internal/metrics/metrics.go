package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmorozov/sockline/internal/logging"
)

// Prometheus counters
var (
	FramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockline_frames_rx_total",
		Help: "Total framed commands received from sockets.",
	})
	FramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockline_frames_tx_total",
		Help: "Total framed commands written to sockets.",
	})
	HandshakeSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockline_handshake_success_total",
		Help: "Total handshakes completed with a matching shared secret.",
	})
	HandshakeFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockline_handshake_failure_total",
		Help: "Total handshakes rejected, timed out, or aborted by I/O error.",
	})
	ActiveSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockline_active_sockets",
		Help: "Current number of sockets held by the server or client, authorized or not.",
	})
	SocketsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockline_sockets_expired_total",
		Help: "Total shut-down sockets released by the expired-socket sweep.",
	})
	BroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockline_broadcast_fanout",
		Help: "Number of peers targeted in the most recent broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sockline_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockline_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockline_malformed_frames_total",
		Help: "Total received frames discarded because their payload failed to decode.",
	})
	HookPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockline_hook_panics_total",
		Help: "Total recovered panics from hook callbacks.",
	})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrRead        = "read"
	ErrWrite       = "write"
	ErrHandshake   = "handshake"
	ErrDecode      = "decode"
	ErrConnectLoop = "connect_loop"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localFramesRx    uint64
	localFramesTx    uint64
	localHandshakeOK uint64
	localHandshakeNO uint64
	localExpired     uint64
	localErrors      uint64
	localMalformed   uint64
	localHookPanics  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesRx         uint64
	FramesTx         uint64
	HandshakeSuccess uint64
	HandshakeFailure uint64
	SocketsExpired   uint64
	Errors           uint64 // sum across error labels
	Malformed        uint64
	HookPanics       uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesRx:         atomic.LoadUint64(&localFramesRx),
		FramesTx:         atomic.LoadUint64(&localFramesTx),
		HandshakeSuccess: atomic.LoadUint64(&localHandshakeOK),
		HandshakeFailure: atomic.LoadUint64(&localHandshakeNO),
		SocketsExpired:   atomic.LoadUint64(&localExpired),
		Errors:           atomic.LoadUint64(&localErrors),
		Malformed:        atomic.LoadUint64(&localMalformed),
		HookPanics:       atomic.LoadUint64(&localHookPanics),
	}
}

// Wrapper helpers to keep call sites simple.
func IncFramesRx() {
	FramesRx.Inc()
	atomic.AddUint64(&localFramesRx, 1)
}

func AddFramesTx(n int) {
	FramesTx.Add(float64(n))
	atomic.AddUint64(&localFramesTx, uint64(n))
}

func IncHandshakeSuccess() {
	HandshakeSuccess.Inc()
	atomic.AddUint64(&localHandshakeOK, 1)
}

func IncHandshakeFailure() {
	HandshakeFailure.Inc()
	atomic.AddUint64(&localHandshakeNO, 1)
}

func SetActiveSockets(n int) {
	ActiveSockets.Set(float64(n))
}

func IncSocketExpired() {
	SocketsExpired.Inc()
	atomic.AddUint64(&localExpired, 1)
}

func SetBroadcastFanout(n int) {
	BroadcastFanout.Set(float64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncHookPanic() {
	HookPanics.Inc()
	atomic.AddUint64(&localHookPanics, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{ErrRead, ErrWrite, ErrHandshake, ErrDecode, ErrConnectLoop} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
