package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyrdmeister/atmd-go/internal/logging"
)

// Prometheus counters
var (
	ControlFramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "control_frames_rx_total",
		Help: "Total control-plane frames decoded.",
	})
	DataFramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "data_frames_rx_total",
		Help: "Total data-plane frames decoded.",
	})
	ControlFramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "control_frames_tx_total",
		Help: "Total control-plane frames sent.",
	})
	DataFramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "data_frames_tx_total",
		Help: "Total data-plane frames sent.",
	})
	RetrigOverflowCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retrig_overflow_commits_total",
		Help: "Total retrigger-counter overflow edges committed by the Agent's reconstructor.",
	})
	StartsSealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starts_sealed_total",
		Help: "Total cross-agent starts sealed on the Master assembly pipeline.",
	})
	MeasuresAutosaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "measures_autosaved_total",
		Help: "Total times the assembly pipeline handed a Measure to the persistence bridge under autosave.",
	})
	MeasuresFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "measures_finalized_total",
		Help: "Total Measures sealed at measure end (all agents TERM).",
	})
	AssemblyDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assembly_drops_total",
		Help: "Frames dropped by the assembly pipeline, by AssemblyErr kind.",
	}, []string{"kind"})
	BoardAcquireErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "board_acquire_errors_total",
		Help: "Board driver AcquireStart failures, by AcquireErr kind.",
	}, []string{"kind"})
	AgentHandshakes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_handshakes_total",
		Help: "Total successful Agent/Master handshakes observed.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total client-protocol notifications dropped due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected text-protocol clients.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_queue_depth",
		Help: "Current depth of the Master ingest-to-assembly queue.",
	})
	IngestQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_queue_drops_total",
		Help: "Total frames dropped because the ingest queue was saturated.",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrCtrlRead  = "ctrl_read"
	ErrCtrlWrite = "ctrl_write"
	ErrDataRead  = "data_read"
	ErrDataWrite = "data_write"
	ErrHandshake = "handshake"
	ErrPersist   = "persist"
	ErrTextRead  = "text_read"
	ErrTextWrite = "text_write"
)

// AssemblyErr label constants, matching the kinds the Master assembly
// pipeline distinguishes (spec §7).
const (
	AssemblyDuplicateTerm  = "duplicate_term"
	AssemblyPostTermPacket = "post_term_packet"
	AssemblyMismatchedID   = "mismatched_id"
)

// AcquireErr label constants, matching internal/board's sentinel errors.
const (
	AcquireNoStart        = "no_start"
	AcquireBufferAlloc    = "buffer_alloc"
	AcquireWindowOverflow = "window_overflow"
)

// StartHTTP serves Prometheus metrics at /metrics on a dedicated mux.
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

// Local mirrored counters for cheap in-process logging (avoid scraping Prometheus internally)
var (
	localCtrlRx     uint64
	localDataRx     uint64
	localCtrlTx     uint64
	localDataTx     uint64
	localRetrigOver uint64
	localStartsSeal uint64
	localAutosaves  uint64
	localFinalized  uint64
	localErrors     uint64
	localMalformed  uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localHubClients uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	ControlRx         uint64
	DataRx            uint64
	ControlTx         uint64
	DataTx            uint64
	RetrigOverflows   uint64
	StartsSealed      uint64
	MeasuresAutosaved uint64
	MeasuresFinalized uint64
	Errors            uint64
	Malformed         uint64
	HubDrops          uint64
	HubKicks          uint64
	HubRejects        uint64
	HubClients        uint64
}

func Snap() Snapshot {
	return Snapshot{
		ControlRx:         atomic.LoadUint64(&localCtrlRx),
		DataRx:            atomic.LoadUint64(&localDataRx),
		ControlTx:         atomic.LoadUint64(&localCtrlTx),
		DataTx:            atomic.LoadUint64(&localDataTx),
		RetrigOverflows:   atomic.LoadUint64(&localRetrigOver),
		StartsSealed:      atomic.LoadUint64(&localStartsSeal),
		MeasuresAutosaved: atomic.LoadUint64(&localAutosaves),
		MeasuresFinalized: atomic.LoadUint64(&localFinalized),
		Errors:            atomic.LoadUint64(&localErrors),
		Malformed:         atomic.LoadUint64(&localMalformed),
		HubDrops:          atomic.LoadUint64(&localHubDrop),
		HubKicks:          atomic.LoadUint64(&localHubKick),
		HubRejects:        atomic.LoadUint64(&localHubReject),
		HubClients:        atomic.LoadUint64(&localHubClients),
	}
}

func IncControlRx() { ControlFramesRx.Inc(); atomic.AddUint64(&localCtrlRx, 1) }
func IncDataRx()    { DataFramesRx.Inc(); atomic.AddUint64(&localDataRx, 1) }
func IncControlTx() { ControlFramesTx.Inc(); atomic.AddUint64(&localCtrlTx, 1) }
func IncDataTx()    { DataFramesTx.Inc(); atomic.AddUint64(&localDataTx, 1) }

func IncRetrigOverflow() {
	RetrigOverflowCommits.Inc()
	atomic.AddUint64(&localRetrigOver, 1)
}

func IncStartSealed() {
	StartsSealed.Inc()
	atomic.AddUint64(&localStartsSeal, 1)
}

func IncMeasureAutosaved() {
	MeasuresAutosaved.Inc()
	atomic.AddUint64(&localAutosaves, 1)
}

func IncMeasureFinalized() {
	MeasuresFinalized.Inc()
	atomic.AddUint64(&localFinalized, 1)
}

func IncAssemblyDrop(kind string) { AssemblyDrops.WithLabelValues(kind).Inc() }

func IncBoardAcquireError(kind string) { BoardAcquireErrors.WithLabelValues(kind).Inc() }

func IncAgentHandshake() { AgentHandshakes.Inc() }

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetIngestQueueDepth records the current ingest queue occupancy.
func SetIngestQueueDepth(n int) { IngestQueueDepth.Set(float64(n)) }

// IncIngestQueueDrop counts one frame dropped due to ingest queue saturation.
func IncIngestQueueDrop() { IngestQueueDrops.Inc() }

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrCtrlRead, ErrCtrlWrite, ErrDataRead, ErrDataWrite, ErrHandshake, ErrPersist} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, kind := range []string{AssemblyDuplicateTerm, AssemblyPostTermPacket, AssemblyMismatchedID} {
		AssemblyDrops.WithLabelValues(kind).Add(0)
	}
	for _, kind := range []string{AcquireNoStart, AcquireBufferAlloc, AcquireWindowOverflow} {
		BoardAcquireErrors.WithLabelValues(kind).Add(0)
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
