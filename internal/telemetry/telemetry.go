// Package telemetry implements iface.Observer on top of
// github.com/prometheus/client_golang, the metrics stack used throughout
// the retrieved pack for exactly this kind of counter/gauge instrumentation
// (see yuuki-rdma_exporter's internal/collector, and
// marmos91-dittofs's use of client_golang's promhttp handler).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/portals4-go/ptl4/internal/ptlcore"
)

// Observer is a prometheus.Collector-registerable implementation of
// iface.Observer, covering SPEC_FULL.md §4.10's metric list.
type Observer struct {
	matches      *prometheus.CounterVec
	noMatch      prometheus.Counter
	ptAutoDis    prometheus.Counter
	ptDisabled   prometheus.Counter
	atomicOps    *prometheus.CounterVec
	rdmaComplete *prometheus.CounterVec
	eqDepth      prometheus.Gauge
}

// NewObserver constructs an Observer and registers its metrics with reg.
// Pass prometheus.NewRegistry() (or prometheus.DefaultRegisterer) per the
// caller's process-wide registry convention.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptl_target_matches_total",
			Help: "Target-side requests that matched a posted LE/ME, by list.",
		}, []string{"list"}),
		noMatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptl_target_nomatch_total",
			Help: "Target-side requests that matched nothing on either list.",
		}),
		ptAutoDis: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptl_pt_autodisabled_total",
			Help: "Portals Table entries transitioned to AUTO_DISABLED by flow control.",
		}),
		ptDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptl_pt_disabled_total",
			Help: "Portals Table entries that drained to DISABLED after AUTO_DISABLED.",
		}),
		atomicOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptl_atomic_ops_total",
			Help: "Atomic/fetch-atomic/swap operations applied, by operator and datatype.",
		}, []string{"op", "datatype"}),
		rdmaComplete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptl_rdma_completions_total",
			Help: "Completed one-sided RDMA operations, by direction.",
		}, []string{"direction"}),
		eqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptl_event_queue_depth",
			Help: "Most recently observed depth of an event queue.",
		}),
	}
	reg.MustRegister(o.matches, o.noMatch, o.ptAutoDis, o.ptDisabled, o.atomicOps, o.rdmaComplete, o.eqDepth)
	return o
}

func (o *Observer) ObserveMatch(list string)       { o.matches.WithLabelValues(list).Inc() }
func (o *Observer) ObserveNoMatch()                { o.noMatch.Inc() }
func (o *Observer) ObservePTAutoDisabled()          { o.ptAutoDis.Inc() }
func (o *Observer) ObservePTDisabled()              { o.ptDisabled.Inc() }
func (o *Observer) ObserveEventQueueDepth(depth int) { o.eqDepth.Set(float64(depth)) }

func (o *Observer) ObserveAtomicOp(op ptlcore.AtomOp, dt ptlcore.DataType) {
	o.atomicOps.WithLabelValues(atomOpName(op), dataTypeName(dt)).Inc()
}

func (o *Observer) ObserveRDMACompletion(direction string) {
	o.rdmaComplete.WithLabelValues(direction).Inc()
}

func atomOpName(op ptlcore.AtomOp) string {
	names := [...]string{
		"min", "max", "sum", "prod", "lor", "land", "bor", "band", "lxor", "bxor",
		"swap", "cswap", "cswap_ne", "cswap_le", "cswap_lt", "cswap_ge", "cswap_gt", "mswap",
	}
	if int(op) < len(names) {
		return names[op]
	}
	return "unknown"
}

func dataTypeName(dt ptlcore.DataType) string {
	names := [...]string{
		"int8", "uint8", "int16", "uint16", "int32", "uint32",
		"int64", "uint64", "float", "double", "float_complex", "double_complex",
	}
	if int(dt) < len(names) {
		return names[dt]
	}
	return "unknown"
}
