package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInterceptsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netintercept",
		Name:      "intercepts_added_total",
		Help:      "Number of intercepts registered by clients.",
	})
	metricInterceptsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netintercept",
		Name:      "intercepts_removed_total",
		Help:      "Number of intercepts removed by clients.",
	})
	metricPhaseEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netintercept",
		Name:      "phase_entries_total",
		Help:      "Requests reported at a phase boundary, by phase and outcome (paused/passed).",
	}, []string{"phase", "outcome"})
	metricResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netintercept",
		Name:      "resolutions_total",
		Help:      "Paused request resolutions, by kind and result.",
	}, []string{"kind", "result"})
	metricTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netintercept",
		Name:      "independent_terminations_total",
		Help:      "Paused requests cleared because the channel terminated them.",
	})
	metricPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "netintercept",
		Name:      "paused_requests",
		Help:      "Requests currently held paused.",
	})
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netintercept",
		Name:      "events_total",
		Help:      "Events emitted to clients, by method and result (sent/dropped).",
	}, []string{"method", "result"})
)

func RecordInterceptAdded()   { metricInterceptsAdded.Inc() }
func RecordInterceptRemoved() { metricInterceptsRemoved.Inc() }

// RecordPhaseEntry 记录一次阶段进入
func RecordPhaseEntry(phase string, paused bool) {
	outcome := "passed"
	if paused {
		outcome = "paused"
		metricPaused.Inc()
	}
	metricPhaseEntries.WithLabelValues(phase, outcome).Inc()
}

// RecordResolution 记录一次暂停请求的处理结果
func RecordResolution(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metricResolutions.WithLabelValues(kind, result).Inc()
}

// RecordRelease 暂停请求被释放（处理或终止）
func RecordRelease(n int) {
	if n > 0 {
		metricPaused.Sub(float64(n))
	}
}

func RecordTermination() { metricTerminations.Inc() }

func RecordEvent(method string)        { metricEvents.WithLabelValues(method, "sent").Inc() }
func RecordEventDropped(method string) { metricEvents.WithLabelValues(method, "dropped").Inc() }

// PhaseEntries 返回指定阶段与结果的累计次数的采集器，供测试读取
func PhaseEntries(phase, outcome string) prometheus.Counter {
	return metricPhaseEntries.WithLabelValues(phase, outcome)
}

func Terminations() prometheus.Counter { return metricTerminations }

// Paused 当前暂停数采集器
func Paused() prometheus.Gauge { return metricPaused }
