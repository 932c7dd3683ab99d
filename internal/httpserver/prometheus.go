package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/gputop-procs/internal/monitor"
	"github.com/skobkin/gputop-procs/internal/process"
)

const metricsNamespace = "gputop"

type procMetricsCollector struct {
	monitor *monitor.Manager
	metrics []procMetric
}

type procMetric struct {
	desc    *prometheus.Desc
	extract func(p process.Snapshot) (float64, bool)
}

func newProcMetricsCollector(procMonitor *monitor.Manager) prometheus.Collector {
	if procMonitor == nil {
		return nil
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "process", name),
			help,
			[]string{"gpu_id", "gpu_name", "pid", "name", "type"},
			nil,
		)
	}

	return &procMetricsCollector{
		monitor: procMonitor,
		metrics: []procMetric{
			{
				desc: desc("gpu_memory_bytes", "GPU memory used by the process in bytes."),
				extract: func(p process.Snapshot) (float64, bool) {
					v, ok := p.GPUMemory.Value()
					return float64(v), ok
				},
			},
			{
				desc: desc("cpu_percent", "Host CPU usage of the process in percent."),
				extract: func(p process.Snapshot) (float64, bool) {
					return p.CPUPercent, p.IsRunning
				},
			},
			{
				desc: desc("memory_percent", "Host memory usage of the process in percent."),
				extract: func(p process.Snapshot) (float64, bool) {
					return p.MemoryPercent, p.IsRunning
				},
			},
			{
				desc: desc("running_time_seconds", "Seconds since the process was created."),
				extract: func(p process.Snapshot) (float64, bool) {
					return p.RunningTime.Seconds(), p.IsRunning
				},
			},
		},
	}
}

func (c *procMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *procMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, gpuID := range c.monitor.GPUIDs() {
		snapshot, ok := c.monitor.Latest(gpuID)
		if !ok {
			continue
		}
		for _, p := range snapshot.Processes {
			labels := []string{
				labelValue(gpuID),
				labelValue(snapshot.GPUName),
				strconv.FormatInt(int64(p.PID), 10),
				labelValue(p.Name),
				p.Type.Label(),
			}
			for _, metric := range c.metrics {
				value, ok := metric.extract(p)
				if !ok {
					continue
				}
				m, err := prometheus.NewConstMetric(metric.desc, prometheus.GaugeValue, value, labels...)
				if err != nil {
					m = prometheus.NewInvalidMetric(metric.desc, err)
				}
				ch <- m
			}
		}
	}
}

// labelValue replaces invalid UTF-8 in process supplied strings, which
// Prometheus rejects as label values.
func labelValue(v string) string {
	return strings.ToValidUTF8(v, "\uFFFD")
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if s.monitor != nil {
		collectors = append(collectors, registryCollectors(s.monitor.Registry())...)
		collectors = append(collectors, newProcMetricsCollector(s.monitor))
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func registryCollectors(r *process.Registry) []prometheus.Collector {
	gauge := func(name, help string, value func(process.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(r.Stats()))
		})
	}
	counter := func(name, help string, value func(process.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(r.Stats()))
		})
	}

	return []prometheus.Collector{
		gauge("host_processes", "Live host process handles.", func(s process.Stats) int { return s.HostProcesses }),
		gauge("gpu_processes", "Live GPU process handles.", func(s process.Stats) int { return s.GPUProcesses }),
		gauge("host_snapshots", "Cached host snapshots.", func(s process.Stats) int { return s.HostSnapshots }),
		counter("host_gathers_total", "Host snapshots gathered from the OS.", func(s process.Stats) uint64 { return s.Gathers }),
		counter("evictions_total", "Handles evicted after their process vanished or left a GPU.", func(s process.Stats) uint64 { return s.Evictions }),
	}
}
