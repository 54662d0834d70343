// Package metrics exposes the fabric's Prometheus gauges and counters,
// grounded on aidenlippert-zerostate's economic-metrics registry pattern:
// one struct of pre-registered vectors handed to every component that
// needs to record something, rather than package-level globals.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Fabric holds all metrics emitted by the gateway and agent processes.
type Fabric struct {
	AgentsConnected   prometheus.Gauge
	AgentsDisconnects *prometheus.CounterVec
	HeartbeatAge      *prometheus.GaugeVec

	TasksByStatus      *prometheus.GaugeVec
	TaskTransitions    *prometheus.CounterVec
	TaskDurationSecs   prometheus.Histogram

	OfflineQueueDepth    *prometheus.GaugeVec
	OfflineQueueDrained  prometheus.Counter
	OfflineQueueExpired  prometheus.Counter

	StreamFlushes      prometheus.Counter
	StreamFlushErrors  prometheus.Counter
	StreamBufferChars  prometheus.Histogram

	AgentCPUUsage    prometheus.Gauge
	AgentMemoryUsage prometheus.Gauge
	Continuations    prometheus.Counter
}

// New creates and registers a Fabric against reg. Pass prometheus.NewRegistry()
// in tests to avoid polluting the default registry.
func New(reg prometheus.Registerer) *Fabric {
	f := &Fabric{
		AgentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_agents_connected",
			Help: "Number of agents currently registered with the AgentManager.",
		}),
		AgentsDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_agent_disconnects_total",
			Help: "Agent disconnect events by cause.",
		}, []string{"cause"}),
		HeartbeatAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_agent_heartbeat_age_seconds",
			Help: "Seconds since the last heartbeat per agent.",
		}, []string{"agent_id"}),

		TasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_tasks_by_status",
			Help: "Number of tasks currently in each status.",
		}, []string{"status"}),
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_task_transitions_total",
			Help: "Task state transitions by from/to status.",
		}, []string{"from", "to"}),
		TaskDurationSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_task_duration_seconds",
			Help:    "Task duration from submit to terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		OfflineQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_offline_queue_depth",
			Help: "Undelivered, unexpired offline-queue entries per agent.",
		}, []string{"agent_id"}),
		OfflineQueueDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_offline_queue_drained_total",
			Help: "Offline-queue entries successfully delivered on reconnect.",
		}),
		OfflineQueueExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_offline_queue_expired_total",
			Help: "Offline-queue entries removed by TTL sweep.",
		}),

		StreamFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_stream_flushes_total",
			Help: "StreamAccumulator chat-edit flushes performed.",
		}),
		StreamFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_stream_flush_errors_total",
			Help: "StreamAccumulator chat-edit flushes that failed.",
		}),
		StreamBufferChars: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_stream_buffer_chars",
			Help:    "Size in characters of stream buffers at flush time.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12),
		}),

		AgentCPUUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_agent_cpu_usage_ratio",
			Help: "Agent CPU usage ratio, as last reported in agent:metrics.",
		}),
		AgentMemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_agent_memory_usage_ratio",
			Help: "Agent memory usage ratio, as last reported in agent:metrics.",
		}),
		Continuations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_auto_continuations_total",
			Help: "Auto-continuation re-invocations performed by the executor.",
		}),
	}

	reg.MustRegister(
		f.AgentsConnected, f.AgentsDisconnects, f.HeartbeatAge,
		f.TasksByStatus, f.TaskTransitions, f.TaskDurationSecs,
		f.OfflineQueueDepth, f.OfflineQueueDrained, f.OfflineQueueExpired,
		f.StreamFlushes, f.StreamFlushErrors, f.StreamBufferChars,
		f.AgentCPUUsage, f.AgentMemoryUsage, f.Continuations,
	)
	return f
}
