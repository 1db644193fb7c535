package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shiftline/shiftline/internal/records"
)

// MediaStatsProvider exposes the number of open media sessions.
type MediaStatsProvider interface {
	Active() int64
}

// QueueDepthProvider returns the hold-queue depth for one provider.
type QueueDepthProvider interface {
	Depth(ctx context.Context, providerID string) (int, error)
}

// ProviderLister enumerates providers so per-provider gauges can be
// labelled at scrape time.
type ProviderLister interface {
	ListProviders(ctx context.Context) ([]records.Provider, error)
}

// CallLogStatsProvider returns call totals grouped by direction.
type CallLogStatsProvider interface {
	CallLogCountByDirection(ctx context.Context) (map[string]int64, error)
}

// LogFailureCounter returns the number of call-log writes abandoned
// after retries.
type LogFailureCounter interface {
	Failures() int64
}

// SubscriberCounter returns the number of attached event-stream
// consumers.
type SubscriberCounter interface {
	Subscribers() int
}

// Collector is a prometheus.Collector that gathers engine metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	media       MediaStatsProvider
	queues      QueueDepthProvider
	providers   ProviderLister
	calls       CallLogStatsProvider
	logFailures LogFailureCounter
	subscribers SubscriberCounter
	startTime   time.Time

	// Metric descriptors.
	mediaSessionsDesc *prometheus.Desc
	queueDepthDesc    *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	logFailuresDesc   *prometheus.Desc
	subscribersDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a metrics collector.
func NewCollector(
	media MediaStatsProvider,
	queues QueueDepthProvider,
	providers ProviderLister,
	calls CallLogStatsProvider,
	logFailures LogFailureCounter,
	subscribers SubscriberCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		media:       media,
		queues:      queues,
		providers:   providers,
		calls:       calls,
		logFailures: logFailures,
		subscribers: subscribers,
		startTime:   startTime,

		mediaSessionsDesc: prometheus.NewDesc(
			"shiftline_media_sessions_active",
			"Number of open carrier media stream sessions",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"shiftline_hold_queue_depth",
			"Callers waiting in a provider's hold queue",
			[]string{"provider_id", "provider"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"shiftline_calls_total",
			"Total call legs logged, by direction",
			[]string{"direction"}, nil,
		),
		logFailuresDesc: prometheus.NewDesc(
			"shiftline_calllog_write_failures_total",
			"Call-log writes abandoned after exhausting retries",
			nil, nil,
		),
		subscribersDesc: prometheus.NewDesc(
			"shiftline_event_subscribers",
			"Attached provider event-stream consumers",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"shiftline_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mediaSessionsDesc
	ch <- c.queueDepthDesc
	ch <- c.callsTotalDesc
	ch <- c.logFailuresDesc
	ch <- c.subscribersDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.media != nil {
		ch <- prometheus.MustNewConstMetric(
			c.mediaSessionsDesc, prometheus.GaugeValue,
			float64(c.media.Active()),
		)
	}

	// Per-provider hold-queue depth gauges.
	if c.queues != nil && c.providers != nil {
		provs, err := c.providers.ListProviders(ctx)
		if err != nil {
			slog.Error("metrics: failed to list providers", "error", err)
		} else {
			for _, p := range provs {
				depth, err := c.queues.Depth(ctx, p.ID)
				if err != nil {
					slog.Error("metrics: failed to read queue depth", "provider", p.ID, "error", err)
					continue
				}
				ch <- prometheus.MustNewConstMetric(
					c.queueDepthDesc, prometheus.GaugeValue,
					float64(depth), p.ID, p.Name,
				)
			}
		}
	}

	// Call volume counters by direction.
	if c.calls != nil {
		counts, err := c.calls.CallLogCountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call logs", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	if c.logFailures != nil {
		ch <- prometheus.MustNewConstMetric(
			c.logFailuresDesc, prometheus.CounterValue,
			float64(c.logFailures.Failures()),
		)
	}

	if c.subscribers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.subscribersDesc, prometheus.GaugeValue,
			float64(c.subscribers.Subscribers()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
