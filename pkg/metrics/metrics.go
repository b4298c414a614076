// Package metrics owns the process-wide usage counters.
//
// The running token total is a plain atomic counter so increments from
// concurrent exchange writes never serialize on a lock. It is exported to
// Prometheus through a CounterFunc and pushed to live subscribers.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "airelay"

// Request outcomes, used as label values.
const (
	OutcomeOK                = "ok"
	OutcomeRejected          = "rejected"
	OutcomeUnreachable       = "unreachable"
	OutcomeUpstreamError     = "upstream_error"
	OutcomeMalformedResponse = "malformed_response"
	OutcomeClientGone        = "client_gone"

	ModeStream   = "stream"
	ModeBuffered = "buffered"
	ModeNone     = "none"

	WriteOK      = "ok"
	WriteFailed  = "failed"
	WriteSkipped = "skipped"
)

type Collector struct {
	registry *prometheus.Registry
	tokens   atomic.Int64

	requests     *prometheus.CounterVec
	logWrites    *prometheus.CounterVec
	skippedLines prometheus.Counter

	subMu sync.Mutex
	subs  map[chan int64]struct{}
}

// New registers the relay metrics on registry. A nil registry gets a fresh
// private one.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		subs:     map[chan int64]struct{}{},
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Completion requests by delivery mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		logWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchange_log_writes_total",
				Help:      "Exchange log writes by result.",
			},
			[]string{"result"},
		),
		skippedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_lines_skipped_total",
			Help:      "Streamed upstream lines dropped because they were not JSON objects.",
		}),
	}
	tokens := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_total",
		Help:      "Tokens recorded by persisted exchanges, seeded from the store at startup.",
	}, func() float64 {
		return float64(c.tokens.Load())
	})
	registry.MustRegister(c.requests, c.logWrites, c.skippedLines, tokens)
	return c
}

// SeedTokens sets the starting total, typically the sum already persisted.
func (c *Collector) SeedTokens(n int64) {
	c.tokens.Store(n)
	c.broadcast(n)
}

// AddTokens increments the running total and returns the new value.
func (c *Collector) AddTokens(n int64) int64 {
	total := c.tokens.Add(n)
	c.broadcast(total)
	return total
}

func (c *Collector) TotalTokens() int64 {
	return c.tokens.Load()
}

func (c *Collector) ObserveRequest(mode, outcome string) {
	c.requests.WithLabelValues(mode, outcome).Inc()
}

func (c *Collector) ObserveLogWrite(result string) {
	c.logWrites.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveSkippedLines(n int) {
	if n > 0 {
		c.skippedLines.Add(float64(n))
	}
}

// Subscribe returns a channel that receives the latest total after each
// change. Slow readers only ever see the most recent value. The returned
// func unsubscribes and closes the channel.
func (c *Collector) Subscribe() (<-chan int64, func()) {
	ch := make(chan int64, 1)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, ch)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Collector) broadcast(total int64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- total:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- total:
			default:
			}
		}
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler exposes the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
