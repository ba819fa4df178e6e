// Package metrics exposes rediscope's Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/flonle/rediscope/app/rediscope/relay"
)

const namespace = "rediscope"

// Registry owns rediscope's collectors on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	sessions      prometheus.Gauge
	subscriptions *prometheus.CounterVec
	messages      prometheus.Counter
	storeErrors   *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Open relay sessions.",
		}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscriptions_total",
			Help:      "Subscriptions issued by relay sessions, by target kind.",
		}, []string{"kind"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages forwarded to viewers.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Failed store commands, by command.",
		}, []string{"op"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	r.reg.MustRegister(
		r.sessions,
		r.subscriptions,
		r.messages,
		r.storeErrors,
		r.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Instrument records the latency of h under route.
func (r *Registry) Instrument(route string, h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(r.httpDuration.MustCurryWith(prometheus.Labels{"route": route}), h)
}

// Relay returns an observer that feeds the relay metrics.
func (r *Registry) Relay() relay.Observer { return relayObserver{r} }

type relayObserver struct{ r *Registry }

func (o relayObserver) SessionOpened() { o.r.sessions.Inc() }
func (o relayObserver) SessionClosed() { o.r.sessions.Dec() }
func (o relayObserver) Forwarded()     { o.r.messages.Inc() }

func (o relayObserver) Subscribed(t relay.Target) {
	kind := "channel"
	if t.Pattern {
		kind = "pattern"
	}
	o.r.subscriptions.WithLabelValues(kind).Inc()
}

// StoreHook returns a go-redis hook counting failed commands. A nil reply
// is not a failure.
func (r *Registry) StoreHook() redis.Hook { return storeHook{r} }

type storeHook struct{ r *Registry }

func (h storeHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.r.storeErrors.WithLabelValues("dial").Inc()
		}
		return conn, err
	}
}

func (h storeHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.observe(cmd.Name(), err)
		return err
	}
}

func (h storeHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		for _, cmd := range cmds {
			h.observe(cmd.Name(), cmd.Err())
		}
		return err
	}
}

func (h storeHook) observe(op string, err error) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	h.r.storeErrors.WithLabelValues(op).Inc()
}
