// Package api serves rediscope over HTTP: JSON endpoints for keys, values and
// streams, and a WebSocket endpoint that relays publish/subscribe traffic.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flonle/rediscope/app/rediscope/errs"
	"github.com/flonle/rediscope/app/rediscope/keyspace"
	"github.com/flonle/rediscope/app/rediscope/metrics"
	"github.com/flonle/rediscope/app/rediscope/relay"
	"github.com/flonle/rediscope/app/rediscope/streams"
	"github.com/flonle/rediscope/app/rediscope/values"
)

type KeyBrowser interface {
	ListKeys(ctx context.Context, pattern string, limit int) ([]keyspace.KeyInfo, error)
	ServerInfo(ctx context.Context) (map[string]string, error)
	Ping(ctx context.Context) error
}

type ValueStore interface {
	ReadKey(ctx context.Context, key string) (values.KeyRecord, error)
	WriteScalar(ctx context.Context, key, value string, ttlSeconds int64) error
	WriteFieldMap(ctx context.Context, key string, fields map[string]string) error
	DeleteKey(ctx context.Context, key string) error
}

type StreamInspector interface {
	ListGroups(ctx context.Context, key string) ([]streams.ConsumerGroup, error)
	ListConsumers(ctx context.Context, key, group string) ([]streams.Consumer, error)
	ListPending(ctx context.Context, key, group string, limit int64) (streams.Pending, error)
}

type PubSub interface {
	NewSession(sink relay.Sink) (*relay.Session, error)
	Publish(ctx context.Context, channel, payload string) (int64, error)
	ActiveChannels(ctx context.Context, pattern string) ([]relay.ChannelInfo, error)
}

// Backends are the components the API serves.
type Backends struct {
	Keys    KeyBrowser
	Values  ValueStore
	Streams StreamInspector
	PubSub  PubSub
}

type Options struct {
	Logger *slog.Logger
	// Metrics, when set, records request latency and serves /metrics.
	Metrics *metrics.Registry
	// StaticDir, when set, serves a built front-end from / with index fallback.
	StaticDir string
}

type Handler struct {
	b        Backends
	log      *slog.Logger
	metrics  *metrics.Registry
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func New(b Backends, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		b:       b,
		log:     opts.Logger,
		metrics: opts.Metrics,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI may be served from a dev server on another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	h.route("GET /api/keys", h.listKeys)
	h.route("GET /api/key/{key}", h.readKey)
	h.route("PUT /api/key/{key}", h.writeScalar)
	h.route("DELETE /api/key/{key}", h.deleteKey)
	h.route("PUT /api/hash/{key}", h.writeFieldMap)
	h.route("GET /api/stream/{key}/groups", h.listGroups)
	h.route("GET /api/stream/{key}/groups/{group}/consumers", h.listConsumers)
	h.route("GET /api/stream/{key}/groups/{group}/pending", h.listPending)
	h.route("GET /api/info", h.serverInfo)
	h.route("GET /api/pubsub/channels", h.activeChannels)
	h.route("POST /api/pubsub/publish", h.publish)
	h.mux.Handle("GET /api/pubsub/subscribe", otelhttp.NewHandler(http.HandlerFunc(h.subscribe), "GET /api/pubsub/subscribe"))
	h.mux.HandleFunc("GET /healthz", h.health)
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics.Handler())
	}
	if opts.StaticDir != "" {
		h.mux.Handle("GET /", spa(opts.StaticDir))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) route(pattern string, fn http.HandlerFunc) {
	var handler http.Handler = fn
	if h.metrics != nil {
		handler = h.metrics.Instrument(pattern, handler)
	}
	h.mux.Handle(pattern, otelhttp.NewHandler(handler, pattern))
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	keys, err := h.b.Keys.ListKeys(r.Context(), r.URL.Query().Get("pattern"), int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (h *Handler) readKey(w http.ResponseWriter, r *http.Request) {
	rec, err := h.b.Values.ReadKey(r.Context(), r.PathValue("key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type scalarRequest struct {
	Value json.RawMessage `json:"value"`
	TTL   int64           `json:"ttl"`
}

func (h *Handler) writeScalar(w http.ResponseWriter, r *http.Request) {
	var req scalarRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Value == nil {
		h.writeError(w, r, errs.Malformed("value is required"))
		return
	}
	value, err := textOf(req.Value)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.b.Values.WriteScalar(r.Context(), r.PathValue("key"), value, req.TTL); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type fieldMapRequest struct {
	Fields map[string]json.RawMessage `json:"fields"`
}

func (h *Handler) writeFieldMap(w http.ResponseWriter, r *http.Request) {
	var req fieldMapRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	fields := make(map[string]string, len(req.Fields))
	for f, raw := range req.Fields {
		v, err := textOf(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		fields[f] = v
	}
	if err := h.b.Values.WriteFieldMap(r.Context(), r.PathValue("key"), fields); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.b.Values.DeleteKey(r.Context(), r.PathValue("key")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.b.Streams.ListGroups(r.Context(), r.PathValue("key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) listConsumers(w http.ResponseWriter, r *http.Request) {
	consumers, err := h.b.Streams.ListConsumers(r.Context(), r.PathValue("key"), r.PathValue("group"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consumers)
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pending, err := h.b.Streams.ListPending(r.Context(), r.PathValue("key"), r.PathValue("group"), count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *Handler) serverInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.b.Keys.ServerInfo(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) activeChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.b.PubSub.ActiveChannels(r.Context(), r.URL.Query().Get("pattern"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

type publishRequest struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var payload string
	if req.Message != nil {
		var err error
		if payload, err = textOf(req.Message); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	n, err := h.b.PubSub.Publish(r.Context(), req.Channel, payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"subscribers": n})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.b.Keys.Ping(r.Context()); err != nil {
		h.log.Warn("health check failed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func queryInt(r *http.Request, name string) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errs.Malformed("%s must be an integer, got %q", name, s)
	}
	return n, nil
}
