// Package streams decodes the store's stream metadata replies (consumer groups,
// consumers, pending entries) into typed records, and parses stream entry ids.
package streams

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/flonle/rediscope/app/rediscope/errs"
	"github.com/flonle/rediscope/app/rediscope/resp"
)

// DefaultPendingLimit bounds a pending-entries detail listing when the caller
// does not.
const DefaultPendingLimit = 100

var tracer = otel.Tracer("github.com/flonle/rediscope/app/rediscope/streams")

var errMalformedReply = errors.New("malformed reply")

// Store is the slice of the store's command set the introspector needs.
// Every method returns the raw reply.
type Store interface {
	XInfoGroups(ctx context.Context, key string) (any, error)
	XInfoConsumers(ctx context.Context, key, group string) (any, error)
	XPendingSummary(ctx context.Context, key, group string) (any, error)
	XPendingDetail(ctx context.Context, key, group, from, to string, count int64) (any, error)
}

type ConsumerGroup struct {
	Name            string `json:"name"`
	PendingCount    int64  `json:"pending"`
	ConsumerCount   int64  `json:"consumers"`
	LastDeliveredID string `json:"lastDeliveredId"`
}

type Consumer struct {
	Name         string `json:"name"`
	PendingCount int64  `json:"pending"`
	IdleMillis   int64  `json:"idle"`
}

type PendingEntry struct {
	EntryID       string `json:"id"`
	Consumer      string `json:"consumer"`
	IdleMillis    int64  `json:"idleTime"`
	DeliveryCount int64  `json:"deliveryCount"`
}

// ConsumerBacklog is one line of a pending summary's per-consumer breakdown.
type ConsumerBacklog struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

type PendingSummary struct {
	Count     int64             `json:"count"`
	MinID     *string           `json:"minId"`
	MaxID     *string           `json:"maxId"`
	Consumers []ConsumerBacklog `json:"consumers"`
}

// Pending combines a group's pending summary with a bounded detail listing.
// Summary is nil when the summary could not be fetched.
type Pending struct {
	Summary *PendingSummary `json:"summary"`
	Entries []PendingEntry  `json:"messages"`
}

type Introspector struct {
	store Store
	log   *slog.Logger
}

func NewIntrospector(store Store, logger *slog.Logger) *Introspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Introspector{store: store, log: logger}
}

// ListGroups lists the consumer groups of the stream at key. A missing key,
// or a key that is not a stream, yields an empty list.
func (in *Introspector) ListGroups(ctx context.Context, key string) ([]ConsumerGroup, error) {
	reply, err := in.store.XInfoGroups(ctx, key)
	if err != nil {
		if errs.IsReply(err) {
			return []ConsumerGroup{}, nil
		}
		return nil, errs.Unavailable("XINFO GROUPS", key, err)
	}
	records, err := resp.PairList(reply)
	if err != nil {
		return nil, errs.Unavailable("XINFO GROUPS", key, err)
	}

	groups := make([]ConsumerGroup, 0, len(records))
	for _, f := range records {
		groups = append(groups, ConsumerGroup{
			Name:            f.Text("name"),
			PendingCount:    f.Int64("pending"),
			ConsumerCount:   f.Int64("consumers"),
			LastDeliveredID: f.Text("last-delivered-id"),
		})
	}
	return groups, nil
}

// ListConsumers lists the consumers of a group. A missing key or group yields
// an empty list.
func (in *Introspector) ListConsumers(ctx context.Context, key, group string) ([]Consumer, error) {
	reply, err := in.store.XInfoConsumers(ctx, key, group)
	if err != nil {
		if errs.IsReply(err) {
			return []Consumer{}, nil
		}
		return nil, errs.Unavailable("XINFO CONSUMERS", key, err)
	}
	records, err := resp.PairList(reply)
	if err != nil {
		return nil, errs.Unavailable("XINFO CONSUMERS", key, err)
	}

	consumers := make([]Consumer, 0, len(records))
	for _, f := range records {
		consumers = append(consumers, Consumer{
			Name:         f.Text("name"),
			PendingCount: f.Int64("pending"),
			IdleMillis:   f.Int64("idle"),
		})
	}
	return consumers, nil
}

// ListPending fetches the pending summary and up to limit pending entries
// (DefaultPendingLimit when limit <= 0), ordered by id. The two are fetched
// independently: a failed summary leaves Summary nil without failing the
// listing.
func (in *Introspector) ListPending(ctx context.Context, key, group string, limit int64) (Pending, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	ctx, span := tracer.Start(ctx, "streams.ListPending")
	span.SetAttributes(attribute.String("stream.key", key), attribute.String("stream.group", group))
	defer span.End()

	var (
		summary *PendingSummary
		entries []PendingEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := in.pendingSummary(gctx, key, group)
		if err != nil {
			in.log.Debug("pending summary unavailable", "key", key, "group", group, "error", err)
			return nil
		}
		summary = s
		return nil
	})
	g.Go(func() error {
		e, err := in.pendingDetail(gctx, key, group, limit)
		if err != nil {
			return err
		}
		entries = e
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return Pending{}, err
	}
	return Pending{Summary: summary, Entries: entries}, nil
}

// XPENDING key group -> [count, min-id, max-id, [[consumer, count], ...]]
func (in *Introspector) pendingSummary(ctx context.Context, key, group string) (*PendingSummary, error) {
	reply, err := in.store.XPendingSummary(ctx, key, group)
	if err != nil {
		return nil, errs.Unavailable("XPENDING", key, err)
	}
	items, ok := resp.Array(reply)
	if !ok || len(items) < 4 {
		return nil, errs.Unavailable("XPENDING", key, errMalformedReply)
	}

	count, _ := resp.Int64(items[0])
	summary := &PendingSummary{
		Count:     count,
		MinID:     optionalText(items[1]),
		MaxID:     optionalText(items[2]),
		Consumers: []ConsumerBacklog{},
	}
	backlog, _ := resp.Array(items[3])
	for _, line := range backlog {
		pair, ok := resp.Array(line)
		if !ok || len(pair) < 2 {
			continue
		}
		name, _ := resp.Text(pair[0])
		n, _ := resp.Int64(pair[1])
		summary.Consumers = append(summary.Consumers, ConsumerBacklog{Name: name, Count: n})
	}
	return summary, nil
}

// XPENDING key group - + count -> [[id, consumer, idle, deliveries], ...]
func (in *Introspector) pendingDetail(ctx context.Context, key, group string, limit int64) ([]PendingEntry, error) {
	reply, err := in.store.XPendingDetail(ctx, key, group, "-", "+", limit)
	if err != nil {
		if errs.IsReply(err) {
			return []PendingEntry{}, nil
		}
		return nil, errs.Unavailable("XPENDING", key, err)
	}
	items, ok := resp.Array(reply)
	if !ok {
		if reply == nil {
			return []PendingEntry{}, nil
		}
		return nil, errs.Unavailable("XPENDING", key, errMalformedReply)
	}

	entries := make([]PendingEntry, 0, min(int64(len(items)), limit))
	for _, item := range items {
		if int64(len(entries)) == limit {
			break
		}
		fields, ok := resp.Array(item)
		if !ok || len(fields) < 4 {
			continue
		}
		var e PendingEntry
		e.EntryID, _ = resp.Text(fields[0])
		e.Consumer, _ = resp.Text(fields[1])
		e.IdleMillis, _ = resp.Int64(fields[2])
		e.DeliveryCount, _ = resp.Int64(fields[3])
		entries = append(entries, e)
	}
	slices.SortStableFunc(entries, func(a, b PendingEntry) int { return CompareIDs(a.EntryID, b.EntryID) })
	return entries, nil
}

func optionalText(v any) *string {
	s, ok := resp.Text(v)
	if !ok {
		return nil
	}
	return &s
}
