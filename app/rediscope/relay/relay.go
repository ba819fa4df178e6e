// Package relay forwards the store's publish/subscribe traffic to viewers.
//
// Every viewer gets a Session, and every Session owns one dedicated store
// connection: a connection in subscribe mode cannot run ordinary commands, and
// a slow viewer must not hold up anybody else. A Session has at most one live
// store-side subscription at any time. Switching targets unsubscribes the old
// one before subscribing the new one, and closing a Session always
// unsubscribes and releases its connection, whatever state it was in.
package relay

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/flonle/rediscope/app/rediscope/errs"
)

// Broker is the store's publish/subscribe facility.
type Broker interface {
	// OpenConn opens a dedicated connection for one session's subscriptions.
	OpenConn(ctx context.Context) (Conn, error)
	Publish(ctx context.Context, channel, payload string) (int64, error)
	PubSubChannels(ctx context.Context, pattern string) ([]string, error)
	PubSubNumSub(ctx context.Context, channels ...string) (map[string]int64, error)
}

// Conn is a store connection in subscribe mode. Subscribe and friends only
// issue the command; the store's acknowledgement arrives through Receive.
type Conn interface {
	Subscribe(ctx context.Context, channel string) error
	PSubscribe(ctx context.Context, pattern string) error
	Unsubscribe(ctx context.Context, channel string) error
	PUnsubscribe(ctx context.Context, pattern string) error
	// Receive blocks for the next delivery and fails once the connection is closed.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

type DeliveryKind int

const (
	// DeliverySubscribed acknowledges a SUBSCRIBE or PSUBSCRIBE.
	DeliverySubscribed DeliveryKind = iota
	// DeliveryUnsubscribed acknowledges an UNSUBSCRIBE or PUNSUBSCRIBE.
	DeliveryUnsubscribed
	DeliveryMessage
)

// Delivery is one item pushed by the store on a subscribed connection. For
// acknowledgements, Channel or Pattern names what was (un)subscribed.
type Delivery struct {
	Kind    DeliveryKind
	Channel string
	Pattern string
	Payload string
}

// Target is what a viewer subscribes to: an exact channel or a glob pattern.
type Target struct {
	Name    string
	Pattern bool
}

// ParseTarget classifies s as a pattern when it holds a glob marker (*, ? or [).
func ParseTarget(s string) Target {
	return Target{Name: s, Pattern: strings.ContainsAny(s, "*?[")}
}

func (t Target) kind() string {
	if t.Pattern {
		return "pattern"
	}
	return "channel"
}

// forwards reports whether message d belongs to this target's subscription.
func (t Target) forwards(d Delivery) bool {
	if t.Pattern {
		return d.Pattern == t.Name
	}
	return d.Pattern == "" && d.Channel == t.Name
}

type ChannelInfo struct {
	Channel     string `json:"channel"`
	Subscribers int64  `json:"subscribers"`
}

// Observer receives relay lifecycle notifications, e.g. for metrics.
type Observer interface {
	SessionOpened()
	SessionClosed()
	Subscribed(t Target)
	Forwarded()
}

type nopObserver struct{}

func (nopObserver) SessionOpened()    {}
func (nopObserver) SessionClosed()    {}
func (nopObserver) Subscribed(Target) {}
func (nopObserver) Forwarded()        {}

type Options struct {
	Logger   *slog.Logger
	Observer Observer
	// SwitchRate and SwitchBurst pace a session's subscribe requests.
	// A zero SwitchRate means unlimited.
	SwitchRate  rate.Limit
	SwitchBurst int
	// TeardownTimeout bounds the unsubscribe issued while closing a session.
	TeardownTimeout time.Duration
	// Now stamps forwarded messages. Defaults to time.Now.
	Now func() time.Time
}

// Relay hands out viewer sessions and keeps the table of open ones.
type Relay struct {
	broker Broker
	opts   Options
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func New(broker Broker, opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.SwitchRate == 0 {
		opts.SwitchRate = rate.Inf
	}
	if opts.SwitchBurst <= 0 {
		opts.SwitchBurst = 1
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		broker:   broker,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// NewSession registers an idle session that writes its events to sink.
func (r *Relay) NewSession(sink Sink) (*Session, error) {
	s := &Session{
		ID:      uuid.NewString(),
		relay:   r,
		sink:    sink,
		limiter: rate.NewLimiter(r.opts.SwitchRate, r.opts.SwitchBurst),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.log = r.log.With("session", s.ID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errs.ErrClosed
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.opts.Observer.SessionOpened()
	s.log.Debug("relay session opened")
	return s, nil
}

// Open starts a session subscribed to target.
func (r *Relay) Open(ctx context.Context, target string, sink Sink) (*Session, error) {
	s, err := r.NewSession(sink)
	if err != nil {
		return nil, err
	}
	if err := s.Subscribe(ctx, target); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close tears the session down. It is safe to call more than once.
func (r *Relay) Close(s *Session) error {
	return s.Close()
}

func (r *Relay) forget(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
}

// Sessions is the number of open sessions.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every open session and refuses new ones.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	r.closed = true
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
}

// Publish sends payload to channel over an ordinary command connection and
// returns how many subscribers received it.
func (r *Relay) Publish(ctx context.Context, channel, payload string) (int64, error) {
	if channel == "" {
		return 0, errs.Malformed("channel is required")
	}
	n, err := r.broker.Publish(ctx, channel, payload)
	if err != nil {
		return 0, errs.Unavailable("PUBLISH", channel, err)
	}
	return n, nil
}

// ActiveChannels lists channels matching pattern that have at least one
// subscriber, with their subscriber counts, sorted by name.
func (r *Relay) ActiveChannels(ctx context.Context, pattern string) ([]ChannelInfo, error) {
	if pattern == "" {
		pattern = "*"
	}
	channels, err := r.broker.PubSubChannels(ctx, pattern)
	if err != nil {
		return nil, errs.Unavailable("PUBSUB CHANNELS", pattern, err)
	}
	out := make([]ChannelInfo, 0, len(channels))
	if len(channels) == 0 {
		return out, nil
	}
	counts, err := r.broker.PubSubNumSub(ctx, channels...)
	if err != nil {
		return nil, errs.Unavailable("PUBSUB NUMSUB", pattern, err)
	}
	slices.Sort(channels)
	for _, ch := range channels {
		out = append(out, ChannelInfo{Channel: ch, Subscribers: counts[ch]})
	}
	return out, nil
}
