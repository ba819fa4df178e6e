package relay

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/flonle/rediscope/app/rediscope/errs"
)

type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// issued is a subscribe or unsubscribe command whose acknowledgement has not
// been seen yet. The store acknowledges commands in the order they were sent.
type issued struct {
	subscribe bool
	target    Target
	gen       uint64
}

// Session relays one viewer's subscription. All methods are safe for
// concurrent use.
type Session struct {
	ID string

	relay   *Relay
	sink    Sink
	log     *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	state    State
	conn     Conn
	current  *Target
	gen      uint64
	inflight []issued

	closed    chan struct{}
	done      chan struct{} // closed when the pump exits
	closeOnce sync.Once
}

// Done is closed once the session starts closing, for whatever reason.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Target returns the session's current target, if any.
func (s *Session) Target() (Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Target{}, false
	}
	return *s.current, true
}

// Subscribe points the session at raw, a channel name or a glob pattern. Any
// previous target is unsubscribed first. Messages for raw are forwarded only
// after the store has acknowledged the subscription and the session has sent
// EventSubscribed.
func (s *Session) Subscribe(ctx context.Context, raw string) error {
	if raw == "" {
		return errs.Malformed("subscription target is required")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return errs.ErrClosed
	}
	if s.conn == nil {
		conn, err := s.relay.broker.OpenConn(ctx)
		if err != nil {
			return errs.Unavailable("SUBSCRIBE", raw, err)
		}
		s.conn = conn
		go s.pump(conn)
	}

	if s.current != nil {
		if err := s.unsubscribe(ctx, *s.current); err != nil {
			return errs.Unavailable("UNSUBSCRIBE", s.current.Name, err)
		}
		s.current = nil
	}

	target := ParseTarget(raw)
	s.gen++
	s.state = StateSubscribing
	// Set before issuing so a close racing the reply still unsubscribes.
	s.current = &target
	var err error
	if target.Pattern {
		err = s.conn.PSubscribe(ctx, target.Name)
	} else {
		err = s.conn.Subscribe(ctx, target.Name)
	}
	if err != nil {
		return errs.Unavailable("SUBSCRIBE", target.Name, err)
	}
	s.inflight = append(s.inflight, issued{subscribe: true, target: target, gen: s.gen})

	s.relay.opts.Observer.Subscribed(target)
	s.log.Debug("subscribing", "kind", target.kind(), "target", target.Name)
	return nil
}

// Unsubscribe drops the current target and returns the session to Idle.
func (s *Session) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return errs.ErrClosed
	}
	if s.current == nil {
		return nil
	}
	if err := s.unsubscribe(ctx, *s.current); err != nil {
		return errs.Unavailable("UNSUBSCRIBE", s.current.Name, err)
	}
	s.current = nil
	s.state = StateIdle
	return nil
}

// unsubscribe issues the command for t. Must hold s.mu.
func (s *Session) unsubscribe(ctx context.Context, t Target) error {
	var err error
	if t.Pattern {
		err = s.conn.PUnsubscribe(ctx, t.Name)
	} else {
		err = s.conn.Unsubscribe(ctx, t.Name)
	}
	if err != nil {
		return err
	}
	s.inflight = append(s.inflight, issued{target: t})
	return nil
}

// Close unsubscribes the current target, if any, releases the store
// connection and waits for pending deliveries to drain. Unsubscribe failures
// are logged; teardown always completes. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(s.teardown)
	return nil
}

func (s *Session) teardown() {
	close(s.closed)

	s.mu.Lock()
	s.state = StateClosed
	conn := s.conn
	if conn != nil && s.current != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.relay.opts.TeardownTimeout)
		if err := s.unsubscribe(ctx, *s.current); err != nil {
			s.log.Warn("unsubscribe on close failed", "target", s.current.Name, "error", err)
		}
		cancel()
	}
	s.current = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Warn("closing store connection failed", "error", err)
		}
		<-s.done
	}

	s.relay.forget(s)
	s.relay.opts.Observer.SessionClosed()
	s.log.Debug("relay session closed")
}

// pump is the only reader of conn. It runs until conn fails or is closed.
func (s *Session) pump(conn Conn) {
	defer close(s.done)

	for {
		d, err := conn.Receive(context.Background())
		if err != nil {
			if s.State() != StateClosed {
				s.log.Warn("store subscription lost", "error", err)
				go s.Close()
			}
			return
		}
		if err := s.handle(d); err != nil {
			s.log.Debug("viewer gone", "error", err)
			go s.Close()
			return
		}
	}
}

func (s *Session) handle(d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}

	switch d.Kind {
	case DeliverySubscribed, DeliveryUnsubscribed:
		if len(s.inflight) == 0 {
			s.log.Debug("unexpected acknowledgement", "channel", d.Channel, "pattern", d.Pattern)
			return nil
		}
		cmd := s.inflight[0]
		s.inflight = s.inflight[1:]
		if !cmd.subscribe || cmd.gen != s.gen || s.state != StateSubscribing {
			return nil
		}
		s.state = StateActive
		return s.sink.Send(Event{Type: EventSubscribed, Target: cmd.target})

	case DeliveryMessage:
		if s.state != StateActive || s.current == nil || !s.current.forwards(d) {
			return nil
		}
		msg := Message{
			Channel:    d.Channel,
			Pattern:    d.Pattern,
			Payload:    d.Payload,
			ReceivedAt: s.relay.opts.Now(),
		}
		if err := s.sink.Send(Event{Type: EventMessage, Message: msg}); err != nil {
			return err
		}
		s.relay.opts.Observer.Forwarded()
	}
	return nil
}
