// Package channel wraps a bidirectional websocket connection behind a
// topic-keyed publish/subscribe surface. The adapter reconnects on its own
// with bounded backoff and reports connection state through synthetic
// connect/disconnect topics; callers must not assume delivery ordering across
// senders or exactly-once delivery.
package channel

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quizlink/internal/domain"
)

// Handler receives the raw payload for one inbound event.
type Handler func(payload json.RawMessage)

// Unsubscribe deregisters exactly the handler returned with it.
type Unsubscribe func()

const (
	defaultMaxRetries   = 8
	defaultInitialWait  = 250 * time.Millisecond
	defaultMaxWait      = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

type subscription struct {
	id int
	fn Handler
}

// Adapter owns one underlying websocket connection. Construct it explicitly
// and hand it to whichever components share the session; it is not a
// module-level singleton.
type Adapter struct {
	url    string
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	gen       int // bumped per connection; stale read loops bail out
	nextSubID int
	subs      map[domain.Topic][]subscription
	outbox    []domain.Envelope

	writeMu sync.Mutex

	maxRetries  int
	initialWait time.Duration
	maxWait     time.Duration
}

// New builds an adapter for the given websocket URL. It does not dial.
func New(url string) *Adapter {
	return &Adapter{
		url:         url,
		dialer:      websocket.DefaultDialer,
		subs:        make(map[domain.Topic][]subscription),
		maxRetries:  defaultMaxRetries,
		initialWait: defaultInitialWait,
		maxWait:     defaultMaxWait,
	}
}

// Connect dials if not already connected. Repeated calls while connected are
// no-ops and never create a second underlying connection.
func (a *Adapter) Connect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	url := a.url
	a.mu.Unlock()

	conn, _, err := a.dialer.Dial(url, nil)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return domain.ErrChannelClosed
	}
	if a.connected {
		// Lost the race with another Connect; keep the existing connection.
		a.mu.Unlock()
		conn.Close()
		return nil
	}
	a.conn = conn
	a.connected = true
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	go a.readLoop(conn, gen)
	a.dispatch(domain.TopicConnect, nil)
	a.flushOutbox()
	return nil
}

// IsConnected reports whether the adapter currently holds a live connection.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Subscribe registers handler for topic and returns the function that removes
// this registration. Every call adds its own registration; handlers for a
// topic run in registration order for every inbound message. Callers that
// need at-most-once registration hold on to the returned Unsubscribe.
func (a *Adapter) Subscribe(topic domain.Topic, handler Handler) Unsubscribe {
	a.mu.Lock()
	a.nextSubID++
	id := a.nextSubID
	a.subs[topic] = append(a.subs[topic], subscription{id: id, fn: handler})
	a.mu.Unlock()

	return a.unsubscribeFunc(topic, id)
}

func (a *Adapter) unsubscribeFunc(topic domain.Topic, id int) Unsubscribe {
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		list := a.subs[topic]
		for i, sub := range list {
			if sub.id == id {
				a.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit sends a payload on a topic. If disconnected, the envelope is queued
// and a reconnect is kicked off; queued envelopes flush in order once the
// connection is back. Emit never silently drops a message while the adapter
// is open.
func (a *Adapter) Emit(topic domain.Topic, payload any) error {
	env, err := domain.NewEnvelope(topic, payload)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if !a.connected {
		a.outbox = append(a.outbox, env)
		a.mu.Unlock()
		go a.reconnect()
		return nil
	}
	conn := a.conn
	a.mu.Unlock()

	if err := a.writeEnvelope(conn, env); err != nil {
		// The read loop will notice the dead connection; keep the message.
		a.mu.Lock()
		a.outbox = append(a.outbox, env)
		a.mu.Unlock()
		return nil
	}
	return nil
}

func (a *Adapter) writeEnvelope(conn *websocket.Conn, env domain.Envelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return conn.WriteJSON(env)
}

func (a *Adapter) flushOutbox() {
	for {
		a.mu.Lock()
		if !a.connected || len(a.outbox) == 0 {
			a.mu.Unlock()
			return
		}
		env := a.outbox[0]
		a.outbox = a.outbox[1:]
		conn := a.conn
		a.mu.Unlock()

		if err := a.writeEnvelope(conn, env); err != nil {
			a.mu.Lock()
			a.outbox = append([]domain.Envelope{env}, a.outbox...)
			a.mu.Unlock()
			return
		}
	}
}

func (a *Adapter) readLoop(conn *websocket.Conn, gen int) {
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			a.mu.Lock()
			stale := a.gen != gen || a.closed
			if !stale {
				a.connected = false
				a.conn = nil
			}
			closed := a.closed
			a.mu.Unlock()
			conn.Close()
			if stale {
				return
			}
			a.dispatch(domain.TopicDisconnect, nil)
			if !closed {
				a.reconnect()
			}
			return
		}
		a.dispatch(env.Type, env.Payload)
	}
}

// reconnect retries the dial with exponential backoff until it succeeds or
// the retries are exhausted.
func (a *Adapter) reconnect() {
	wait := a.initialWait
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		a.mu.Lock()
		if a.closed || a.connected {
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		if err := a.Connect(); err == nil {
			return
		} else if err == domain.ErrChannelClosed {
			return
		} else {
			log.Printf("channel reconnect attempt %d failed: %v", attempt+1, err)
		}

		time.Sleep(wait)
		wait *= 2
		if wait > a.maxWait {
			wait = a.maxWait
		}
	}
	log.Printf("channel reconnect gave up after %d attempts", a.maxRetries)
}

func (a *Adapter) dispatch(topic domain.Topic, payload json.RawMessage) {
	a.mu.Lock()
	list := make([]subscription, len(a.subs[topic]))
	copy(list, a.subs[topic])
	a.mu.Unlock()

	for _, sub := range list {
		sub.fn(payload)
	}
}

// Close tears the adapter down: the connection is dropped, pending outbox
// messages are discarded, and every subscription is deregistered. No handler
// runs after Close returns the adapter to its callers.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.connected = false
	conn := a.conn
	a.conn = nil
	a.gen++
	a.subs = make(map[domain.Topic][]subscription)
	a.outbox = nil
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
