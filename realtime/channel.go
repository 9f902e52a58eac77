// Package realtime is the duplex hub connection shared by the operator node and
// the scanning devices. A Channel owns its connection state machine: it
// reconnects with jittered exponential backoff, probes the link periodically,
// and restores trip group membership after every reconnect.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrMissingHubURL      = errors.New("hub url is required")
	ErrInvalidHubURL      = errors.New("invalid hub url")
	ErrConnect            = errors.New("failed to connect to hub")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrProbeFailed        = errors.New("health probe failed")
)

// Channel is a reconnecting publish/subscribe connection scoped by trip groups.
type Channel struct {
	dialer  Dialer
	options options

	mu        sync.Mutex
	state     ConnectionState
	hubURL    *url.URL
	transport Transport
	// session increments whenever the transport is replaced so late callbacks
	// from an old transport are ignored.
	session int
	group   string
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup

	subsMu  sync.RWMutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

// NewChannel creates a disconnected Channel that builds transports with dialer.
func NewChannel(dialer Dialer, opts ...Option) *Channel {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Channel{
		dialer:  dialer,
		options: options,
		state:   Disconnected,
		subs:    make(map[uint64]func(Event)),
	}
}

// Connect dials hubURL and starts the health worker. Every failure is also
// raised as a ConnectionError event. Connecting an already connected channel
// is a no-op.
func (c *Channel) Connect(ctx context.Context, hubURL string) error {
	var target, err = parseHubURL(hubURL)
	if err != nil {
		c.emit(ConnectionError{Err: err})
		return err
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		c.options.logger.Info("channel already started, ignoring connect", "hub", hubURL)
		return nil
	}

	c.hubURL = target
	c.ctx, c.cancel = context.WithCancel(context.Background())
	var changed = c.setStateLocked(Connecting)
	c.mu.Unlock()
	c.emitState(changed)

	transport, session, err := c.establish(ctx)
	if err != nil {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		changed = c.setStateLocked(Disconnected)
		c.mu.Unlock()

		err = fmt.Errorf("%w: %w", ErrConnect, err)
		c.options.logger.Error("failed to connect to hub", "hub", target.Redacted(), "error", err)
		c.emitState(changed)
		c.emit(ConnectionError{Err: err})
		return err
	}

	c.options.logger.Info("connected to hub", "hub", target.Redacted(), "client_id", c.options.clientID)
	c.activate(transport, session)
	return nil
}

// Disconnect stops the workers and closes the transport. Safe to call at any
// time, including when already disconnected. Must not be called from an event
// handler.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}

	c.cancel()
	c.cancel = nil
	var transport = c.transport
	c.transport = nil
	c.session++
	var changed = c.setStateLocked(Disconnected)
	c.mu.Unlock()

	c.wg.Wait()

	if transport != nil {
		if err := transport.Close(); err != nil {
			c.options.logger.Warn("failed to close transport", "error", err)
		}
	}

	c.options.logger.Info("disconnected from hub")
	c.emitState(changed)
}

// Reconnect tears down any current connection and connects again to the last
// hub URL. It is the manual path after automatic reconnection gave up.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	var target = c.hubURL
	c.mu.Unlock()

	if target == nil {
		c.emit(ConnectionError{Err: ErrMissingHubURL})
		return ErrMissingHubURL
	}

	c.Disconnect()
	return c.Connect(ctx, target.String())
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the identity used for direct messages.
func (c *Channel) ClientID() string {
	return c.options.clientID
}

// ActiveGroup returns the trip group this channel is scoped to, if any.
func (c *Channel) ActiveGroup() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

// JoinGroup scopes group broadcasts to tripKey, leaving any previous group
// first. No-op when not connected.
func (c *Channel) JoinGroup(ctx context.Context, tripKey string) {
	c.mu.Lock()
	if c.state != Connected || c.transport == nil {
		c.mu.Unlock()
		c.options.logger.Debug("not connected, ignoring join", "trip_key", tripKey)
		return
	}

	var (
		transport = c.transport
		previous  = c.group
	)
	c.group = tripKey
	c.mu.Unlock()

	if previous != "" && previous != tripKey {
		if err := transport.Unsubscribe(ctx, c.groupTopic(previous)); err != nil {
			c.options.logger.Warn("failed to leave trip group", "trip_key", previous, "error", err)
		}
	}

	if err := transport.Subscribe(ctx, c.groupTopic(tripKey), c.receive); err != nil {
		c.options.logger.Warn("failed to join trip group", "trip_key", tripKey, "error", err)
		return
	}

	c.options.logger.Info("joined trip group", "trip_key", tripKey)
}

// LeaveGroup drops the group scope if tripKey is the active group. No-op when
// not connected.
func (c *Channel) LeaveGroup(ctx context.Context, tripKey string) {
	c.mu.Lock()
	if c.state != Connected || c.transport == nil || c.group != tripKey {
		c.mu.Unlock()
		return
	}

	var transport = c.transport
	c.group = ""
	c.mu.Unlock()

	if err := transport.Unsubscribe(ctx, c.groupTopic(tripKey)); err != nil {
		c.options.logger.Warn("failed to leave trip group", "trip_key", tripKey, "error", err)
		return
	}

	c.options.logger.Info("left trip group", "trip_key", tripKey)
}

// Publish broadcasts ev to every client. Fire-and-forget; a logged no-op when
// not connected.
func (c *Channel) Publish(ctx context.Context, ev Event) {
	c.publish(ctx, c.broadcastTopic(), ev)
}

// PublishToGroup sends ev to the clients in tripKey's group.
func (c *Channel) PublishToGroup(ctx context.Context, tripKey string, ev Event) {
	c.publish(ctx, c.groupTopic(tripKey), ev)
}

// SendTo sends ev to a single client.
func (c *Channel) SendTo(ctx context.Context, clientID string, ev Event) {
	c.publish(ctx, c.directTopic(clientID), ev)
}

// Subscribe registers fn for every event the channel raises, inbound and
// local. Handlers run on the transport's delivery goroutine and must hand
// work off rather than block. The returned func unsubscribes.
func (c *Channel) Subscribe(fn func(Event)) func() {
	c.subsMu.Lock()
	var id = c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		})
	}
}

// On registers a handler for one event type.
func On[T Event](c *Channel, fn func(T)) func() {
	return c.Subscribe(func(ev Event) {
		if typed, ok := ev.(T); ok {
			fn(typed)
		}
	})
}

func (c *Channel) publish(ctx context.Context, topic string, ev Event) {
	c.mu.Lock()
	var transport = c.transport
	var connected = c.state == Connected && transport != nil
	c.mu.Unlock()

	if !connected {
		c.options.logger.Warn("not connected, dropping outbound event", "event", ev.EventName(), "topic", topic)
		return
	}

	var data, err = encodeEnvelope(ev, uuid.NewString(), c.options.clientID, c.options.clock.Now())
	if err != nil {
		c.options.logger.Error("failed to encode event", "event", ev.EventName(), "error", err)
		return
	}

	if err := transport.Publish(ctx, topic, data); err != nil {
		c.options.logger.Warn("failed to publish event", "event", ev.EventName(), "topic", topic, "error", err)
		return
	}

	c.options.logger.Debug("event published", "event", ev.EventName(), "topic", topic)
}

// receive decodes an inbound frame and fans it out to subscribers.
func (c *Channel) receive(data []byte) {
	var env, ev, err = decodeEnvelope(data)
	if err != nil {
		c.options.logger.Warn("dropping undecodable message", "event", env.Event, "error", err)
		return
	}

	if env.Sender == c.options.clientID {
		return
	}

	c.emit(ev)
}

func (c *Channel) emit(ev Event) {
	c.subsMu.RLock()
	var handlers = make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		handlers = append(handlers, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (c *Channel) emitState(changed *StateChanged) {
	if changed != nil {
		c.emit(*changed)
	}
}

// setStateLocked records a transition and returns the event to raise once the
// lock is released, or nil if the state did not change.
func (c *Channel) setStateLocked(next ConnectionState) *StateChanged {
	if c.state == next {
		return nil
	}

	var changed = &StateChanged{From: c.state, To: next}
	c.state = next
	c.options.logger.Debug("connection state changed", "from", changed.From, "to", changed.To)
	return changed
}

// establish dials a fresh transport and subscribes the base topics plus the
// active group.
func (c *Channel) establish(ctx context.Context) (Transport, int, error) {
	c.mu.Lock()
	c.session++
	var (
		session = c.session
		target  = Target{
			URL:        c.hubURL,
			ClientID:   c.options.clientID,
			ProbeTopic: c.probeTopic(),
			OnConnectionLost: func(err error) {
				c.connectionLost(session, err)
			},
		}
		group = c.group
	)
	c.mu.Unlock()

	var transport, err = c.dialer.Dial(target)
	if err != nil {
		return nil, 0, err
	}

	if err := transport.Connect(ctx); err != nil {
		_ = transport.Close()
		return nil, 0, err
	}

	var topics = []string{c.broadcastTopic(), c.directTopic(c.options.clientID)}
	if group != "" {
		topics = append(topics, c.groupTopic(group))
	}

	for _, topic := range topics {
		if err := transport.Subscribe(ctx, topic, c.receive); err != nil {
			_ = transport.Close()
			return nil, 0, err
		}
	}

	return transport, session, nil
}

// activate installs a connected transport and starts its health worker.
func (c *Channel) activate(transport Transport, session int) {
	c.mu.Lock()
	if c.cancel == nil || c.session != session {
		// Disconnected while dialing
		c.mu.Unlock()
		_ = transport.Close()
		return
	}

	c.transport = transport
	var (
		ctx     = c.ctx
		changed = c.setStateLocked(Connected)
	)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.healthWorker(ctx, transport, session)
	c.emitState(changed)
}

// connectionLost starts reconnection if session is still the live one.
func (c *Channel) connectionLost(session int, cause error) {
	c.mu.Lock()
	if c.cancel == nil || c.session != session || c.state != Connected {
		c.mu.Unlock()
		return
	}

	var transport = c.transport
	c.transport = nil
	c.session++
	var (
		ctx     = c.ctx
		changed = c.setStateLocked(Reconnecting)
	)
	c.wg.Add(1)
	c.mu.Unlock()

	c.options.logger.Warn("connection to hub lost, reconnecting", "error", cause)

	if transport != nil {
		_ = transport.Close()
	}

	c.emitState(changed)
	c.emit(ConnectionError{Err: cause})

	go c.reconnectWorker(ctx)
}

func parseHubURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, ErrMissingHubURL
	}

	var target, err = url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHubURL, err)
	}

	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: %q needs a scheme and host", ErrInvalidHubURL, raw)
	}

	return target, nil
}

func (c *Channel) broadcastTopic() string {
	return c.options.topicPrefix + "/broadcast"
}

func (c *Channel) groupTopic(tripKey string) string {
	return c.options.topicPrefix + "/trips/" + tripKey
}

func (c *Channel) directTopic(clientID string) string {
	return c.options.topicPrefix + "/clients/" + clientID
}

func (c *Channel) probeTopic() string {
	return c.options.topicPrefix + "/probe/" + c.options.clientID
}
