package sidekick

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/covenantlabs/covenant-go/pkg/errors"
)

// DefaultQueueHighWater bounds each session's outbound queue. A session
// that falls this many frames behind is dropped rather than allowed to
// stall the broker.
const DefaultQueueHighWater = 256

/*
ServerCallback delivers a client-sent channel message into the covenant
server. The broker resolves the connection context from the sender's token
before invoking it; a returned error reaches the sender only.
*/
type ServerCallback func(ctx context.Context, channel string, params map[string]string, data any, connContext any) error

type connectionRecord struct {
	token   string
	channel string
	params  map[string]string
	context any
}

/*
Broker is the Sidekick pub/sub core: a token table binding connection
tokens to channel contexts, the set of live sessions, and the topic
membership maps. One mutex guards all three; actual delivery I/O happens
on the sessions' queues outside any critical section that could block.

The broker holds no durable state. A restart invalidates every token and
session.
*/
type Broker struct {
	mu       sync.Mutex
	tokens   map[string]connectionRecord
	sessions map[string]*Session
	topics   map[string]map[string]*Session

	callback  ServerCallback
	metrics   *Metrics
	highWater int
}

// BrokerOption configures a Broker at construction time.
type BrokerOption func(*Broker)

// WithMetrics attaches prometheus collectors to the broker.
func WithMetrics(metrics *Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = metrics }
}

// WithQueueHighWater overrides the per-session outbound queue bound.
func WithQueueHighWater(size int) BrokerOption {
	return func(b *Broker) { b.highWater = size }
}

// NewBroker constructs an empty broker. SetServerCallback must be called
// before any client can send into a channel.
func NewBroker(opts ...BrokerOption) *Broker {
	broker := &Broker{
		tokens:    make(map[string]connectionRecord),
		sessions:  make(map[string]*Session),
		topics:    make(map[string]map[string]*Session),
		highWater: DefaultQueueHighWater,
	}

	for _, opt := range opts {
		opt(broker)
	}

	return broker
}

// SetServerCallback installs the delegate for client-sent channel
// messages; set once at startup.
func (b *Broker) SetServerCallback(callback ServerCallback) {
	b.callback = callback
}

// ---------------------------------------------------------------------------
// Server-facing surface
// ---------------------------------------------------------------------------

// AddConnection installs one connection record. Idempotent when the same
// token arrives with an identical binding; a conflicting rebind is an
// error.
func (b *Broker) AddConnection(ctx context.Context, token, channel string, params map[string]string, connContext any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	record := connectionRecord{
		token:   token,
		channel: channel,
		params:  params,
		context: connContext,
	}

	if existing, ok := b.tokens[token]; ok {
		if reflect.DeepEqual(existing, record) {
			return nil
		}
		return fmt.Errorf("sidekick: token already bound to a different connection")
	}

	b.tokens[token] = record
	log.Debug("connection registered", "channel", channel, "params", params)
	return nil
}

// RemoveConnection tears down a token explicitly. Sessions subscribed via
// the token stay on the topic; only the token dies.
func (b *Broker) RemoveConnection(ctx context.Context, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, token)
}

// UpdateResources publishes an updated-event on every given resource
// topic.
func (b *Broker) UpdateResources(ctx context.Context, resources []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, resource := range resources {
		b.publishLocked(resourceTopic(resource), Updated{Resource: resource})
	}

	return nil
}

// PostServerMessage publishes a server-authored broadcast on a channel
// topic.
func (b *Broker) PostServerMessage(ctx context.Context, channel string, params map[string]string, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.publishLocked(channelTopic(channel, params), Message{
		Channel: channel,
		Params:  params,
		Data:    data,
	})

	return nil
}

// ---------------------------------------------------------------------------
// Client-facing surface (one session)
// ---------------------------------------------------------------------------

// OpenSession admits a new client session.
func (b *Broker) OpenSession() *Session {
	sess := newSession(b.highWater)

	b.mu.Lock()
	b.sessions[sess.ID] = sess
	b.mu.Unlock()

	b.metrics.sessionOpened()
	log.Debug("session opened", "session", sess.ID)
	return sess
}

// CloseSession removes the session from every topic and releases it. Safe
// to call twice; the transport calls it on disconnect.
func (b *Broker) CloseSession(sess *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(sess, true)
}

// Shutdown closes every live session. Transports draining the queues see
// the close and finish their connections.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := make([]*Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		remaining = append(remaining, sess)
	}

	for _, sess := range remaining {
		b.detachLocked(sess, true)
	}
}

/*
HandleFrame processes one client frame. Malformed frames and handler
failures produce error frames on the offending session only; nothing
propagates to other sessions.
*/
func (b *Broker) HandleFrame(ctx context.Context, sess *Session, text string) {
	frame, err := ParseInbound(text)
	if err != nil {
		b.sendError(sess, ErrorFrame{Fault: errors.FaultClient, Message: err.Error()})
		return
	}

	switch f := frame.(type) {
	case Listen:
		b.handleListen(sess, f)
	case Unlisten:
		b.handleUnlisten(sess, f)
	case Subscribe:
		b.handleSubscribe(sess, f)
	case Unsubscribe:
		b.handleUnsubscribe(sess, f)
	case Send:
		b.handleSend(ctx, sess, f)
	}
}

func (b *Broker) handleListen(sess *Session, frame Listen) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, resource := range frame.Resources {
		b.joinLocked(sess, resourceTopic(resource))
	}

	b.enqueueLocked(sess, Listening{Resources: frame.Resources})
}

func (b *Broker) handleUnlisten(sess *Session, frame Unlisten) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, resource := range frame.Resources {
		b.leaveLocked(sess, resourceTopic(resource))
	}

	b.enqueueLocked(sess, Unlistening{Resources: frame.Resources})
}

func (b *Broker) handleSubscribe(sess *Session, frame Subscribe) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.tokens[frame.Token]
	if !ok {
		b.enqueueLocked(sess, ErrorFrame{Fault: errors.FaultSidekick, Message: "unknown token"})
		return
	}

	// Ack first, join second: the ack must precede any post-subscription
	// topic traffic on this session.
	b.enqueueLocked(sess, Subscribed{Channel: record.channel, Params: record.params})
	b.joinLocked(sess, channelTopic(record.channel, record.params))
}

func (b *Broker) handleUnsubscribe(sess *Session, frame Unsubscribe) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.tokens[frame.Token]
	if !ok {
		b.enqueueLocked(sess, ErrorFrame{Fault: errors.FaultSidekick, Message: "unknown token"})
		return
	}

	b.leaveLocked(sess, channelTopic(record.channel, record.params))
	b.enqueueLocked(sess, Unsubscribed{Channel: record.channel, Params: record.params})
}

func (b *Broker) handleSend(ctx context.Context, sess *Session, frame Send) {
	b.mu.Lock()
	record, ok := b.tokens[frame.Token]
	callback := b.callback
	b.mu.Unlock()

	if !ok {
		b.sendError(sess, ErrorFrame{Fault: errors.FaultSidekick, Message: "unknown token"})
		return
	}

	// The supplied pair must match the token's binding; the token is the
	// authority, not the client's claim.
	if record.channel != frame.Channel || !reflect.DeepEqual(record.params, frame.Params) {
		b.sendError(sess, ErrorFrame{
			Channel: frame.Channel,
			Params:  frame.Params,
			Fault:   errors.FaultClient,
			Message: "channel and params do not match the token",
		})
		return
	}

	if callback == nil {
		b.sendError(sess, ErrorFrame{
			Channel: record.channel,
			Params:  record.params,
			Fault:   errors.FaultSidekick,
			Message: "no server callback installed",
		})
		return
	}

	// Delegation runs handler code; keep it outside the lock.
	if err := callback(ctx, record.channel, record.params, frame.Data, record.context); err != nil {
		b.sendError(sess, errorFrameFor(record, err))
	}
}

func errorFrameFor(record connectionRecord, err error) ErrorFrame {
	if chanErr, ok := err.(*errors.ChannelError); ok {
		return ErrorFrame{
			Channel: chanErr.Channel,
			Params:  chanErr.Params,
			Fault:   chanErr.Fault,
			Message: chanErr.Message,
		}
	}
	return ErrorFrame{
		Channel: record.channel,
		Params:  record.params,
		Fault:   errors.FaultServer,
		Message: err.Error(),
	}
}

// ---------------------------------------------------------------------------
// Topic plumbing (all *Locked funcs require b.mu held)
// ---------------------------------------------------------------------------

func (b *Broker) joinLocked(sess *Session, key string) {
	if sess.dropped {
		return
	}

	members, ok := b.topics[key]
	if !ok {
		members = make(map[string]*Session)
		b.topics[key] = members
	}

	members[sess.ID] = sess
	sess.topics[key] = struct{}{}
}

func (b *Broker) leaveLocked(sess *Session, key string) {
	if members, ok := b.topics[key]; ok {
		delete(members, sess.ID)
		if len(members) == 0 {
			delete(b.topics, key)
		}
	}
	delete(sess.topics, key)
}

// publishLocked fans one frame out to every member of a topic. Frames are
// encoded once per publish and enqueued under the lock, which is what
// serializes per-topic order for each session.
func (b *Broker) publishLocked(key string, frame Outbound) {
	members, ok := b.topics[key]
	if !ok {
		return
	}

	b.metrics.published(frameTypeName(frame))

	for _, sess := range members {
		b.enqueueLocked(sess, frame)
	}
}

// enqueueLocked appends a frame to a session's outbound queue. Overflow
// means the consumer is too slow: the session is dropped, a final error
// frame is attempted, and all its subscriptions are removed.
func (b *Broker) enqueueLocked(sess *Session, frame Outbound) {
	if sess.dropped {
		return
	}

	select {
	case sess.out <- EncodeOutbound(frame):
		b.metrics.enqueued()
	default:
		log.Warn("session overflowed outbound queue, dropping", "session", sess.ID)
		b.metrics.sessionDropped()
		b.detachLocked(sess, false)
		sess.finalError(EncodeOutbound(ErrorFrame{
			Fault:   errors.FaultSidekick,
			Message: "session dropped: outbound queue overflow",
		}))
	}
}

// detachLocked removes a session from all bookkeeping. closeQueue is false
// when the caller still owes the session a final frame.
func (b *Broker) detachLocked(sess *Session, closeQueue bool) {
	if sess.dropped {
		return
	}
	sess.dropped = true

	for key := range sess.topics {
		if members, ok := b.topics[key]; ok {
			delete(members, sess.ID)
			if len(members) == 0 {
				delete(b.topics, key)
			}
		}
	}
	sess.topics = make(map[string]struct{})

	delete(b.sessions, sess.ID)
	b.metrics.sessionClosed()

	if closeQueue {
		close(sess.out)
	}

	log.Debug("session closed", "session", sess.ID)
}

func (b *Broker) sendError(sess *Session, frame ErrorFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(sess, frame)
}

func frameTypeName(frame Outbound) string {
	switch frame.(type) {
	case Listening:
		return "listening"
	case Unlistening:
		return "unlistening"
	case Subscribed:
		return "subscribed"
	case Unsubscribed:
		return "unsubscribed"
	case Updated:
		return "updated"
	case Message:
		return "message"
	case ErrorFrame:
		return "error"
	default:
		return "unknown"
	}
}
