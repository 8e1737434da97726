package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
)

// ChannelBus implements EventBus using Go channels.
// Used as the Community tier event bus. Delivery is best effort: a full
// subscriber buffer drops the message for that subscriber.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	groups        map[string]*queueGroup
	closed        bool

	published atomic.Int64
	dropped   atomic.Int64
}

// ChannelStats reports delivery counters of a ChannelBus.
type ChannelStats struct {
	Subscriptions int   `json:"subscriptions"`
	Published     int64 `json:"published"`
	Dropped       int64 `json:"dropped"`
}

type channelSubscription struct {
	bus     *ChannelBus
	id      string
	key     string
	topic   string
	queue   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// queueGroup round-robins messages over its members.
type queueGroup struct {
	members []*channelSubscription
	next    int
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
		groups:        make(map[string]*queueGroup),
	}
}

// Publish sends a message to every plain subscriber of the topic and to one
// member of each queue group.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	msg := newMessage(tenantID, topic, payload)
	key := b.makeKey(tenantID, topic)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*channelSubscription, 0, len(b.subscriptions[key]))
	for _, sub := range b.subscriptions[key] {
		if sub.queue == "" {
			targets = append(targets, sub)
		}
	}
	for _, g := range b.groups {
		if len(g.members) == 0 || g.members[0].key != key {
			continue
		}
		targets = append(targets, g.members[g.next%len(g.members)])
		g.next++
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, sub := range targets {
		select {
		case sub.msgCh <- msg:
		case <-sub.ctx.Done():
		default:
			b.dropped.Add(1)
			slog.Warn("bus subscriber buffer full, message dropped",
				"tenant_id", tenantID,
				"topic", topic,
				"subscription_id", sub.id,
			)
		}
	}

	return nil
}

// Subscribe registers a handler for a topic.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, tenantID, topic, "", handler)
}

// QueueSubscribe joins the named queue group of a topic.
func (b *ChannelBus) QueueSubscribe(ctx context.Context, tenantID, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, tenantID, topic, queue, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, tenantID, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		id:      uuid.New().String(),
		key:     b.makeKey(tenantID, topic),
		topic:   topic,
		queue:   queue,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}

	go sub.run()

	b.subscriptions[sub.key] = append(b.subscriptions[sub.key], sub)
	if queue != "" {
		gk := sub.key + "#" + queue
		g := b.groups[gk]
		if g == nil {
			g = &queueGroup{}
			b.groups[gk] = g
		}
		g.members = append(g.members, sub)
	}

	return sub, nil
}

// run delivers messages to the handler until the subscription ends.
func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("bus handler error",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request implements request-reply over channels. The responder publishes
// its answer to msg.Metadata["reply_to"].
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	replyCh := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()

	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.publishRequest(tenantID, topic, replyTopic, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout(ctx))
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, context.DeadlineExceeded
	}
}

// publishRequest delivers a request carrying its reply topic.
func (b *ChannelBus) publishRequest(tenantID, topic, replyTopic string, payload []byte) error {
	msg := newMessage(tenantID, topic, payload)
	msg.Metadata["reply_to"] = replyTopic

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*channelSubscription(nil), b.subscriptions[b.makeKey(tenantID, topic)]...)
	b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range subs {
		select {
		case sub.msgCh <- msg:
			return nil
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Reply answers a message received through Request.
func (b *ChannelBus) Reply(ctx context.Context, msg *domain.Message, payload []byte) error {
	replyTo := msg.Metadata["reply_to"]
	if replyTo == "" {
		return nil
	}
	return b.Publish(ctx, msg.TenantID, replyTo, payload)
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Stats returns delivery counters.
func (b *ChannelBus) Stats() ChannelStats {
	b.mu.RLock()
	n := 0
	for _, subs := range b.subscriptions {
		n += len(subs)
	}
	b.mu.RUnlock()

	return ChannelStats{
		Subscriptions: n,
		Published:     b.published.Load(),
		Dropped:       b.dropped.Load(),
	}
}

// Close stops every subscription. Buffered messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.subscriptions = make(map[string][]*channelSubscription)
	b.groups = make(map[string]*queueGroup)
	return nil
}

func (b *ChannelBus) makeKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

func (b *ChannelBus) remove(s *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[s.key]
	for i, other := range subs {
		if other == s {
			b.subscriptions[s.key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[s.key]) == 0 {
		delete(b.subscriptions, s.key)
	}

	if s.queue == "" {
		return
	}
	gk := s.key + "#" + s.queue
	if g := b.groups[gk]; g != nil {
		for i, m := range g.members {
			if m == s {
				g.members = append(g.members[:i:i], g.members[i+1:]...)
				break
			}
		}
		if len(g.members) == 0 {
			delete(b.groups, gk)
		}
	}
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
