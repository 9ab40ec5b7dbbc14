package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var errAlreadySettled = errors.New("delivery already settled")

// PublishedMessage is a message seen by MemoryBroker.Publish.
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Message    Message
}

// MemoryBroker is an in-process topic broker implementing Connector.
//
// It models the parts of RabbitMQ relay depends on: durable topic exchanges,
// queue bindings with * and # patterns, manual ack and reject, prefetch,
// x-dead-letter-exchange with x-death bookkeeping, and x-message-ttl expiry.
type MemoryBroker struct {
	mu         sync.Mutex
	exchanges  map[string]string
	queues     map[string]*memoryQueue
	bindings   []memoryBinding
	published  []PublishedMessage
	conns      map[*memoryConnection]struct{}
	dials      int
	dialErr    error
	publishErr error
}

type memoryBinding struct {
	queue    string
	pattern  string
	exchange string
}

type memoryMessage struct {
	exchange    string
	routingKey  string
	msg         Message
	redelivered bool
	expiry      *time.Timer
}

type memoryQueue struct {
	name     string
	args     map[string]interface{}
	pending  []*memoryMessage
	acked    []Delivery
	rejected []Delivery
	notify   chan struct{}
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*memoryQueue),
		conns:     make(map[*memoryConnection]struct{}),
	}
}

// Dial opens a connection unless FailDial set an error.
func (b *MemoryBroker) Dial(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &memoryConnection{broker: b, channels: make(map[*memoryChannel]struct{})}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// FailDial makes every following Dial return err. Pass nil to recover.
func (b *MemoryBroker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailPublish makes every following Publish return err. Pass nil to recover.
func (b *MemoryBroker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// DropConnections closes every open connection, as a broker restart would.
func (b *MemoryBroker) DropConnections() {
	b.mu.Lock()
	conns := make([]*memoryConnection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Dials returns how many times Dial was called.
func (b *MemoryBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections returns the number of connections not yet closed.
func (b *MemoryBroker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// HasExchange reports whether name was declared.
func (b *MemoryBroker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// QueueArgs returns the arguments queue was declared with.
func (b *MemoryBroker) QueueArgs(queue string) map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return q.args
	}
	return nil
}

// Published returns the messages published to exchange, oldest first.
func (b *MemoryBroker) Published(exchange string) []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []PublishedMessage
	for _, p := range b.published {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

// Acked returns the deliveries acknowledged on queue.
func (b *MemoryBroker) Acked(queue string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return append([]Delivery(nil), q.acked...)
	}
	return nil
}

// Rejected returns the deliveries rejected without requeue on queue.
func (b *MemoryBroker) Rejected(queue string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return append([]Delivery(nil), q.rejected...)
	}
	return nil
}

// Pending returns the number of messages waiting on queue.
func (b *MemoryBroker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.pending)
	}
	return 0
}

// Enqueue places msg directly on a declared queue, bypassing exchanges.
func (b *MemoryBroker) Enqueue(queue, routingKey string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("queue %s: not found", queue)
	}
	b.pushLocked(q, &memoryMessage{routingKey: routingKey, msg: msg})
	return nil
}

func (b *MemoryBroker) declareQueue(name string, args map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		if args != nil {
			q.args = args
		}
		return
	}
	b.queues[name] = &memoryQueue{name: name, args: args, notify: make(chan struct{}, 1)}
}

func (b *MemoryBroker) bind(queue, pattern, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("bind %s: queue not found", queue)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("bind %s: exchange %s not found", queue, exchange)
	}
	for _, existing := range b.bindings {
		if existing.queue == queue && existing.pattern == pattern && existing.exchange == exchange {
			return nil
		}
	}
	b.bindings = append(b.bindings, memoryBinding{queue: queue, pattern: pattern, exchange: exchange})
	return nil
}

func (b *MemoryBroker) publish(exchange, routingKey string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return b.publishErr
	}
	if _, ok := b.exchanges[exchange]; !ok && exchange != "" {
		return fmt.Errorf("publish to %s: exchange not found", exchange)
	}

	b.published = append(b.published, PublishedMessage{Exchange: exchange, RoutingKey: routingKey, Message: msg})
	b.routeLocked(exchange, routingKey, msg)
	return nil
}

func (b *MemoryBroker) routeLocked(exchange, routingKey string, msg Message) {
	if exchange == "" {
		if q, ok := b.queues[routingKey]; ok {
			b.pushLocked(q, &memoryMessage{exchange: exchange, routingKey: routingKey, msg: msg})
		}
		return
	}

	routed := make(map[string]bool)
	for _, binding := range b.bindings {
		if binding.exchange != exchange || routed[binding.queue] || !topicMatch(binding.pattern, routingKey) {
			continue
		}
		routed[binding.queue] = true
		b.pushLocked(b.queues[binding.queue], &memoryMessage{
			exchange:   exchange,
			routingKey: routingKey,
			msg:        copyMessage(msg),
		})
	}
}

func (b *MemoryBroker) pushLocked(q *memoryQueue, m *memoryMessage) {
	q.pending = append(q.pending, m)
	b.armExpiryLocked(q, m)
	q.signal()
}

func (b *MemoryBroker) armExpiryLocked(q *memoryQueue, m *memoryMessage) {
	ttl, ok := intArg(q.args["x-message-ttl"])
	if !ok || ttl < 0 || m.expiry != nil {
		return
	}
	m.expiry = time.AfterFunc(time.Duration(ttl)*time.Millisecond, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, pending := range q.pending {
			if pending == m {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				b.deadLetterLocked(q, m, "expired")
				return
			}
		}
	})
}

// pop removes the head of queue, or returns nil when it is empty.
func (b *MemoryBroker) pop(q *memoryQueue) *memoryMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	m := q.pending[0]
	q.pending = q.pending[1:]
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
	return m
}

func (b *MemoryBroker) requeue(q *memoryQueue, m *memoryMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m.redelivered = true
	q.pending = append([]*memoryMessage{m}, q.pending...)
	q.signal()
}

func (b *MemoryBroker) settle(q *memoryQueue, m *memoryMessage, d Delivery, ack, requeue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case ack:
		q.acked = append(q.acked, d)
	case requeue:
		m.redelivered = true
		q.pending = append([]*memoryMessage{m}, q.pending...)
		q.signal()
	default:
		q.rejected = append(q.rejected, d)
		b.deadLetterLocked(q, m, "rejected")
	}
}

// deadLetterLocked routes m through the queue's x-dead-letter-exchange, recording
// the hop in x-death the way RabbitMQ does.
func (b *MemoryBroker) deadLetterLocked(q *memoryQueue, m *memoryMessage, reason string) {
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return
	}
	if _, ok := b.exchanges[dlx]; !ok {
		return
	}

	routingKey := m.routingKey
	if key, ok := q.args["x-dead-letter-routing-key"].(string); ok && key != "" {
		routingKey = key
	}

	msg := copyMessage(m.msg)
	msg.Headers["x-death"] = recordDeath(msg.Headers["x-death"], q.name, reason, m.exchange, m.routingKey)
	b.routeLocked(dlx, routingKey, msg)
}

func recordDeath(existing interface{}, queue, reason, exchange, routingKey string) []interface{} {
	deaths, _ := existing.([]interface{})
	out := make([]interface{}, 0, len(deaths)+1)

	var count int64 = 1
	for _, d := range deaths {
		entry, ok := asTable(d)
		if ok && entry["queue"] == queue && entry["reason"] == reason {
			n, _ := intArg(entry["count"])
			count = n + 1
			continue
		}
		out = append(out, d)
	}

	entry := map[string]interface{}{
		"count":        count,
		"queue":        queue,
		"reason":       reason,
		"exchange":     exchange,
		"routing-keys": []interface{}{routingKey},
		"time":         time.Now().UTC(),
	}
	// most recent death first
	return append([]interface{}{entry}, out...)
}

func (q *memoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type memoryConnection struct {
	broker   *MemoryBroker
	mu       sync.Mutex
	closed   bool
	channels map[*memoryChannel]struct{}
}

func (c *memoryConnection) Channel(confirm bool) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	ch := &memoryChannel{conn: c, broker: c.broker, done: make(chan struct{})}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *memoryConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := make([]*memoryChannel, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}

	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()
	return nil
}

type memoryChannel struct {
	conn      *memoryConnection
	broker    *MemoryBroker
	mu        sync.Mutex
	prefetch  int
	closeOnce sync.Once
	done      chan struct{}
}

func (c *memoryChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *memoryChannel) DeclareExchange(name, kind string) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if existing, ok := c.broker.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("declare exchange %s: already declared as %s", name, existing)
	}
	c.broker.exchanges[name] = kind
	return nil
}

func (c *memoryChannel) DeclareQueue(name string, args map[string]interface{}) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.broker.declareQueue(name, args)
	return nil
}

func (c *memoryChannel) Bind(queue, pattern, exchange string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.broker.bind(queue, pattern, exchange)
}

func (c *memoryChannel) Qos(prefetch int) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	c.prefetch = prefetch
	c.mu.Unlock()
	return nil
}

func (c *memoryChannel) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.broker.publish(exchange, routingKey, copyMessage(msg))
}

func (c *memoryChannel) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	c.broker.mu.Lock()
	q, ok := c.broker.queues[queue]
	c.broker.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("consume %s: queue not found", queue)
	}

	c.mu.Lock()
	prefetch := c.prefetch
	c.mu.Unlock()

	out := make(chan Delivery)
	go c.feed(ctx, q, prefetch, out)
	return out, nil
}

// feed hands queued messages to out. With a prefetch limit it waits for each
// delivery to be settled before handing over the next one.
func (c *memoryChannel) feed(ctx context.Context, q *memoryQueue, prefetch int, out chan<- Delivery) {
	defer close(out)

	for {
		m := c.broker.pop(q)
		if m == nil {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}

		settled := make(chan struct{})
		d := c.delivery(q, m, settled)

		select {
		case out <- d:
		case <-ctx.Done():
			c.broker.requeue(q, m)
			return
		case <-c.done:
			c.broker.requeue(q, m)
			return
		}

		if prefetch <= 0 {
			continue
		}

		select {
		case <-settled:
		case <-ctx.Done():
			c.returnUnsettled(q, m, settled)
			return
		case <-c.done:
			c.returnUnsettled(q, m, settled)
			return
		}
	}
}

// returnUnsettled requeues m if its delivery was never settled.
func (c *memoryChannel) returnUnsettled(q *memoryQueue, m *memoryMessage, settled chan struct{}) {
	select {
	case <-settled:
	default:
		c.broker.requeue(q, m)
	}
}

func (c *memoryChannel) delivery(q *memoryQueue, m *memoryMessage, settled chan struct{}) Delivery {
	var once sync.Once
	d := Delivery{
		Body:        m.msg.Body,
		ContentType: m.msg.ContentType,
		MessageID:   m.msg.MessageID,
		Exchange:    m.exchange,
		RoutingKey:  m.routingKey,
		Redelivered: m.redelivered,
		Headers:     m.msg.Headers,
	}

	settle := func(ack, requeue bool) error {
		if c.isClosed() {
			return ErrClosed
		}
		err := errAlreadySettled
		once.Do(func() {
			c.broker.settle(q, m, d, ack, requeue)
			close(settled)
			err = nil
		})
		return err
	}
	d.ack = func() error { return settle(true, false) }
	d.reject = func(requeue bool) error { return settle(false, requeue) }
	return d
}

func (c *memoryChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.mu.Lock()
		delete(c.conn.channels, c)
		c.conn.mu.Unlock()
	})
	return nil
}

func copyMessage(msg Message) Message {
	out := msg
	out.Body = append([]byte(nil), msg.Body...)
	out.Headers = make(map[string]interface{}, len(msg.Headers))
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	return out
}

// topicMatch reports whether key matches a topic binding pattern, where *
// matches one word and # matches zero or more words.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
