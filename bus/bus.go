// bus.go
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"supervisor-go/x/conv"
)

// -----------------------------------------------------------------------------
// Topics
// -----------------------------------------------------------------------------

// Topic is a sequence of path elements, e.g. {"supervisor", "switch"}.
// Subscription topics may use the wildcards "+" (one element) and "#"
// (this element and everything below). Published topics must be concrete.
type Topic []string

// T builds a topic from its elements.
func T(parts ...string) Topic { return Topic(parts) }

const (
	WildcardOne = "+"
	WildcardAll = "#"
)

func (t Topic) String() string {
	s := ""
	for i, e := range t {
		if i > 0 {
			s += "/"
		}
		s += e
	}
	return s
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection // owning connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// -----------------------------------------------------------------------------
// Trie node
// -----------------------------------------------------------------------------

type node struct {
	children map[string]*node
	subs     []*Subscription
	retained *Message
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

type Bus struct {
	mu    sync.Mutex
	root  *node
	qLen  int
	reqID atomic.Uint32
}

var ErrClosed = errors.New("bus: subscription closed")

// NewBus creates a new bus with the given subscription queue length.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8 // safe default
	}
	return &Bus{
		root: &node{},
		qLen: queueLen,
	}
}

// NewMessage is a convenience constructor.
func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

// push delivers with drop-oldest semantics when the queue is full.
// Only called while holding b.mu, so the drain/refill pair cannot race
// with another publisher.
func push(sub *Subscription, msg *Message) {
	select {
	case sub.ch <- msg:
	default:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// addSubscription inserts a subscription into the trie and delivers any
// retained messages its topic matches.
func (b *Bus) addSubscription(topic Topic, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, el := range topic {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[el]
		if !ok {
			child = &node{}
			n.children[el] = child
		}
		n = child
	}
	n.subs = append(n.subs, sub)

	b.collectRetained(b.root, topic, sub)
}

// collectRetained walks the trie delivering retained messages that match
// the (possibly wildcarded) subscription topic.
func (b *Bus) collectRetained(n *node, pattern Topic, sub *Subscription) {
	if n == nil {
		return
	}
	if len(pattern) == 0 {
		if n.retained != nil {
			push(sub, n.retained)
		}
		return
	}
	switch pattern[0] {
	case WildcardAll:
		// Matches this level and everything below it.
		b.collectSubtree(n, sub)
	case WildcardOne:
		for _, child := range n.children {
			b.collectRetained(child, pattern[1:], sub)
		}
	default:
		b.collectRetained(n.children[pattern[0]], pattern[1:], sub)
	}
}

func (b *Bus) collectSubtree(n *node, sub *Subscription) {
	if n.retained != nil {
		push(sub, n.retained)
	}
	for _, child := range n.children {
		b.collectSubtree(child, sub)
	}
}

// Publish delivers a message to all subscribers whose topic matches.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deliver(b.root, msg.Topic, msg)

	// Store or clear retained message at the concrete path.
	if msg.Retained {
		n := b.root
		for _, el := range msg.Topic {
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			child, ok := n.children[el]
			if !ok {
				child = &node{}
				n.children[el] = child
			}
			n = child
		}
		if msg.Payload == nil {
			n.retained = nil
		} else {
			n.retained = msg
		}
	}
}

// deliver routes msg down the trie, following exact elements and wildcards.
func (b *Bus) deliver(n *node, rest Topic, msg *Message) {
	if n == nil {
		return
	}
	if len(rest) == 0 {
		for _, sub := range n.subs {
			push(sub, msg)
		}
		// "a/#" also matches "a" itself.
		if h := n.children[WildcardAll]; h != nil {
			for _, sub := range h.subs {
				push(sub, msg)
			}
		}
		return
	}
	b.deliver(n.children[rest[0]], rest[1:], msg)
	b.deliver(n.children[WildcardOne], rest[1:], msg)
	if h := n.children[WildcardAll]; h != nil {
		for _, sub := range h.subs {
			push(sub, msg)
		}
	}
}

// unsubscribe removes a subscription from the trie.
func (b *Bus) unsubscribe(topic Topic, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	var stack []*node
	for _, el := range topic {
		if n.children == nil {
			return
		}
		child, ok := n.children[el]
		if !ok {
			return
		}
		stack = append(stack, n)
		n = child
	}

	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}

	// Prune empty nodes.
	for i := len(topic) - 1; i >= 0; i-- {
		parent := stack[i]
		key := topic[i]
		child := parent.children[key]
		if len(child.subs) == 0 && len(child.children) == 0 && child.retained == nil {
			delete(parent.children, key)
		} else {
			break
		}
	}
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

type Connection struct {
	bus  *Bus
	subs []*Subscription
	mu   sync.Mutex
	id   string
}

// NewConnection creates a new connection bound to this bus.
func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{
		bus: b,
		id:  id,
	}
}

// NewMessage is a convenience constructor.
func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

// Publish sends a message via the bus.
func (c *Connection) Publish(msg *Message) {
	c.bus.Publish(msg)
}

// Subscribe registers a subscription owned by this connection.
func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan *Message, c.bus.qLen),
		conn:  c,
	}
	c.bus.addSubscription(topic, sub)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription owned by this connection.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.bus.unsubscribe(sub.topic, sub)
	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	close(sub.ch)
}

// Disconnect closes all subscriptions and clears them.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.unsubscribe(sub.topic, sub)
		close(sub.ch)
	}
}

// -----------------------------------------------------------------------------
// Request–Reply
// -----------------------------------------------------------------------------

// Reply publishes a response on the request's ReplyTo topic. No-op when the
// request carries none.
func (c *Connection) Reply(req *Message, payload any, retained bool) {
	if len(req.ReplyTo) == 0 {
		return
	}
	c.Publish(&Message{Topic: req.ReplyTo, Payload: payload, Retained: retained})
}

// Request assigns a unique ReplyTo (if absent), subscribes to it, and
// publishes the request. The caller owns the returned subscription.
func (c *Connection) Request(req *Message) *Subscription {
	if len(req.ReplyTo) == 0 {
		var num [20]byte
		req.ReplyTo = Topic{"reply", c.id, string(conv.Utoa(num[:], uint64(c.bus.reqID.Add(1))))}
	}
	sub := c.Subscribe(req.ReplyTo)
	c.Publish(req)
	return sub
}

// RequestWait performs Request and blocks for the first reply or ctx expiry.
func (c *Connection) RequestWait(ctx context.Context, req *Message) (*Message, error) {
	sub := c.Request(req)
	defer c.Unsubscribe(sub)
	select {
	case m, ok := <-sub.Channel():
		if !ok {
			return nil, ErrClosed
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
