// Package bus is a small in-process publish/subscribe hub.
//
// Topics are token paths. Subscriptions may use "+" to match exactly one
// token and a trailing "#" to match any remainder, including none. Retained
// messages are kept per topic and replayed to matching new subscribers.
// Delivery never blocks the publisher: a full subscriber queue drops its
// oldest message.
package bus

import (
	"strings"
	"sync"
)

const (
	One  = "+"
	Rest = "#"
)

// Topic is a sequence of tokens.
type Topic []string

// T builds a topic from tokens.
func T(tokens ...string) Topic { return Topic(tokens) }

func (t Topic) String() string { return strings.Join(t, "/") }

// Message is one publication. A retained message with a nil payload clears
// the retained value of its topic.
type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
}

type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

type node struct {
	children map[string]*node
	subs     []*Subscription
	retained *Message
}

func (n *node) child(tok string, create bool) *node {
	c := n.children[tok]
	if c == nil && create {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		c = &node{}
		n.children[tok] = c
	}
	return c
}

type Bus struct {
	mu   sync.Mutex
	root *node
	qLen int
}

// NewBus creates a bus whose subscriptions queue up to queueLen messages.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8
	}
	return &Bus{root: &node{}, qLen: queueLen}
}

// NewMessage is a convenience constructor.
func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

// Publish delivers msg to every matching subscription. Topics containing
// wildcard tokens are not publishable and are dropped.
func (b *Bus) Publish(msg *Message) {
	for _, tok := range msg.Topic {
		if tok == One || tok == Rest {
			return
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.Retained {
		n := b.root
		for _, tok := range msg.Topic {
			n = n.child(tok, true)
		}
		if msg.Payload == nil {
			n.retained = nil
		} else {
			n.retained = msg
		}
	}
	deliver(b.root, msg.Topic, msg)
}

func deliver(n *node, rest Topic, msg *Message) {
	if h := n.children[Rest]; h != nil {
		for _, s := range h.subs {
			s.send(msg)
		}
	}
	if len(rest) == 0 {
		for _, s := range n.subs {
			s.send(msg)
		}
		return
	}
	if c := n.children[rest[0]]; c != nil {
		deliver(c, rest[1:], msg)
	}
	if c := n.children[One]; c != nil {
		deliver(c, rest[1:], msg)
	}
}

func (s *Subscription) send(msg *Message) {
	select {
	case s.ch <- msg:
		return
	default:
	}
	// Queue full: drop the oldest.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (b *Bus) subscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, tok := range sub.topic {
		n = n.child(tok, true)
	}
	n.subs = append(n.subs, sub)

	var retained []*Message
	collect(b.root, sub.topic, &retained)
	for _, m := range retained {
		sub.send(m)
	}
}

func collect(n *node, pat Topic, out *[]*Message) {
	if len(pat) == 0 {
		if n.retained != nil {
			*out = append(*out, n.retained)
		}
		return
	}
	switch pat[0] {
	case Rest:
		collectAll(n, out)
	case One:
		for _, c := range n.children {
			collect(c, pat[1:], out)
		}
	default:
		if c := n.children[pat[0]]; c != nil {
			collect(c, pat[1:], out)
		}
	}
}

func collectAll(n *node, out *[]*Message) {
	if n.retained != nil {
		*out = append(*out, n.retained)
	}
	for _, c := range n.children {
		collectAll(c, out)
	}
}

func (b *Bus) unsubscribe(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := []*node{b.root}
	n := b.root
	for _, tok := range sub.topic {
		if n = n.child(tok, false); n == nil {
			return false
		}
		path = append(path, n)
	}
	found := false
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			found = true
			break
		}
	}
	// Prune empty nodes bottom-up.
	for i := len(sub.topic) - 1; i >= 0; i-- {
		c := path[i+1]
		if len(c.subs) > 0 || len(c.children) > 0 || c.retained != nil {
			break
		}
		delete(path[i].children, sub.topic[i])
	}
	return found
}

// Connection groups the subscriptions of one service.
type Connection struct {
	bus  *Bus
	id   string
	mu   sync.Mutex
	subs []*Subscription
}

// NewConnection creates a connection bound to this bus.
func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

// Publish sends a message via the bus.
func (c *Connection) Publish(msg *Message) { c.bus.Publish(msg) }

// Subscribe registers a subscription owned by this connection.
func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: append(Topic(nil), topic...),
		ch:    make(chan *Message, c.bus.qLen),
		conn:  c,
	}
	c.bus.subscribe(sub)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (c *Connection) Unsubscribe(sub *Subscription) {
	if !c.bus.unsubscribe(sub) {
		return
	}
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

// Close drops every subscription of the connection.
func (c *Connection) Close() {
	c.mu.Lock()
	subs := append([]*Subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		c.Unsubscribe(s)
	}
}
