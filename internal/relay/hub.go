package relay

import (
	"context"
	"io"
)

// Hub is the in-process transport: every context of the process shares one
// Hub. Delivery is FIFO per channel.
type Hub struct {
	pending *queue[*hubPort]
}

var _ Listener = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{pending: newQueue[*hubPort]()}
}

func (h *Hub) Accept(ctx context.Context) (Port, error) {
	p, ok, err := h.pending.take(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrClosed
	}
	return p, nil
}

// Close stops accepting. Channels that were never accepted are dropped.
func (h *Hub) Close() error {
	h.pending.close()
	for _, p := range h.pending.drain() {
		_ = p.Close()
	}
	return nil
}

// Dialer returns a Dialer that connects as sender.
func (h *Hub) Dialer(sender Sender) Dialer {
	return hubDialer{hub: h, sender: sender}
}

type hubDialer struct {
	hub    *Hub
	sender Sender
}

func (d hubDialer) Connect(ctx context.Context, channel string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &hubPort{name: channel, sender: d.sender, q: newQueue[Message]()}
	if !d.hub.pending.put(p) {
		return nil, ErrClosed
	}
	return hubConn{p: p}, nil
}

type hubPort struct {
	name   string
	sender Sender
	q      *queue[Message]
}

func (p *hubPort) Name() string   { return p.name }
func (p *hubPort) Sender() Sender { return p.sender }

func (p *hubPort) Recv(ctx context.Context) (Message, error) {
	m, ok, err := p.q.take(ctx)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, io.EOF
	}
	return m, nil
}

func (p *hubPort) Close() error {
	p.q.close()
	p.q.drain()
	return nil
}

type hubConn struct {
	p *hubPort
}

func (c hubConn) Post(m Message) error {
	if !c.p.q.put(m) {
		return ErrClosed
	}
	return nil
}

func (c hubConn) Close() error {
	c.p.q.close()
	return nil
}
