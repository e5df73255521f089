package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Sender identity and channel name travel as stream metadata.
const (
	mdAppID   = "x-app-id"
	mdContext = "x-context"
	mdChannel = "x-channel"
)

const (
	codecName     = "json"
	connectMethod = "/alarmsched.relay.v1.Relay/Connect"
	closeTimeout  = 5 * time.Second
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec keeps the wire format identical on both transports.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

// ack closes a client stream. It carries nothing: the relay has no
// per-message acknowledgement.
type ack struct{}

type relayServer interface {
	Connect(stream grpc.ServerStream) error
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: "alarmsched.relay.v1.Relay",
	HandlerType: (*relayServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(relayServer).Connect(stream) },
		ClientStreams: true,
	}},
}

// GRPCListener is the durable end of the gRPC transport. Register it on a
// server, then Accept ports as streams open.
type GRPCListener struct {
	ports *queue[*grpcPort]
}

var _ Listener = (*GRPCListener)(nil)

func NewGRPCListener() *GRPCListener {
	return &GRPCListener{ports: newQueue[*grpcPort]()}
}

func (l *GRPCListener) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&relayServiceDesc, l)
}

func (l *GRPCListener) Accept(ctx context.Context) (Port, error) {
	p, ok, err := l.ports.take(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrClosed
	}
	return p, nil
}

func (l *GRPCListener) Close() error {
	l.ports.close()
	for _, p := range l.ports.drain() {
		_ = p.Close()
	}
	return nil
}

// Connect serves one client stream for as long as the port is open.
func (l *GRPCListener) Connect(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	channel := firstValue(md, mdChannel)
	if channel == "" {
		return status.Error(codes.InvalidArgument, "relay: channel metadata required")
	}
	p := &grpcPort{
		name:   channel,
		sender: Sender{AppID: firstValue(md, mdAppID), Context: firstValue(md, mdContext)},
		q:      newQueue[Message](),
		done:   make(chan struct{}),
	}
	if !l.ports.put(p) {
		return status.Error(codes.Unavailable, "relay: listener closed")
	}

	recvErr := make(chan error, 1)
	go func() {
		for {
			var m Message
			if err := stream.RecvMsg(&m); err != nil {
				p.q.close()
				recvErr <- err
				return
			}
			p.q.put(m)
		}
	}()

	select {
	case err := <-recvErr:
		if errors.Is(err, io.EOF) {
			return stream.SendMsg(&ack{})
		}
		return err
	case <-p.done:
		return status.Error(codes.Canceled, "relay: port closed")
	}
}

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

type grpcPort struct {
	name   string
	sender Sender
	q      *queue[Message]

	once sync.Once
	done chan struct{}
}

func (p *grpcPort) Name() string   { return p.name }
func (p *grpcPort) Sender() Sender { return p.sender }

func (p *grpcPort) Recv(ctx context.Context) (Message, error) {
	m, ok, err := p.q.take(ctx)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, io.EOF
	}
	return m, nil
}

func (p *grpcPort) Close() error {
	p.once.Do(func() { close(p.done) })
	p.q.close()
	p.q.drain()
	return nil
}

// GRPCDialer is the transient end of the gRPC transport.
type GRPCDialer struct {
	cc     grpc.ClientConnInterface
	sender Sender
}

var _ Dialer = (*GRPCDialer)(nil)

func NewGRPCDialer(cc grpc.ClientConnInterface, sender Sender) *GRPCDialer {
	return &GRPCDialer{cc: cc, sender: sender}
}

// Connect opens the stream. The stream outlives ctx; Close ends it.
func (d *GRPCDialer) Connect(ctx context.Context, channel string) (Conn, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sctx = metadata.AppendToOutgoingContext(sctx,
		mdAppID, d.sender.AppID,
		mdContext, d.sender.Context,
		mdChannel, channel,
	)
	stream, err := d.cc.NewStream(sctx, &relayServiceDesc.Streams[0], connectMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relay connect: %w", err)
	}
	c := &grpcConn{
		stream: stream,
		cancel: cancel,
		q:      newQueue[Message](),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

type grpcConn struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	q      *queue[Message]
	done   chan struct{}
}

// pump sends queued messages in order, then half-closes the stream.
func (c *grpcConn) pump() {
	defer close(c.done)
	defer c.cancel()
	for {
		m, ok, _ := c.q.take(context.Background())
		if !ok {
			break
		}
		if err := c.stream.SendMsg(&m); err != nil {
			c.q.close()
			c.q.drain()
			return
		}
	}
	if err := c.stream.CloseSend(); err != nil {
		return
	}
	var a ack
	_ = c.stream.RecvMsg(&a)
}

func (c *grpcConn) Post(m Message) error {
	if !c.q.put(m) {
		return ErrClosed
	}
	return nil
}

// Close flushes queued messages and ends the stream.
func (c *grpcConn) Close() error {
	c.q.close()
	t := time.NewTimer(closeTimeout)
	defer t.Stop()
	select {
	case <-c.done:
	case <-t.C:
		c.cancel()
		<-c.done
	}
	return nil
}
