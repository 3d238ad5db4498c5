// Package broker implements the Transport Adapter: a SUB dialer
// subscribed to this node's name for inbound frames, and a REQ dialer
// for outbound frames, each send blocking on the broker's single-frame
// acknowledgement. Built on go-zeromq/zmq4, a pure-Go (no cgo) ZeroMQ
// binding.
package broker

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/viyer28/halo/internal/herrors"
	"github.com/viyer28/halo/internal/message"
)

// Broker owns the two sockets to the external message broker.
type Broker struct {
	nodeName string
	sub zmq4.Socket
	req zmq4.Socket
	log *zap.SugaredLogger
}

// Dial connects the subscribe socket to pubEndpoint (subscribing to
// nodeName) and the request socket to routerEndpoint (identity =
// nodeName).
func Dial(ctx context.Context, nodeName, pubEndpoint, routerEndpoint string, log *zap.SugaredLogger) (*Broker, error) {
	sub := zmq4.NewSub(ctx)
	if err := sub.Dial(pubEndpoint); err != nil {
		return nil, fmt.Errorf("broker: dial sub %s: %w: %v", pubEndpoint, herrors.ErrTransportFatal, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, nodeName); err != nil {
		return nil, fmt.Errorf("broker: subscribe %s: %w: %v", nodeName, herrors.ErrTransportFatal, err)
	}

	req := zmq4.NewReq(ctx, zmq4.WithID(zmq4.SocketIdentity(nodeName)))
	if err := req.Dial(routerEndpoint); err != nil {
		return nil, fmt.Errorf("broker: dial req %s: %w: %v", routerEndpoint, herrors.ErrTransportFatal, err)
	}

	return &Broker{nodeName: nodeName, sub: sub, req: req, log: log}, nil
}

// Close tears down both sockets.
func (b *Broker) Close() error {
	subErr := b.sub.Close()
	reqErr := b.req.Close()
	if subErr != nil {
		return subErr
	}
	return reqErr
}

// Send serializes m and sends it as a single JSON frame on the request
// socket, then blocks for the broker's acknowledgement frame, which is
// an opaque single-part string and is discarded.
func (b *Broker) Send(ctx context.Context, dest string, m message.Message) error {
	m.Destination = dest
	payload, err := message.Encode(m)
	if err != nil {
		return err
	}

	if err := b.req.SendMulti(zmq4.NewMsgFrom(payload)); err != nil {
		return fmt.Errorf("broker: send %s to %s: %w: %v", m.Type, dest, herrors.ErrTransportFatal, err)
	}

	if _, err := b.req.Recv(); err != nil {
		return fmt.Errorf("broker: await ack for %s to %s: %w: %v", m.Type, dest, herrors.ErrTransportFatal, err)
	}
	return nil
}

// Recv blocks for the next inbound 3-part frame (address, empty,
// payload) on the subscribe socket and decodes the payload. A protocol
// violation (missing required field) is returned so the caller can
// treat it as fatal; an unknown type is likewise surfaced so the
// caller can log-and-discard without treating it as a transport
// failure.
func (b *Broker) Recv() (message.Message, error) {
	zmsg, err := b.sub.Recv()
	if err != nil {
		return message.Message{}, fmt.Errorf("broker: recv: %w: %v", herrors.ErrTransportFatal, err)
	}
	if len(zmsg.Frames) < 3 {
		return message.Message{}, fmt.Errorf("broker: recv: expected 3 frames, got %d: %w", len(zmsg.Frames), herrors.ErrTransportFatal)
	}
	payload := zmsg.Frames[2]

	m, err := message.Decode(payload)
	if err != nil {
		return message.Message{}, err
	}
	return m, nil
}
