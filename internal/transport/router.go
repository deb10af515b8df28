// Package transport adapts github.com/destiny/zmq4/v25's Router and Dealer
// sockets to the narrow interfaces internal/broker and peer require
// (spec.md §6 "Transport (consumed)"), so neither package needs to import
// zmq4 types directly.
package transport

import (
	"context"

	zmq4 "github.com/destiny/zmq4/v25"

	"hydrarouter/internal/broker"
)

// Router wraps a *zmq4.Router to satisfy broker.RouterSocket.
type Router struct {
	sock zmq4.Socket
}

// NewRouter constructs a Router socket bound to ctx's lifetime.
func NewRouter(ctx context.Context, opts ...zmq4.Option) *Router {
	return &Router{sock: zmq4.NewRouter(ctx, opts...)}
}

func (r *Router) Listen(endpoint string) error { return r.sock.Listen(endpoint) }
func (r *Router) Close() error                 { return r.sock.Close() }

func (r *Router) Recv() (broker.Msg, error) {
	msg, err := r.sock.Recv()
	if err != nil {
		return broker.Msg{}, err
	}
	return broker.Msg{Frames: msg.Frames}, nil
}

func (r *Router) Send(m broker.Msg) error {
	return r.sock.Send(zmq4.NewMsgFrom(m.Frames...))
}
