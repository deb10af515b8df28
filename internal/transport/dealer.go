package transport

import (
	"context"

	zmq4 "github.com/destiny/zmq4/v25"
)

// Dealer wraps a *zmq4.Dealer to satisfy peer.DealerSocket.
type Dealer struct {
	sock zmq4.Socket
}

// NewDealer constructs a Dealer socket bound to ctx's lifetime, identified
// on the wire by id (spec.md §4.6 "assigns an identity (stable for the
// session)").
func NewDealer(ctx context.Context, id string, opts ...zmq4.Option) *Dealer {
	opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(id)))
	return &Dealer{sock: zmq4.NewDealer(ctx, opts...)}
}

func (d *Dealer) Dial(endpoint string) error { return d.sock.Dial(endpoint) }
func (d *Dealer) Close() error               { return d.sock.Close() }

func (d *Dealer) Send(payload []byte) error {
	return d.sock.Send(zmq4.NewMsgFrom(payload))
}

func (d *Dealer) Recv() ([]byte, error) {
	msg, err := d.sock.Recv()
	if err != nil {
		return nil, err
	}
	if len(msg.Frames) == 0 {
		return nil, nil
	}
	return msg.Frames[0], nil
}
