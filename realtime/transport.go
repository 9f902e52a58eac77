package realtime

import (
	"context"
	"errors"
	"net/url"
)

var ErrTransportClosed = errors.New("transport closed")

// Target describes the connection a Dialer should build.
type Target struct {
	URL        *url.URL
	ClientID   string
	ProbeTopic string

	// OnConnectionLost is called by the transport when the link drops without
	// Close being called.
	OnConnectionLost func(err error)
}

// Transport is one connection to the hub. A Transport is never reused after
// Close or connection loss; the channel dials a new one.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error
	Unsubscribe(ctx context.Context, topic string) error
	// Ping proves the link is alive end to end.
	Ping(ctx context.Context) error
}

// Dialer builds transports for a target.
type Dialer interface {
	Dial(target Target) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(target Target) (Transport, error)

func (f DialerFunc) Dial(target Target) (Transport, error) {
	return f(target)
}

// SchemeDialer routes by URL scheme, e.g. "memory" to a MemoryHub and
// "tcp"/"ssl"/"ws" to an MQTTDialer.
type SchemeDialer map[string]Dialer

func (d SchemeDialer) Dial(target Target) (Transport, error) {
	var dialer, ok = d[target.URL.Scheme]
	if !ok {
		return nil, ErrInvalidHubURL
	}
	return dialer.Dial(target)
}
