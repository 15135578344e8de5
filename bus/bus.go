// Package bus defines the transport-agnostic capability interfaces a
// Forwarder depends on: Publisher to hand outgoing messages to a broker,
// Subscriber to receive incoming ones. Concrete adapters (bus/amqp,
// bus/xmpp) implement these against a specific wire protocol.
package bus

import (
	"context"
	"errors"

	"go.vigilo.io/connector/message"
)

// Publisher hands a Message to a broker for delivery.
//
// Publish returns a completion channel that receives exactly one error (nil
// on success) once the broker acknowledges or rejects the message, except
// for push-only deliveries (spec.md §4.1's oneToOne over XMPP chat), where
// it returns a nil channel -- there is nothing to wait for. Publish itself
// returns an error only when the message cannot even be submitted, e.g. the
// transport is not connected.
type Publisher interface {
	// Publish submits msg for delivery and reports whether it was accepted.
	Publish(ctx context.Context, msg message.Message) (<-chan error, error)

	// Connected reports whether the underlying transport is currently able
	// to accept publishes.
	Connected() bool

	// Close releases the underlying transport connection.
	Close() error
}

// Subscriber delivers incoming messages to a sink function. Transports that
// require acknowledgement (AMQP) settle the delivery according to the sink's
// return value; push-only transports (XMPP chat) ignore it.
type Subscriber interface {
	// Subscribe starts delivering incoming messages to sink until ctx is
	// canceled or Close is called. sink returning a non-nil error causes
	// the delivery to be nacked/requeued where the transport supports it.
	Subscribe(ctx context.Context, sink func(message.Message) error) error

	// Connected reports whether the underlying transport is currently
	// receiving deliveries.
	Connected() bool

	// Close releases the underlying transport connection.
	Close() error
}

// NotConnectedError is returned by Publish/Subscribe when the underlying
// transport has no active connection, per spec.md §4.5's BusPublisher
// contract ("returns immediate failure if not connected").
type NotConnectedError struct {
	Transport string
}

func (e *NotConnectedError) Error() string {
	return "bus: not connected to " + e.Transport
}

// ErrNotAcceptable marks a publish as permanently rejected by the broker --
// an unroutable AMQP message (NO_ROUTE/NO_CONSUMERS return) or an XMPP
// stanza-error reply -- as opposed to a transient failure that is worth
// retrying. An error returned or delivered on a Publish completion channel
// should satisfy errors.Is(err, ErrNotAcceptable) in this case so that
// forwarder.onSendFailure drops the message instead of requeuing it forever,
// per spec.md §4.3 step 2e / §7.
var ErrNotAcceptable = errors.New("bus: message rejected as not acceptable")
