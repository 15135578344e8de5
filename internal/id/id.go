// Package id generates correlation identifiers used to match an outgoing
// publish with the broker's reply to it (an AMQP return, an XMPP IQ
// reply) and to tag its log lines, adapted from the request/response
// correlation-ID pattern in the teacher's amqp publisher (SubmitRPC).
package id

import "github.com/google/uuid"

// New returns a fresh correlation identifier.
func New() string {
	return uuid.New().String()
}
