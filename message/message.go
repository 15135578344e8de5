// Package message defines the connector's wire-agnostic data model: a
// Message with its Kind and the routing table associating each Kind with
// a bus namespace, a default exchange/node name, and batch eligibility.
package message

// Kind is the semantic category of a Message. It determines routing
// (destination node/exchange) and batching eligibility.
type Kind string

// Recognized kinds, per spec.md §3 and the GLOSSARY.
const (
	KindEvent     Kind = "event"
	KindPerf      Kind = "perf"
	KindPerfs     Kind = "perfs" // batch aggregate of KindPerf, built by codec.EmitBatch; never parsed from a text line
	KindDowntime  Kind = "downtime"
	KindCommand   Kind = "command"
	KindState     Kind = "state"
	KindAggr      Kind = "aggr"
	KindDelaggr   Kind = "delaggr"
	KindCorrevent Kind = "correvent"
	KindOneToOne  Kind = "oneToOne"
)

// Namespace is the XMPP XML namespace associated with a Kind, of the form
// http://www.projet-vigilo.org/xmlns/<kind>1, grounded on
// original_source/converttoxml.py.
func (k Kind) Namespace() string {
	switch k {
	case KindEvent, KindPerf, KindDowntime, KindState, KindCommand, KindAggr:
		return "http://www.projet-vigilo.org/xmlns/" + string(k) + "1"
	default:
		return ""
	}
}

// Batchable reports whether messages of this kind are eligible for
// accumulation into a `perfs` aggregate (spec.md §4.3).
func (k Kind) Batchable() bool {
	return k == KindPerf
}

// FieldCount is the number of pipe-delimited fields a line of this kind
// carries after the kind tag itself, per spec.md §4.1. A negative value
// means "variable" (command's free-form body).
func (k Kind) FieldCount() int {
	switch k {
	case KindEvent:
		return 5
	case KindPerf:
		return 4
	case KindDowntime:
		return 6
	case KindCommand:
		return -1
	default:
		return 0
	}
}

// Message is an immutable envelope carrying an already-serialized payload
// plus the metadata needed to route and deliver it. Once constructed, a
// Message must not be mutated; see spec.md §3's immutability invariant.
type Message struct {
	// Payload is the wire form of the message, already serialized for the
	// destination bus (an XML element or a JSON object).
	Payload []byte

	// Kind is the semantic category used for routing and batching.
	Kind Kind

	// RoutingKey is optional; when empty it defaults to string(Kind).
	RoutingKey string

	// Persistent controls the broker's durable-delivery flag. Defaults to
	// true; false disables durable broker delivery.
	Persistent bool

	// Recipient addresses a single peer on the bus; only present for
	// Kind == KindOneToOne.
	Recipient string
}

// EffectiveRoutingKey returns RoutingKey if set, otherwise string(Kind).
func (m Message) EffectiveRoutingKey() string {
	if m.RoutingKey != "" {
		return m.RoutingKey
	}
	return string(m.Kind)
}

// New builds a Message with Persistent defaulted to true, matching
// spec.md §3's stated default.
func New(kind Kind, payload []byte) Message {
	return Message{Payload: payload, Kind: kind, Persistent: true}
}
