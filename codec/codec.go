// Package codec implements the stateless converter between the
// pipe-delimited text line protocol and the structured (XML element)
// form used on the bus, per spec.md §4.1. It is grounded line-for-line on
// original_source/converttoxml.py.
package codec

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"go.vigilo.io/connector/log"
	"go.vigilo.io/connector/message"
)

// Parse converts one line of the text protocol (or an already-serialized
// XML line starting with '<') into a Message. It returns false when the
// line cannot be interpreted, in which case the caller should simply
// discard it -- no error value crosses this boundary, per spec.md §7.
func Parse(ll log.Logger, line string) (message.Message, bool) {
	if ll == nil {
		ll = log.Discard()
	}
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		ll.Debug("empty line")
		return message.Message{}, false
	}

	text, ok := decodeText(trimmed)
	if !ok {
		ll.Warning("unable to decode line as utf-8 or iso-8859-15")
		return message.Message{}, false
	}

	if strings.HasPrefix(text, "<") {
		m, err := parseXML([]byte(text))
		if err != nil {
			ll.Warningf("unparsable xml line: %v", err)
			return message.Message{}, false
		}
		return m, true
	}

	return parseLine(ll, text)
}

// decodeText returns `s` as a UTF-8 string, decoding it as ISO-8859-15 if
// it isn't valid UTF-8 already -- the encoding fallback required by
// spec.md §4.1 / scenario S5.
func decodeText(s string) (string, bool) {
	if utf8.ValidString(s) {
		return s, true
	}
	out, err := charmap.ISO8859_15.NewDecoder().String(s)
	if err != nil {
		return "", false
	}
	return out, true
}

func parseLine(ll log.Logger, text string) (message.Message, bool) {
	elements := strings.Split(text, "|")

	// oneToOne envelope: recipient, then a nested message of any kind.
	if len(elements) > 2 && elements[0] == string(message.KindOneToOne) {
		recipient := elements[1]
		nested := strings.Join(elements[2:], "|")
		nestedMsg, ok := parseLine(ll, nested)
		if !ok {
			ll.Warningf("unknown/malformed message (type: '%s')", elements[0])
			return message.Message{}, false
		}
		env := emitOneToOne(recipient, nestedMsg.Payload)
		return message.Message{
			Payload:    env,
			Kind:       message.KindOneToOne,
			Recipient:  recipient,
			Persistent: true,
		}, true
	}

	kind := elements[0]
	switch kind {
	case string(message.KindEvent):
		if len(elements) != 6 {
			return message.Message{}, false
		}
		return message.Message{
			Payload:    emitEvent(elements[1], elements[2], elements[3], elements[4], elements[5]),
			Kind:       message.KindEvent,
			Persistent: true,
		}, true
	case string(message.KindPerf):
		if len(elements) != 5 {
			return message.Message{}, false
		}
		return message.Message{
			Payload:    emitPerf(elements[1], elements[2], elements[3], elements[4]),
			Kind:       message.KindPerf,
			Persistent: true,
		}, true
	case string(message.KindDowntime):
		if len(elements) != 7 {
			return message.Message{}, false
		}
		return message.Message{
			Payload:    emitDowntime(elements[1], elements[2], elements[3], elements[4], elements[5], elements[6]),
			Kind:       message.KindDowntime,
			Persistent: true,
		}, true
	case string(message.KindCommand):
		if len(elements) < 2 {
			return message.Message{}, false
		}
		cmdType := elements[1]
		body := strings.Join(elements[2:], "|")
		return message.Message{
			Payload:    emitCommand(cmdType, body),
			Kind:       message.KindCommand,
			Persistent: true,
		}, true
	default:
		ll.Warningf("unknown/malformed message (type: '%s')", kind)
		return message.Message{}, false
	}
}

// ParsePersisted reconstructs a Message from a raw payload previously
// written to RetryStore, which stores only the serialized wire bytes and
// not the originating Kind/routing metadata. It is the re-send-path
// counterpart to Parse; returns false if payload is not a recognizable XML
// element.
func ParsePersisted(payload []byte) (message.Message, bool) {
	m, err := parseXML(payload)
	if err != nil {
		return message.Message{}, false
	}
	return m, true
}

// Emit returns the wire-form bytes for `m`. Messages produced by Parse
// already carry their final Payload, so Emit is simply an accessor --
// kept as a named operation to match spec.md §4.1's contract and to give
// adapters a single place to call when re-serializing a Message built by
// hand (e.g. in tests).
func Emit(m message.Message) []byte {
	return m.Payload
}

// EmitBatch aggregates a slice of `perf` messages into a single `perfs`
// envelope, the inverse of UnwrapBatch, grounded on the same batching note
// in spec.md §4.3. Callers are responsible for ensuring every member is
// message.KindPerf; EmitBatch does not validate this.
func EmitBatch(members []message.Message) message.Message {
	return message.Message{
		Payload:    emitPerfsBatch(members),
		Kind:       message.KindPerfs,
		Persistent: true,
	}
}

// UnwrapBatch unwraps a `perfs` aggregate message into its individual
// `perf` members, preserving order, per spec.md §4.3's batching note and
// grounded on original_source/forwarder.py's
// PubSubListener.itemsReceived batch-unwrapping loop. Returns false if
// `m` is not a perfs aggregate.
func UnwrapBatch(m message.Message) ([]message.Message, bool) {
	if m.Kind != message.KindPerfs {
		return nil, false
	}
	parts, err := parsePerfsBatch(m.Payload)
	if err != nil {
		return nil, false
	}
	return parts, true
}
