package codec

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"go.vigilo.io/connector/message"
)

func emitEvent(timestamp, host, service, state, msg string) []byte {
	return emitLeafElement(string(message.KindEvent), message.KindEvent.Namespace(), []kv{
		{"timestamp", timestamp}, {"host", host}, {"service", service},
		{"state", state}, {"message", msg},
	})
}

func emitPerf(timestamp, host, datasource, value string) []byte {
	return emitLeafElement(string(message.KindPerf), message.KindPerf.Namespace(), []kv{
		{"timestamp", timestamp}, {"host", host}, {"datasource", datasource}, {"value", value},
	})
}

func emitDowntime(timestamp, host, service, kind, author, comment string) []byte {
	return emitLeafElement(string(message.KindDowntime), message.KindDowntime.Namespace(), []kv{
		{"timestamp", timestamp}, {"host", host}, {"service", service},
		{"type", kind}, {"author", author}, {"comment", comment},
	})
}

func emitCommand(cmdType, body string) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf(`<command xmlns=%q type=%q>`, message.KindCommand.Namespace(), cmdType))
	xml.EscapeText(&buf, []byte(body))
	buf.WriteString(`</command>`)
	return buf.Bytes()
}

func emitOneToOne(recipient string, nested []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf(`<oneToOne to=%q>`, recipient))
	buf.Write(nested)
	buf.WriteString(`</oneToOne>`)
	return buf.Bytes()
}

func emitPerfsBatch(members []message.Message) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf(`<perfs xmlns=%q>`, message.KindPerf.Namespace()))
	for _, m := range members {
		buf.Write(m.Payload)
	}
	buf.WriteString(`</perfs>`)
	return buf.Bytes()
}

type kv struct {
	key, value string
}

func emitLeafElement(name, namespace string, fields []kv) []byte {
	var buf bytes.Buffer
	if namespace != "" {
		buf.WriteString(fmt.Sprintf(`<%s xmlns=%q>`, name, namespace))
	} else {
		buf.WriteString(fmt.Sprintf(`<%s>`, name))
	}
	for _, f := range fields {
		buf.WriteString(fmt.Sprintf(`<%s>`, f.key))
		xml.EscapeText(&buf, []byte(f.value))
		buf.WriteString(fmt.Sprintf(`</%s>`, f.key))
	}
	buf.WriteString(fmt.Sprintf(`</%s>`, name))
	return buf.Bytes()
}

// element is a minimal generic XML tree node used to parse already-
// serialized lines (those starting with '<') without knowing their kind
// ahead of time.
type element struct {
	Name     string
	Attrs    map[string]string
	Children []element
	Text     string
}

func parseXML(data []byte) (message.Message, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	el, err := decodeElement(dec, nil)
	if err != nil {
		return message.Message{}, err
	}
	return elementToMessage(*el, data)
}

// decodeElement reads the next start element (optionally the one already
// consumed as `start`) and recursively decodes its children.
func decodeElement(dec *xml.Decoder, start *xml.StartElement) (*element, error) {
	var tok xml.Token
	var err error
	if start == nil {
		for {
			tok, err = dec.Token()
			if err != nil {
				return nil, err
			}
			if se, ok := tok.(xml.StartElement); ok {
				start = &se
				break
			}
		}
	}

	el := &element{Name: start.Name.Local, Attrs: map[string]string{}}
	for _, a := range start.Attr {
		el.Attrs[a.Name.Local] = a.Value
	}

	var text bytes.Buffer
	for {
		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(dec, &t)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, *child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			el.Text = text.String()
			return el, nil
		}
	}
}

func elementToMessage(el element, raw []byte) (message.Message, error) {
	switch message.Kind(el.Name) {
	case message.KindOneToOne:
		if len(el.Children) != 1 {
			return message.Message{}, fmt.Errorf("oneToOne element requires exactly one nested child")
		}
		if _, err := xml.Marshal(rawElement{el.Children[0]}); err != nil {
			return message.Message{}, err
		}
		return message.Message{
			Payload:    raw,
			Kind:       message.KindOneToOne,
			Recipient:  el.Attrs["to"],
			Persistent: true,
		}, nil
	case message.KindEvent, message.KindPerf, message.KindDowntime, message.KindState, message.KindAggr:
		return message.Message{Payload: raw, Kind: message.Kind(el.Name), Persistent: true}, nil
	case message.KindCommand:
		return message.Message{Payload: raw, Kind: message.KindCommand, Persistent: true}, nil
	case message.KindPerfs:
		return message.Message{Payload: raw, Kind: message.KindPerfs, Persistent: true}, nil
	default:
		return message.Message{}, fmt.Errorf("unknown element %q", el.Name)
	}
}

// rawElement lets us re-marshal a parsed nested element back into bytes
// without knowing its concrete schema; only used to round-trip oneToOne
// payloads that were already decoded generically.
type rawElement struct {
	el element
}

func (r rawElement) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: r.el.Name}}
	for k, v := range r.el.Attrs {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: k}, Value: v})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, c := range r.el.Children {
		if err := enc.Encode(rawElement{c}); err != nil {
			return err
		}
	}
	if r.el.Text != "" {
		if err := enc.EncodeToken(xml.CharData(r.el.Text)); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: start.Name})
}

func parsePerfsBatch(data []byte) ([]message.Message, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	root, err := decodeElement(dec, nil)
	if err != nil {
		return nil, err
	}
	if message.Kind(root.Name) != message.KindPerfs {
		return nil, fmt.Errorf("not a perfs batch")
	}
	var out []message.Message
	for _, c := range root.Children {
		if message.Kind(c.Name) != message.KindPerf {
			continue
		}
		b, err := xml.Marshal(rawElement{c})
		if err != nil {
			return nil, err
		}
		out = append(out, message.Message{Payload: b, Kind: message.KindPerf, Persistent: true})
	}
	return out, nil
}
