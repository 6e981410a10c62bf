package payment

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-orders/internal/domain/order"
)

// DecodeEvent extracts the fields the order service needs from a gateway
// event. Unknown fields are skipped.
func DecodeEvent(payload []byte) (*order.PaymentEvent, error) {
	ev := &order.PaymentEvent{}
	d := jx.DecodeBytes(payload)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			return readStr(d, &ev.ID)
		case "type":
			return readStr(d, &ev.Type)
		case "data":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) != "object" {
					return d.Skip()
				}
				return decodeSessionObject(d, ev)
			})
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}

	if ev.Type == "" {
		return nil, errors.New("event type is missing")
	}
	return ev, nil
}

func decodeSessionObject(d *jx.Decoder, ev *order.PaymentEvent) error {
	if d.Next() != jx.Object {
		return d.Skip()
	}
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			return readStr(d, &ev.SessionID)
		case "client_reference_id":
			return readStr(d, &ev.ClientReferenceID)
		case "metadata":
			return decodeMetadata(d, ev)
		default:
			return d.Skip()
		}
	})
}

func decodeMetadata(d *jx.Decoder, ev *order.PaymentEvent) error {
	if d.Next() != jx.Object {
		return d.Skip()
	}
	meta := make(map[string]string)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if d.Next() != jx.String {
			return d.Skip()
		}
		v, err := d.Str()
		if err != nil {
			return err
		}
		meta[key] = v
		return nil
	}); err != nil {
		return err
	}
	ev.Metadata = meta
	return nil
}

// readStr reads a string or null into dst.
func readStr(d *jx.Decoder, dst *string) error {
	switch d.Next() {
	case jx.Null:
		return d.Null()
	case jx.String:
		v, err := d.Str()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	default:
		return d.Skip()
	}
}
