package remote

import (
	"encoding/json"

	"github.com/peatedapp/peated-core/internal/errors"
)

// Wire decoding shared by the HTTP transport and the FFI bridge. Both
// speak the same JSON shapes; only the carrier differs.

// DecodePage parses the wire form of a feed page. Items are full
// server objects carrying their own id; an item without one fails the
// page rather than storing an unaddressable record.
func DecodePage(data []byte) (*Page, error) {
	var wire struct {
		Items      []json.RawMessage `json:"items"`
		NextCursor string            `json:"next_cursor"`
		HasMore    bool              `json:"has_more"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "malformed feed page", err)
	}

	page := &Page{
		Items:      make([]Item, 0, len(wire.Items)),
		NextCursor: wire.NextCursor,
		HasMore:    wire.HasMore,
	}
	for _, raw := range wire.Items {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.ID == "" {
			return nil, errors.New(errors.ErrInvalid, "feed item missing id")
		}
		page.Items = append(page.Items, Item{ID: head.ID, Payload: raw})
	}
	return page, nil
}

// DecodeItem parses a single record body, trusting the requested id
// when the body omits one.
func DecodeItem(id string, data []byte) (*Item, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "malformed record", err)
	}
	if head.ID == "" {
		head.ID = id
	}
	return &Item{ID: head.ID, Payload: data}, nil
}

// DecodeAck parses a mutation acknowledgement. An explicit JSON null
// payload counts as absent, not as authoritative record state.
func DecodeAck(data []byte) (*Ack, error) {
	var wire struct {
		Payload    json.RawMessage `json:"payload"`
		Toasted    *bool           `json:"toasted"`
		ToastCount *int64          `json:"toast_count"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "malformed acknowledgement", err)
	}
	if string(wire.Payload) == "null" {
		wire.Payload = nil
	}
	return &Ack{Payload: wire.Payload, Toasted: wire.Toasted, ToastCount: wire.ToastCount}, nil
}
