package voting

import (
	"encoding/json"
	"fmt"
)

// DecodeEvent parses an outbox payload written by CompareAndSetStatusWithEvent.
func DecodeEvent(payload []byte) (CompletionEvent, error) {
	var ev CompletionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return CompletionEvent{}, fmt.Errorf("voting: decode completion event: %w", err)
	}
	if ev.ItemID == "" {
		return CompletionEvent{}, fmt.Errorf("voting: completion event without item id")
	}
	if _, err := ParseItemType(string(ev.ItemType)); err != nil {
		return CompletionEvent{}, err
	}
	if !ev.ItemType.Accepts(ev.Outcome) {
		return CompletionEvent{}, fmt.Errorf("voting: outcome %q does not belong to %s", ev.Outcome, ev.ItemType)
	}
	return ev, nil
}

// Key identifies the item an event belongs to.
func (ev CompletionEvent) Key() string {
	return string(ev.ItemType) + ":" + ev.ItemID
}
