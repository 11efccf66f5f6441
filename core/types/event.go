package types

// Event represents a typed notification emitted by a successful ledger
// operation. Attributes are flat string pairs so downstream consumers
// (RPC stream, gateway, indexer) can decode them without schema coupling.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Copy returns a detached copy of the event so emitters can hand it to
// multiple consumers without sharing the attribute map.
func (e *Event) Copy() *Event {
	if e == nil {
		return nil
	}
	clone := &Event{Type: e.Type, Attributes: make(map[string]string, len(e.Attributes))}
	for k, v := range e.Attributes {
		clone.Attributes[k] = v
	}
	return clone
}
