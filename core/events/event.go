package events

import "escrowd/core/types"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// Engines default to it so event wiring stays optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder buffers emitted events in order so a caller can publish them
// only after the surrounding state transaction commits. Events emitted by
// an operation that later fails are simply dropped with the recorder.
type Recorder struct {
	events []*types.Event
}

// NewRecorder returns an empty event recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements the Emitter interface. Events that cannot surface a
// payload are ignored.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	provider, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	payload := provider.Event()
	if payload == nil {
		return
	}
	r.events = append(r.events, payload.Copy())
}

// Events returns the buffered events in emission order.
func (r *Recorder) Events() []*types.Event {
	if r == nil {
		return nil
	}
	return r.events
}
