package emit

// NullEmitter discards all events. It is the default when no emitter is
// configured.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (NullEmitter) Emit(Event) {}
