package room

// Engine wires one Registry to the components that act on it.
type Engine struct {
	Bus        *Bus
	Registry   *Registry
	Relay      *Relay
	Keyframes  *KeyframeCoordinator
	Negotiator *Negotiator
}

func NewEngine(opts Options, factory SessionFactory) *Engine {
	bus := NewBus()
	reg := NewRegistry(opts, bus)
	relay := NewRelay(reg)
	keyframes := NewKeyframeCoordinator(reg)
	return &Engine{
		Bus:        bus,
		Registry:   reg,
		Relay:      relay,
		Keyframes:  keyframes,
		Negotiator: NewNegotiator(reg, relay, keyframes, factory),
	}
}
