package events

import "sync"

// Event represents a structured state change emitted by the lending engine.
type Event interface {
	EventType() string
}

// Record is the flattened, transport-friendly form of an event.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Recordable events know how to flatten themselves into a Record.
type Recordable interface {
	Event
	Event() *Record
}

// ToRecord flattens ev. Events without a Record form only carry their type.
func ToRecord(ev Event) *Record {
	if ev == nil {
		return nil
	}
	if r, ok := ev.(Recordable); ok {
		return r.Event()
	}
	return &Record{Type: ev.EventType(), Attributes: map[string]string{}}
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans an event out to every wrapped emitter in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// Bus is an in-process broadcaster. Slow subscribers drop events rather than
// block the emitter.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan *Record
	nextID uint64
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[uint64]chan *Record), buffer: buffer}
}

// Subscribe registers a listener. The returned cancel func closes the channel.
func (b *Bus) Subscribe() (<-chan *Record, func()) {
	ch := make(chan *Record, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Emit(ev Event) {
	rec := ToRecord(ev)
	if rec == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}
