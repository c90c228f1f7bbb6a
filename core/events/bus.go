package events

import (
	"context"
	"sync"
	"time"

	"veilescrow/core/types"
)

const defaultBusHistory = 1024

// typedEvent is implemented by events that carry a canonical payload.
type typedEvent interface {
	Event() *types.Event
}

// Envelope is a sequenced copy of an emitted event.
type Envelope struct {
	Sequence  uint64       `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
	Event     *types.Event `json:"event"`
}

type subscriber struct {
	ch      chan Envelope
	dropped uint64
}

// Bus assigns a global sequence to every emitted event, keeps a bounded history
// for polling clients and fans events out to live subscribers. Slow
// subscribers lose events instead of stalling the emitter.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	history []Envelope
	start   int
	size    int
	subs    map[*subscriber]struct{}
	nowFn   func() time.Time
	dropped uint64
}

// NewBus creates a bus retaining up to history events. Non-positive values use
// the default capacity.
func NewBus(history int) *Bus {
	if history <= 0 {
		history = defaultBusHistory
	}
	return &Bus{
		history: make([]Envelope, history),
		subs:    make(map[*subscriber]struct{}),
		nowFn:   time.Now,
	}
}

// Emit implements the Emitter interface.
func (b *Bus) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	payload := &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	if typed, ok := evt.(typedEvent); ok && typed.Event() != nil {
		payload = cloneEvent(typed.Event())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	env := Envelope{Sequence: b.seq, Timestamp: b.nowFn().UTC(), Event: payload}
	b.push(env)
	for sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			sub.dropped++
			b.dropped++
		}
	}
}

func (b *Bus) push(env Envelope) {
	capacity := len(b.history)
	if b.size < capacity {
		b.history[(b.start+b.size)%capacity] = env
		b.size++
		return
	}
	b.history[b.start] = env
	b.start = (b.start + 1) % capacity
}

// Since returns up to limit retained events with a sequence greater than after.
func (b *Bus) Since(after uint64, limit int) []Envelope {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinceLocked(after, limit)
}

func (b *Bus) sinceLocked(after uint64, limit int) []Envelope {
	out := make([]Envelope, 0)
	capacity := len(b.history)
	for i := 0; i < b.size; i++ {
		env := b.history[(b.start+i)%capacity]
		if env.Sequence <= after {
			continue
		}
		out = append(out, env)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Latest returns the sequence of the most recent event.
func (b *Bus) Latest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Dropped reports how many deliveries were discarded because a subscriber was
// not keeping up.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribe registers a live subscriber. The returned backlog holds retained
// events newer than after; live events follow on the channel until ctx is done
// or cancel is called.
func (b *Bus) Subscribe(ctx context.Context, after uint64, buffer int) (<-chan Envelope, func(), []Envelope) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Envelope, buffer)}
	b.mu.Lock()
	backlog := b.sinceLocked(after, 0)
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.subs, sub)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.ch, cancel, backlog
}

func cloneEvent(evt *types.Event) *types.Event {
	clone := &types.Event{Type: evt.Type, Attributes: make(map[string]string, len(evt.Attributes))}
	for k, v := range evt.Attributes {
		clone.Attributes[k] = v
	}
	return clone
}
