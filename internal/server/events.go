package server

import (
	"sync"
	"time"

	"github.com/audiolibrelab/fairrecord/internal/audio"
	"github.com/audiolibrelab/fairrecord/internal/track"
)

const subscriberBuffer = 32

// broadcaster fans values out to subscribers. Slow subscribers miss values instead of blocking publish.
type broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	closed bool
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[chan T]struct{})}
}

// subscribe returns a channel of published values and a func that releases it
func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	ch := make(chan T, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// LevelEvent is one level sample as sent to clients. Silence is reported at the floor.
type LevelEvent struct {
	Track     string    `json:"track"`
	Block     uint64    `json:"block"`
	DB        float64   `json:"db"`
	Percent   float64   `json:"percent"`
	Zone      string    `json:"zone"`
	Timestamp time.Time `json:"timestamp"`
}

func newLevelEvent(id string, sample audio.LevelSample) LevelEvent {
	db := sample.Clamped()
	return LevelEvent{
		Track:     id,
		Block:     sample.Block,
		DB:        db,
		Percent:   audio.LevelPercent(db),
		Zone:      string(audio.LevelZone(db)),
		Timestamp: sample.Timestamp,
	}
}

// TrackEvent announces a change to the track set
type TrackEvent struct {
	Type  string           `json:"type"` // "added", "removed"
	ID    string           `json:"id"`
	Track *track.TrackInfo `json:"track,omitempty"`
}

type levelSource func(id string) (<-chan audio.LevelSample, error)

// levelHub reads each track's single-consumer level stream once and fans it out.
// A pump starts on the first subscription and ends when the track's stream closes.
type levelHub struct {
	source levelSource

	mu    sync.Mutex
	pumps map[string]*broadcaster[LevelEvent]
}

func newLevelHub(source levelSource) *levelHub {
	return &levelHub{source: source, pumps: make(map[string]*broadcaster[LevelEvent])}
}

func (h *levelHub) subscribe(id string) (<-chan LevelEvent, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.pumps[id]; ok {
		ch, cancel := b.subscribe()
		return ch, cancel, nil
	}

	levels, err := h.source(id)
	if err != nil {
		return nil, nil, err
	}
	b := newBroadcaster[LevelEvent]()
	h.pumps[id] = b
	// Subscribe before the pump runs so the first buffered sample is not lost
	ch, cancel := b.subscribe()
	go h.pump(id, b, levels)
	return ch, cancel, nil
}

func (h *levelHub) pump(id string, b *broadcaster[LevelEvent], levels <-chan audio.LevelSample) {
	for sample := range levels {
		b.publish(newLevelEvent(id, sample))
	}

	h.mu.Lock()
	if h.pumps[id] == b {
		delete(h.pumps, id)
	}
	h.mu.Unlock()
	b.close()
}
