package event

// KeepEvents is the number of recent bet events retained in contract state.
const KeepEvents = 32

// History is a bounded, append-only log of recent bet events.
// Oldest entries are evicted first once capacity is exceeded.
// Not thread-safe; only accessed from the single-threaded engine loop.
type History struct {
	capacity int
	events   []BetEvent

	evictions int64
}

func NewHistory() *History {
	return NewHistoryWithCapacity(KeepEvents)
}

func NewHistoryWithCapacity(capacity int) *History {
	return &History{
		capacity: capacity,
		events:   make([]BetEvent, 0, capacity+1),
	}
}

// Record appends e, evicting the oldest entry past capacity.
func (h *History) Record(e BetEvent) {
	h.events = append(h.events, e)
	if len(h.events) > h.capacity {
		h.evictOldest()
	}
}

func (h *History) evictOldest() {
	copy(h.events, h.events[1:])
	h.events = h.events[:len(h.events)-1]
	h.evictions++
}

// List returns a copy, oldest first.
func (h *History) List() []BetEvent {
	out := make([]BetEvent, len(h.events))
	copy(out, h.events)
	return out
}

// Restore replaces the contents with events, keeping only the most recent capacity entries.
func (h *History) Restore(events []BetEvent) {
	h.events = h.events[:0]
	for _, e := range events {
		h.Record(e)
	}
	h.evictions = 0
}

// Evictions returns total evictions since creation or last Restore (for metrics).
func (h *History) Evictions() int64 {
	return h.evictions
}
