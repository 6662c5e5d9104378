package timeline

import (
	"sync"

	"concierge-sync/internal/domain"
)

// Merge appends incoming to timeline unless a message with the same id is
// already present, in which case timeline is returned unchanged. Arrivals are
// assumed to be in commit order; nothing is resequenced.
func Merge(timeline []domain.Message, incoming domain.Message) []domain.Message {
	if indexOf(timeline, incoming.ID) >= 0 {
		return timeline
	}
	return append(timeline, incoming)
}

func indexOf(msgs []domain.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func indexOfCorrelation(msgs []domain.Message, correlationID string, sender domain.Sender) int {
	if correlationID == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].CorrelationID == correlationID && msgs[i].Sender == sender {
			return i
		}
	}
	return -1
}

// Timeline is the client-local message list for one conversation. Optimistic
// inserts, persistence acks, realtime deliveries and fallback replies all
// mutate it from different goroutines; each mutation is atomic but their
// relative order is whatever order they resolve in.
type Timeline struct {
	mu       sync.Mutex
	msgs     []domain.Message
	closed   bool
	onChange func([]domain.Message)
}

// New seeds a timeline from loaded history, dropping repeated ids.
func New(history []domain.Message) *Timeline {
	t := &Timeline{}
	for _, m := range history {
		t.msgs = Merge(t.msgs, m)
	}
	return t
}

// OnChange registers fn to receive a snapshot after every effective mutation.
// fn runs outside the lock on the mutating goroutine.
func (t *Timeline) OnChange(fn func([]domain.Message)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Append is the optimistic insert.
func (t *Timeline) Append(m domain.Message) bool {
	return t.mutate(func(msgs []domain.Message) ([]domain.Message, bool) {
		next := Merge(msgs, m)
		return next, len(next) != len(msgs)
	})
}

// Apply merges a realtime delivery. Beyond the id check, a message whose
// correlation id and sender match an existing entry is not appended again; if
// the existing entry is temporary or local and the delivery is canonical, the
// delivery takes its place.
func (t *Timeline) Apply(m domain.Message) bool {
	return t.mutate(func(msgs []domain.Message) ([]domain.Message, bool) {
		if indexOf(msgs, m.ID) >= 0 {
			return msgs, false
		}
		if i := indexOfCorrelation(msgs, m.CorrelationID, m.Sender); i >= 0 {
			if !msgs[i].IsCanonical() && m.IsCanonical() {
				msgs[i] = m
				return msgs, true
			}
			return msgs, false
		}
		return append(msgs, m), true
	})
}

// Reconcile swaps the temporary entry tempID for its canonical record in
// place. If the canonical record already arrived by another path the
// temporary entry is dropped instead, so the two never coexist.
func (t *Timeline) Reconcile(tempID string, canonical domain.Message) bool {
	return t.mutate(func(msgs []domain.Message) ([]domain.Message, bool) {
		ti := indexOf(msgs, tempID)
		if indexOf(msgs, canonical.ID) >= 0 {
			if ti < 0 {
				return msgs, false
			}
			return append(msgs[:ti], msgs[ti+1:]...), true
		}
		if ti >= 0 {
			msgs[ti] = canonical
			return msgs, true
		}
		next := Merge(msgs, canonical)
		return next, len(next) != len(msgs)
	})
}

// AppendReply appends a synthesized reply unless its correlation id has
// already been claimed by an entry from the same sender.
func (t *Timeline) AppendReply(m domain.Message) bool {
	return t.mutate(func(msgs []domain.Message) ([]domain.Message, bool) {
		if indexOf(msgs, m.ID) >= 0 || indexOfCorrelation(msgs, m.CorrelationID, m.Sender) >= 0 {
			return msgs, false
		}
		return append(msgs, m), true
	})
}

// AppendIfNoConciergeText appends m unless a concierge message with identical
// text is already present. Two distinct replies with the same text collapse
// into one.
func (t *Timeline) AppendIfNoConciergeText(m domain.Message) bool {
	return t.mutate(func(msgs []domain.Message) ([]domain.Message, bool) {
		for i := range msgs {
			if msgs[i].Sender == domain.SenderConcierge && msgs[i].Text == m.Text {
				return msgs, false
			}
		}
		return append(msgs, m), true
	})
}

// Snapshot returns a copy of the current entries.
func (t *Timeline) Snapshot() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// Close freezes the timeline; later mutations are ignored.
func (t *Timeline) Close() {
	t.mu.Lock()
	t.closed = true
	t.onChange = nil
	t.mu.Unlock()
}

func (t *Timeline) snapshotLocked() []domain.Message {
	out := make([]domain.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Timeline) mutate(fn func([]domain.Message) ([]domain.Message, bool)) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	next, changed := fn(t.msgs)
	if !changed {
		t.mu.Unlock()
		return false
	}
	t.msgs = next
	notify := t.onChange
	var snap []domain.Message
	if notify != nil {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if notify != nil {
		notify(snap)
	}
	return true
}
