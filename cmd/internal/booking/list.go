package booking

import "sync"

// Ticket identifies one optimistic removal awaiting server confirmation.
type Ticket uint64

type removal struct {
	item  Booking
	index int
}

// List is a visible booking list that supports removing an item before the
// server confirms the change, and restoring it if the server rejects it.
type List struct {
	mu      sync.Mutex
	items   []Booking
	pending map[Ticket]removal
	next    Ticket
}

func NewList(items []Booking) *List {
	return &List{
		items:   append([]Booking(nil), items...),
		pending: make(map[Ticket]removal),
	}
}

// Items returns a copy of the visible items.
func (l *List) Items() []Booking {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Booking(nil), l.items...)
}

// Replace swaps in a fresh server list. Pending removals are forgotten.
func (l *List) Replace(items []Booking) {
	l.mu.Lock()
	l.items = append([]Booking(nil), items...)
	clear(l.pending)
	l.mu.Unlock()
}

// Set updates the visible copy of b in place, if present.
func (l *List) Set(b Booking) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == b.ID {
			l.items[i] = b
			return true
		}
	}
	return false
}

// OptimisticRemove hides the booking with id and returns a ticket for
// Confirm or Reject.
func (l *List) OptimisticRemove(id string) (Ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, b := range l.items {
		if b.ID != id {
			continue
		}
		l.items = append(l.items[:i:i], l.items[i+1:]...)
		l.next++
		l.pending[l.next] = removal{item: b, index: i}
		return l.next, true
	}
	return 0, false
}

// Confirm makes a removal permanent.
func (l *List) Confirm(t Ticket) {
	l.mu.Lock()
	delete(l.pending, t)
	l.mu.Unlock()
}

// Reject puts the removed item back at its original position, or at the end
// when the list has since shrunk.
func (l *List) Reject(t Ticket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.pending[t]
	if !ok {
		return false
	}
	delete(l.pending, t)

	idx := min(r.index, len(l.items))
	l.items = append(l.items[:idx:idx], append([]Booking{r.item}, l.items[idx:]...)...)
	return true
}

// Pending reports how many removals await confirmation.
func (l *List) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
