package booking

import (
	"log/slog"
	"sync"
)

type EventKind int

const (
	EventStatus EventKind = iota + 1
	EventMessage
)

// Event is a realtime event scoped to one booking.
type Event struct {
	Kind    EventKind
	Status  Status
	Message ChatMessage
}

func StatusEvent(s Status) Event       { return Event{Kind: EventStatus, Status: s} }
func MessageEvent(m ChatMessage) Event { return Event{Kind: EventMessage, Message: m} }

// Outcome is what applying an event did to the held state.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeNoop     Outcome = "noop"
	OutcomeRejected Outcome = "rejected"
	OutcomeBuffered Outcome = "buffered"
	OutcomeInvalid  Outcome = "invalid"
)

type SyncOptions struct {
	Logger *slog.Logger

	// DedupByClientID drops a message whose client id was already seen.
	// Messages without a client id are always appended.
	DedupByClientID bool
}

// Sync is the merged view of one booking: the REST snapshot advanced by
// realtime status announcements, and the chat log.
//
// Status events that arrive before the first snapshot are held back; only the
// most recent one is kept and it is replayed once the snapshot lands. Chat
// messages are never reordered: the REST history batch always precedes the
// messages received live, each group in arrival order.
type Sync struct {
	id    string
	log   *slog.Logger
	dedup bool

	mu          sync.Mutex
	booking     Booking
	hasSnapshot bool
	pending     *Event
	history     []ChatMessage
	live        []ChatMessage
	seen        map[string]struct{}
}

func NewSync(bookingID string, opts SyncOptions) *Sync {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Sync{
		id:    bookingID,
		log:   log.With("booking_id", bookingID),
		dedup: opts.DedupByClientID,
		seen:  make(map[string]struct{}),
	}
}

func (s *Sync) ID() string { return s.id }

// ApplySnapshot installs a REST snapshot and replays a buffered status
// event, if any. It returns the replay outcome, or "" when nothing was
// buffered.
func (s *Sync) ApplySnapshot(b Booking) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.booking = b
	s.hasSnapshot = true

	if s.pending == nil {
		return ""
	}
	ev := *s.pending
	s.pending = nil
	out := s.applyStatusLocked(ev.Status)
	s.log.Debug("booking.event.replay", "status", string(ev.Status), "outcome", string(out))
	return out
}

// ApplyRealtimeEvent merges ev. Re-applying the same status is a no-op and a
// status that cannot follow the held one is ignored.
func (s *Sync) ApplyRealtimeEvent(ev Event) Outcome {
	switch ev.Kind {
	case EventMessage:
		return s.AppendMessage(ev.Message)
	case EventStatus:
	default:
		return OutcomeInvalid
	}

	if !ev.Status.Valid() {
		s.log.Warn("booking.event.invalid", "status", string(ev.Status))
		return OutcomeInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasSnapshot {
		if s.pending != nil {
			s.log.Debug("booking.event.buffer_replace", "dropped", string(s.pending.Status), "kept", string(ev.Status))
		}
		cp := ev
		s.pending = &cp
		return OutcomeBuffered
	}
	return s.applyStatusLocked(ev.Status)
}

func (s *Sync) applyStatusLocked(to Status) Outcome {
	from := s.booking.Status
	switch {
	case from == to:
		return OutcomeNoop
	case !from.Valid():
		// Nothing to check against; take the server's word.
		s.booking.Status = to
		return OutcomeApplied
	case Reachable(from, to):
		s.booking.Status = to
		return OutcomeApplied
	default:
		s.log.Warn("booking.event.unreachable", "from", string(from), "to", string(to))
		return OutcomeRejected
	}
}

// AppendMessage appends m to the live log.
func (s *Sync) AppendMessage(m ChatMessage) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dedup && m.ClientMsgID != "" {
		if _, ok := s.seen[m.ClientMsgID]; ok {
			return OutcomeNoop
		}
		s.seen[m.ClientMsgID] = struct{}{}
	}
	s.live = append(s.live, m)
	return OutcomeApplied
}

// SetHistory installs the REST chat batch ahead of any live messages.
func (s *Sync) SetHistory(msgs []ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append([]ChatMessage(nil), msgs...)
	if !s.dedup {
		return
	}
	for _, m := range s.history {
		if m.ClientMsgID != "" {
			s.seen[m.ClientMsgID] = struct{}{}
		}
	}
}

// Booking returns the merged booking and whether a snapshot has arrived.
func (s *Sync) Booking() (Booking, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.booking, s.hasSnapshot
}

func (s *Sync) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.booking.Status
}

// Terminal reports whether the merged booking can no longer change.
func (s *Sync) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasSnapshot && s.booking.Status.Terminal()
}

// Messages returns the history batch followed by live messages.
func (s *Sync) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, 0, len(s.history)+len(s.live))
	out = append(out, s.history...)
	return append(out, s.live...)
}
