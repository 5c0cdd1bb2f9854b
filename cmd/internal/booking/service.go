package booking

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"triptask/cmd/internal/realtime"
	v1 "triptask/shared/contracts/realtime/v1"
)

// Realtime is the part of the realtime client a booking view needs.
type Realtime interface {
	JoinRoom(ctx context.Context, bookingID string, h realtime.Handler) error
	LeaveRoom(ctx context.Context, bookingID string) error
}

type Metrics interface {
	ObserveBookingEvent(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveBookingEvent(string) {}

type ServiceOptions struct {
	API      *API
	Chat     *ChatAPI
	Realtime Realtime
	Logger   *slog.Logger
	Metrics  Metrics

	// DedupByClientID is passed to every Sync the service creates.
	DedupByClientID bool
}

// Service ties the Booking API, the chat API and the realtime channel
// together for booking views.
type Service struct {
	api     *API
	chat    *ChatAPI
	rt      Realtime
	log     *slog.Logger
	metrics Metrics
	dedup   bool
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.API == nil || opts.Chat == nil || opts.Realtime == nil {
		return nil, errors.New("booking: api, chat and realtime are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Service{
		api:     opts.API,
		chat:    opts.Chat,
		rt:      opts.Realtime,
		log:     opts.Logger,
		metrics: opts.Metrics,
		dedup:   opts.DedupByClientID,
	}, nil
}

// Listener receives changes to a watched booking. Nil funcs are skipped.
// Calls for one booking never overlap. OnSnapshot comes first, followed by
// OnMessage for the chat history and for any message that arrived before
// the snapshot; each message is delivered once.
type Listener struct {
	OnSnapshot func(Booking)
	OnStatus   func(Booking)
	OnMessage  func(ChatMessage)
}

// Subscription is one open booking view.
type Subscription struct {
	id    string
	state *Sync
	rt    Realtime
	log   *slog.Logger

	// mu serializes listener calls between the realtime handler and Watch.
	// Until ready, live messages only reach the Sync.
	mu       sync.Mutex
	listener Listener
	ready    bool

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) BookingID() string { return s.id }

func (s *Subscription) Sync() *Sync { return s.state }

// Done is closed once the subscription ends, either through Close or
// because the booking reached a terminal status.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close leaves the booking's room. It is idempotent.
func (s *Subscription) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.rt.LeaveRoom(ctx, s.id)
		close(s.done)
		s.log.Debug("booking.watch.close", "status", string(s.state.Status()))
	})
	return err
}

// Watch opens a booking view: it joins the booking's room first so no event
// is lost, then fetches the snapshot and the chat history in parallel. A
// status event that beats the snapshot is replayed once the snapshot lands.
// A realtime failure leaves the view REST-only; a snapshot failure is
// returned.
func (s *Service) Watch(ctx context.Context, bookingID string, l Listener) (*Subscription, error) {
	log := s.log.With("booking_id", bookingID)
	sub := &Subscription{
		id:       bookingID,
		state:    NewSync(bookingID, SyncOptions{Logger: s.log, DedupByClientID: s.dedup}),
		rt:       s.rt,
		log:      log,
		listener: l,
		done:     make(chan struct{}),
	}

	if err := s.rt.JoinRoom(ctx, bookingID, s.handler(sub)); err != nil {
		log.Warn("booking.watch.join.fail", "err", err)
	}

	var (
		snapshot Booking
		history  []ChatMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := s.api.Get(gctx, bookingID)
		if err != nil {
			return err
		}
		snapshot = b
		return nil
	})
	g.Go(func() error {
		msgs, err := s.chat.History(gctx, bookingID)
		if err != nil {
			if gctx.Err() == nil {
				log.Warn("booking.watch.history.fail", "err", err)
			}
			return nil
		}
		history = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		_ = sub.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	sub.state.SetHistory(history)

	sub.mu.Lock()
	if out := sub.state.ApplySnapshot(snapshot); out != "" {
		s.metrics.ObserveBookingEvent(string(out))
	}
	b, _ := sub.state.Booking()
	if sub.listener.OnSnapshot != nil {
		sub.listener.OnSnapshot(b)
	}
	if sub.listener.OnMessage != nil {
		for _, m := range sub.state.Messages() {
			sub.listener.OnMessage(m)
		}
	}
	sub.ready = true
	sub.mu.Unlock()

	if sub.state.Terminal() {
		_ = sub.Close(context.WithoutCancel(ctx))
	}
	return sub, nil
}

func (s *Service) handler(sub *Subscription) realtime.Handler {
	return func(ev realtime.Event) {
		var be Event
		switch ev.Type {
		case v1.TypeStatusUpdate:
			var p v1.StatusUpdatePayload
			if err := ev.Decode(&p); err != nil {
				sub.log.Warn("booking.event.decode.fail", "type", ev.Type, "err", err)
				return
			}
			be = StatusEvent(Status(p.Status))
		case v1.TypeNewMessage:
			var p v1.NewMessagePayload
			if err := ev.Decode(&p); err != nil {
				sub.log.Warn("booking.event.decode.fail", "type", ev.Type, "err", err)
				return
			}
			be = MessageEvent(MessageFromPayload(p))
		default:
			return
		}

		sub.mu.Lock()
		out := sub.state.ApplyRealtimeEvent(be)
		s.metrics.ObserveBookingEvent(string(out))
		if out == OutcomeApplied {
			switch be.Kind {
			case EventStatus:
				if sub.listener.OnStatus != nil {
					b, _ := sub.state.Booking()
					sub.listener.OnStatus(b)
				}
			case EventMessage:
				if sub.ready && sub.listener.OnMessage != nil {
					sub.listener.OnMessage(be.Message)
				}
			}
		}
		sub.mu.Unlock()

		// Leave from another goroutine: the handler runs on the realtime
		// dispatch loop.
		if sub.state.Terminal() {
			go func() { _ = sub.Close(context.Background()) }()
		}
	}
}

// Cancel removes the booking from l before the server confirms, and puts it
// back if the server refuses.
func (s *Service) Cancel(ctx context.Context, l *List, id string) error {
	t, hidden := l.OptimisticRemove(id)
	if err := s.api.Cancel(ctx, id); err != nil {
		if hidden {
			l.Reject(t)
		}
		s.log.Info("booking.cancel.rejected", "booking_id", id, "err", err)
		return err
	}
	if hidden {
		l.Confirm(t)
	}
	return nil
}

// Accept takes b off a rider's available list optimistically.
func (s *Service) Accept(ctx context.Context, l *List, b Booking) (Booking, error) {
	t, hidden := l.OptimisticRemove(b.ID)
	out, err := s.api.Accept(ctx, b)
	if err != nil {
		if hidden {
			l.Reject(t)
		}
		s.log.Info("booking.accept.rejected", "booking_id", b.ID, "err", err)
		return Booking{}, err
	}
	if hidden {
		l.Confirm(t)
	}
	return out, nil
}
