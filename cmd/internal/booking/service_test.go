package booking

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"triptask/cmd/internal/realtime"
	v1 "triptask/shared/contracts/realtime/v1"
)

// fakeRealtime records room membership and lets the test push events.
type fakeRealtime struct {
	mu       sync.Mutex
	handlers map[string]realtime.Handler
	left     []string
	onJoin   func(h realtime.Handler)
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{handlers: make(map[string]realtime.Handler)}
}

func (f *fakeRealtime) JoinRoom(ctx context.Context, id string, h realtime.Handler) error {
	f.mu.Lock()
	f.handlers[id] = h
	onJoin := f.onJoin
	f.mu.Unlock()
	if onJoin != nil {
		onJoin(h)
	}
	return nil
}

func (f *fakeRealtime) LeaveRoom(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
	f.left = append(f.left, id)
	return nil
}

func (f *fakeRealtime) push(t *testing.T, id, typ string, payload any) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[id]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("room %s not joined", id)
	}
	h(roomEvent(t, id, typ, payload))
}

func (f *fakeRealtime) leftRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.left...)
}

func roomEvent(t *testing.T, id, typ string, payload any) realtime.Event {
	t.Helper()
	env, err := v1.NewEnvelope(typ, "e1", v1.BookingRoom(id), time.Now(), payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return realtime.Event{Type: typ, BookingID: id, Envelope: env}
}

type countingMetrics struct {
	mu  sync.Mutex
	out map[string]int
}

func (m *countingMetrics) ObserveBookingEvent(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out == nil {
		m.out = make(map[string]int)
	}
	m.out[outcome]++
}

func newTestService(t *testing.T, rt Realtime, h http.HandlerFunc, m Metrics) *Service {
	t.Helper()
	tc := newAPIServer(t, h)
	svc, err := NewService(ServiceOptions{
		API:      NewAPI(tc, staticAuth("tok")),
		Chat:     NewChatAPI(tc, staticAuth("tok"), nil),
		Realtime: rt,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func bookingServer(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/tasks/"):
			_, _ = io.WriteString(w, strings.Replace(bookingJSON, `"accepted"`, `"`+status+`"`, 1))
		case strings.HasPrefix(r.URL.Path, "/chats/"):
			_, _ = io.WriteString(w, `[{"sender":"a","text":"from history","file_urls":[],"timestamp":"2024-05-01T10:00:00Z"}]`)
		default:
			http.NotFound(w, r)
		}
	}
}

func TestWatchMergesSnapshotHistoryAndLiveEvents(t *testing.T) {
	rt := newFakeRealtime()
	m := &countingMetrics{}
	svc := newTestService(t, rt, bookingServer("accepted"), m)

	var mu sync.Mutex
	var statuses []Status
	sub, err := svc.Watch(context.Background(), "12", Listener{
		OnStatus: func(b Booking) {
			mu.Lock()
			statuses = append(statuses, b.Status)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	rt.push(t, "12", v1.TypeNewMessage, v1.NewMessagePayload{Sender: "rider", Text: "on my way"})
	rt.push(t, "12", v1.TypeNewMessage, v1.NewMessagePayload{Sender: "rider", Text: "on my way"})
	rt.push(t, "12", v1.TypeStatusUpdate, v1.StatusUpdatePayload{Status: "on_the_way"})
	rt.push(t, "12", v1.TypeStatusUpdate, v1.StatusUpdatePayload{Status: "accepted"})

	msgs := sub.Sync().Messages()
	if len(msgs) != 3 || msgs[0].Text != "from history" {
		t.Fatalf("messages=%+v", msgs)
	}
	if got := sub.Sync().Status(); got != StatusOnTheWay {
		t.Fatalf("status=%q want=%q", got, StatusOnTheWay)
	}
	mu.Lock()
	if len(statuses) != 1 || statuses[0] != StatusOnTheWay {
		t.Fatalf("listener statuses=%v", statuses)
	}
	mu.Unlock()

	m.mu.Lock()
	if m.out[string(OutcomeRejected)] != 1 || m.out[string(OutcomeApplied)] != 3 {
		t.Fatalf("metrics=%v", m.out)
	}
	m.mu.Unlock()

	if err := sub.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = sub.Close(context.Background())
	if left := rt.leftRooms(); len(left) != 1 || left[0] != "12" {
		t.Fatalf("left=%v", left)
	}
}

func TestWatchReplaysTerminalEventThatBeatSnapshot(t *testing.T) {
	rt := newFakeRealtime()
	rt.onJoin = func(h realtime.Handler) {
		h(roomEvent(t, "12", v1.TypeStatusUpdate, v1.StatusUpdatePayload{Status: "completed"}))
	}
	svc := newTestService(t, rt, bookingServer("on_the_way"), nil)

	var snap Booking
	sub, err := svc.Watch(context.Background(), "12", Listener{OnSnapshot: func(b Booking) { snap = b }})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if snap.Status != StatusCompleted {
		t.Fatalf("snapshot status=%q want=%q", snap.Status, StatusCompleted)
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("terminal booking left the subscription open")
	}
}

func TestWatchDeliversEarlyMessagesAfterSnapshotAndHistory(t *testing.T) {
	rt := newFakeRealtime()
	rt.onJoin = func(h realtime.Handler) {
		h(roomEvent(t, "12", v1.TypeNewMessage, v1.NewMessagePayload{Sender: "rider", Text: "live early"}))
	}
	svc := newTestService(t, rt, bookingServer("accepted"), nil)

	var display []string
	sub, err := svc.Watch(context.Background(), "12", Listener{
		OnSnapshot: func(Booking) { display = append(display, "SNAPSHOT") },
		OnMessage:  func(m ChatMessage) { display = append(display, m.Text) },
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	rt.push(t, "12", v1.TypeNewMessage, v1.NewMessagePayload{Sender: "rider", Text: "live late"})

	want := []string{"SNAPSHOT", "from history", "live early", "live late"}
	if strings.Join(display, "|") != strings.Join(want, "|") {
		t.Fatalf("display=%v want=%v", display, want)
	}
	_ = sub.Close(context.Background())
}

func TestWatchSnapshotFailureLeavesRoom(t *testing.T) {
	rt := newFakeRealtime()
	svc := newTestService(t, rt, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"gone"}`, http.StatusNotFound)
	}, nil)

	if _, err := svc.Watch(context.Background(), "12", Listener{}); err == nil {
		t.Fatalf("expected snapshot error")
	}
	if left := rt.leftRooms(); len(left) != 1 {
		t.Fatalf("left=%v", left)
	}
}

func TestCancelRestoresOnServerRefusal(t *testing.T) {
	refuse := true
	var mu sync.Mutex
	svc := newTestService(t, newFakeRealtime(), func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if refuse {
			http.Error(w, `{"message":"already accepted"}`, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}, nil)

	l := NewList([]Booking{{ID: "1"}, {ID: "2"}, {ID: "3"}})
	if err := svc.Cancel(context.Background(), l, "2"); err == nil {
		t.Fatalf("expected refusal")
	}
	if !equalIDs(l.Items(), "1", "2", "3") {
		t.Fatalf("items=%v", ids(l.Items()))
	}

	mu.Lock()
	refuse = false
	mu.Unlock()
	if err := svc.Cancel(context.Background(), l, "2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !equalIDs(l.Items(), "1", "3") || l.Pending() != 0 {
		t.Fatalf("items=%v pending=%d", ids(l.Items()), l.Pending())
	}
}

func TestAcceptRejectsTerminalLocally(t *testing.T) {
	svc := newTestService(t, newFakeRealtime(), func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}, nil)

	l := NewList([]Booking{{ID: "1", Status: StatusCancelled}})
	_, err := svc.Accept(context.Background(), l, Booking{ID: "1", Status: StatusCancelled})
	if !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("err=%v want ErrTerminalStatus", err)
	}
	if len(l.Items()) != 1 {
		t.Fatalf("booking not restored")
	}
}
