// Package realtime is the client side of the TripTask realtime gateway.
//
// A Client keeps one websocket to the gateway, authenticates it with the
// access token that is current when the socket is opened, and routes
// room-scoped events to the handler registered for that booking. Transport
// failures never surface as return values of background work; they are
// reported through OnState callbacks and the client reconnects on its own.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	v1 "triptask/shared/contracts/realtime/v1"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TokenSource supplies the access token to authenticate a new socket with.
type TokenSource interface {
	AccessToken() string
}

// Refresher is the optional half of a TokenSource that can renew the token.
// It is only consulted on reconnect when Config.RefreshOnReconnect is set.
type Refresher interface {
	EnsureFreshAccessToken(ctx context.Context) (string, error)
	RefreshIfStale(ctx context.Context, stale string) (string, error)
}

type Metrics interface {
	ObserveConnect(result string)
	ObserveEvent(typ string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveConnect(string) {}
func (noopMetrics) ObserveEvent(string)   {}

// Event is one inbound frame. BookingID is empty for broadcasts.
type Event struct {
	Type      string
	BookingID string
	Envelope  v1.Envelope
}

func (e Event) Decode(dst any) error { return e.Envelope.Decode(dst) }

// Handler receives events in the gateway's send order. Handlers run on the
// client's dispatch goroutine and must not block for long.
type Handler func(Event)

type Options struct {
	Config     Config
	Tokens     TokenSource
	Logger     *slog.Logger
	Metrics    Metrics
	HTTPClient *http.Client
	Now        func() time.Time
}

// session is one open socket. out and done live as long as the socket.
type session struct {
	id   string
	conn *websocket.Conn
	out  chan outFrame
	done chan struct{}
}

// outFrame is a queued client frame. written, when set, receives the write
// result once the frame has left the queue.
type outFrame struct {
	env     v1.Envelope
	written chan error
}

type Client struct {
	cfg        Config
	tokens     TokenSource
	refresher  Refresher
	log        *slog.Logger
	metrics    Metrics
	httpClient *http.Client
	now        func() time.Time
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	running   bool
	closed    bool
	sess      *session
	rooms     map[string]Handler
	broadcast map[uint64]Handler
	stateFns  map[uint64]func(State, error)
	nextID    uint64
}

func New(opts Options) (*Client, error) {
	if opts.Tokens == nil {
		return nil, errors.New("realtime: token source is required")
	}
	if err := validateWSURL(opts.Config.URL); err != nil {
		return nil, fmt.Errorf("%w: url: %v", ErrConfig, err)
	}
	cfg := opts.Config.normalize()

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Client{
		cfg:        cfg,
		tokens:     opts.Tokens,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		httpClient: opts.HTTPClient,
		now:        opts.Now,
		limiter:    rate.NewLimiter(cfg.EmitRate, cfg.EmitBurst),
		rooms:      make(map[string]Handler),
		broadcast:  make(map[uint64]Handler),
		stateFns:   make(map[uint64]func(State, error)),
	}
	if r, ok := opts.Tokens.(Refresher); ok && cfg.RefreshOnReconnect {
		c.refresher = r
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

// Connect opens the socket with the access token current at call time and
// completes the hello handshake. On a nil return the client is in
// StateConnected and accepts SendMessage; rooms registered before Connect
// are queued for joining. Connect on a running client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.running:
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	c.setState(StateConnecting, nil)
	s, err := c.open(ctx, false)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.log.Info("realtime.connect.fail", "err", err)
		c.setState(StateDisconnected, err)
		return err
	}

	rooms, ok := c.install(s)
	if !ok {
		_ = s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return ErrClosed
	}
	go c.run(s, rooms)
	return nil
}

// install makes s the current session and reports Connected. It returns the
// rooms to re-join on s, or false once Disconnect has run.
func (c *Client) install(s *session) ([]string, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false
	}
	c.sess = s
	rooms := slices.Sorted(maps.Keys(c.rooms))
	c.mu.Unlock()
	c.setState(StateConnected, nil)
	return rooms, true
}

// Disconnect closes the socket and stops reconnecting. The client cannot be
// reused afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.log.Info("realtime.disconnect")
	c.setState(StateClosed, nil)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is the gateway session of the open socket, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// Rooms returns the booking ids with a registered handler.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.rooms))
}

// OnState registers fn for state changes and returns its unregister func.
func (c *Client) OnState(fn func(State, error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.stateFns[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.stateFns, id)
		c.mu.Unlock()
	}
}

// OnBroadcast registers h for events that carry no room, such as
// service-status.
func (c *Client) OnBroadcast(h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.broadcast[id] = h
	return func() {
		c.mu.Lock()
		delete(c.broadcast, id)
		c.mu.Unlock()
	}
}

// JoinRoom routes the booking's events to h. While disconnected the room is
// remembered and joined on the next (re)connect. Joining an already joined
// room only swaps the handler.
func (c *Client) JoinRoom(ctx context.Context, bookingID string, h Handler) error {
	if strings.TrimSpace(bookingID) == "" || h == nil {
		return errors.New("realtime: join needs a booking id and a handler")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	_, had := c.rooms[bookingID]
	c.rooms[bookingID] = h
	s := c.sess
	c.mu.Unlock()

	if s == nil || had {
		return nil
	}

	room := v1.BookingRoom(bookingID)
	err := c.emitLimited(ctx, s, v1.TypeJoin, room, v1.RoomPayload{Room: room})
	switch {
	case err == nil, errors.Is(err, ErrNotConnected):
		return nil
	default:
		c.mu.Lock()
		delete(c.rooms, bookingID)
		c.mu.Unlock()
		return err
	}
}

// LeaveRoom stops routing the booking's events. It is not rate limited.
func (c *Client) LeaveRoom(ctx context.Context, bookingID string) error {
	c.mu.Lock()
	_, had := c.rooms[bookingID]
	delete(c.rooms, bookingID)
	s := c.sess
	c.mu.Unlock()

	if !had || s == nil {
		return nil
	}
	room := v1.BookingRoom(bookingID)
	if err := c.emit(ctx, s, v1.TypeLeave, room, v1.RoomPayload{Room: room}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// SendMessage emits send-message into the booking's room and returns the
// client message id the frame carries. It returns once the frame is written
// to the socket.
func (c *Client) SendMessage(ctx context.Context, bookingID string, p v1.SendMessagePayload) (string, error) {
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" && len(p.FileURLs) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(p.Text) > maxMessageChars {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidMessage, maxMessageChars)
	}
	p.TaskID = bookingID
	if p.ClientMsgID == "" {
		p.ClientMsgID = uuid.NewString()
	}

	c.mu.Lock()
	closed, s := c.closed, c.sess
	c.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if s == nil {
		return "", ErrNotConnected
	}
	if !c.limiter.Allow() {
		return "", ErrRateLimited
	}

	written := make(chan error, 1)
	if err := c.enqueue(ctx, s, v1.TypeSendMessage, v1.BookingRoom(bookingID), p, written); err != nil {
		return "", err
	}
	select {
	case err := <-written:
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return p.ClientMsgID, nil
	case <-s.done:
		// The writer may have finished just as the session ended.
		select {
		case err := <-written:
			if err == nil {
				return p.ClientMsgID, nil
			}
		default:
		}
		return "", ErrNotConnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) emitLimited(ctx context.Context, s *session, typ, room string, payload any) error {
	if !c.limiter.Allow() {
		return ErrRateLimited
	}
	return c.emit(ctx, s, typ, room, payload)
}

func (c *Client) emit(ctx context.Context, s *session, typ, room string, payload any) error {
	return c.enqueue(ctx, s, typ, room, payload, nil)
}

func (c *Client) enqueue(ctx context.Context, s *session, typ, room string, payload any, written chan error) error {
	env, err := c.envelope(typ, room, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	case s.out <- outFrame{env: env, written: written}:
		return nil
	}
}

func (c *Client) envelope(typ, room string, payload any) (v1.Envelope, error) {
	now := c.now()
	id, err := NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("realtime: envelope id: %w", err)
	}
	return v1.NewEnvelope(typ, id, room, now, payload)
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	if c.state == StateClosed || (c.state == s && err == nil) {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := slices.Collect(maps.Values(c.stateFns))
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s, err)
	}
}

// ---- dial + handshake ----

func (c *Client) dialToken(ctx context.Context, reconnecting bool) (string, error) {
	if reconnecting && c.refresher != nil {
		tok, err := c.refresher.EnsureFreshAccessToken(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrNoToken, err)
		}
		return tok, nil
	}
	tok := strings.TrimSpace(c.tokens.AccessToken())
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

func (c *Client) open(ctx context.Context, reconnecting bool) (*session, error) {
	token, err := c.dialToken(ctx, reconnecting)
	if err != nil {
		c.metrics.ObserveConnect("no_token")
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(hctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient:   c.httpClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.metrics.ObserveConnect("rejected")
			c.refreshRejected(ctx, token, reconnecting)
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		c.metrics.ObserveConnect("fail")
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	if got := conn.Subprotocol(); got != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		c.metrics.ObserveConnect("fail")
		return nil, fmt.Errorf("%w: subprotocol %q", ErrProtocol, got)
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := c.hello(hctx, conn, token)
	if err != nil {
		_ = conn.CloseNow()
		if errors.Is(err, ErrRejected) {
			c.metrics.ObserveConnect("rejected")
			c.refreshRejected(ctx, token, reconnecting)
		} else {
			c.metrics.ObserveConnect("fail")
		}
		return nil, err
	}

	c.metrics.ObserveConnect("ok")
	c.log.Info("realtime.connect.ok", "session_id", sessionID, "reconnect", reconnecting)
	return &session{
		id:   sessionID,
		conn: conn,
		out:  make(chan outFrame, c.cfg.QueueSize),
		done: make(chan struct{}),
	}, nil
}

// refreshRejected renews a token the gateway refused. Only reconnects do
// this, and only with a Refresher configured.
func (c *Client) refreshRejected(ctx context.Context, token string, reconnecting bool) {
	if !reconnecting || c.refresher == nil {
		return
	}
	if _, err := c.refresher.RefreshIfStale(ctx, token); err != nil {
		c.log.Warn("realtime.reconnect.refresh.fail", "err", err)
	}
}

func (c *Client) hello(ctx context.Context, conn *websocket.Conn, token string) (string, error) {
	env, err := c.envelope(v1.TypeHello, "", v1.HelloPayload{Auth: v1.HelloAuth{Token: token}})
	if err != nil {
		return "", err
	}
	if err := writeEnvelope(ctx, conn, env, c.cfg.WriteTimeout); err != nil {
		return "", fmt.Errorf("realtime: hello: %w", err)
	}

	for {
		got, err := readEnvelope(ctx, conn)
		if err != nil {
			return "", fmt.Errorf("realtime: hello: %w", err)
		}
		switch got.Type {
		case v1.TypeHelloAck:
			var p v1.HelloAckPayload
			if err := got.Decode(&p); err != nil {
				return "", fmt.Errorf("%w: %w", ErrProtocol, err)
			}
			if strings.TrimSpace(p.SessionID) == "" {
				return "", fmt.Errorf("%w: hello_ack without session_id", ErrProtocol)
			}
			return p.SessionID, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = got.Decode(&p)
			return "", fmt.Errorf("%w: %s: %s", ErrRejected, p.Code, p.Message)
		default:
			c.log.Debug("realtime.hello.skip", "type", got.Type)
		}
	}
}

// ---- connection lifecycle ----

// run serves the installed session s and reconnects until Disconnect or the
// reconnect budget is spent.
func (c *Client) run(s *session, rooms []string) {
	for {
		err := c.serve(s, rooms)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Info("realtime.disconnected", "session_id", s.id, "err", err)
		c.setState(StateDisconnected, err)

		next, err := c.reconnect()
		if err != nil {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			if c.ctx.Err() == nil {
				c.log.Warn("realtime.reconnect.give_up", "err", err)
				c.setState(StateDisconnected, err)
			}
			return
		}
		var ok bool
		if rooms, ok = c.install(next); !ok {
			_ = next.conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		s = next
	}
}

func (c *Client) reconnect() (*session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.MaxInterval = c.cfg.ReconnectMax

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Info("realtime.reconnect.retry", "in", next, "err", err)
		}),
	}
	if c.cfg.MaxReconnectAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(c.cfg.MaxReconnectAttempts)))
	}

	return backoff.Retry(c.ctx, func() (*session, error) {
		c.setState(StateConnecting, nil)
		s, err := c.open(c.ctx, true)
		switch {
		case err == nil:
			return s, nil
		case c.ctx.Err() != nil:
			return nil, backoff.Permanent(c.ctx.Err())
		case errors.Is(err, ErrNoToken):
			return nil, backoff.Permanent(err)
		default:
			return nil, err
		}
	}, opts...)
}

// serve runs the reader, writer, dispatcher and heartbeat for the installed
// session s and blocks until the socket is done. rooms are re-joined first.
func (c *Client) serve(s *session, rooms []string) error {
	ctx, cancel := context.WithCancelCause(c.ctx)
	defer cancel(nil)

	inbox := make(chan v1.Envelope, c.cfg.QueueSize)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, cancel, s)
	}()
	go func() {
		defer wg.Done()
		c.heartbeat(ctx, cancel, s)
	}()
	go func() {
		defer wg.Done()
		c.dispatchLoop(inbox)
	}()

	for _, id := range rooms {
		room := v1.BookingRoom(id)
		if err := c.emit(ctx, s, v1.TypeJoin, room, v1.RoomPayload{Room: room}); err != nil {
			c.log.Info("realtime.rejoin.fail", "session_id", s.id, "booking_id", id, "err", err)
		}
	}

	err := c.readLoop(ctx, s, inbox)
	close(inbox)
	cancel(err)

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	close(s.done)
	wg.Wait()

	if c.ctx.Err() != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	} else {
		_ = s.conn.CloseNow()
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, s *session, inbox chan<- v1.Envelope) error {
	for {
		env, err := readEnvelope(ctx, s.conn)
		if err != nil {
			kind := classifyReadErr(err)
			if kind == readErrBadFrame {
				c.log.Warn("realtime.read.bad_frame", "session_id", s.id, "err", err)
				continue
			}
			c.log.Debug("realtime.read.end", "session_id", s.id, "kind", kind.String(), "err", err)
			if kind == readErrCtxDone {
				if cause := context.Cause(ctx); cause != nil {
					return cause
				}
			}
			return err
		}
		if err := env.Validate(); err != nil {
			c.log.Warn("realtime.read.invalid", "session_id", s.id, "type", env.Type, "err", err)
			continue
		}

		select {
		case inbox <- env:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, cancel context.CancelCauseFunc, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.out:
			err := writeEnvelope(ctx, s.conn, f.env, c.cfg.WriteTimeout)
			if f.written != nil {
				f.written <- err
			}
			if err != nil {
				c.log.Info("realtime.write.fail", "session_id", s.id, "type", f.env.Type, "close_status", websocket.CloseStatus(err), "err", err)
				cancel(fmt.Errorf("write %s: %w", f.env.Type, err))
				return
			}
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, s *session) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				c.log.Info("realtime.ping.fail", "session_id", s.id, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					cancel(fmt.Errorf("heartbeat failed %d times: %w", failures, err))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// dispatchLoop drains inbox in order. Frames still queued after Disconnect
// are dropped.
func (c *Client) dispatchLoop(inbox <-chan v1.Envelope) {
	for env := range inbox {
		if c.ctx.Err() != nil {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env v1.Envelope) {
	c.metrics.ObserveEvent(env.Type)

	if env.Type == v1.TypeError {
		var p v1.ErrorPayload
		_ = env.Decode(&p)
		c.log.Warn("realtime.gateway.error", "room", env.Room, "code", p.Code, "message", p.Message)
	}

	ev := Event{Type: env.Type, Envelope: env}

	if env.Room != "" {
		id, ok := v1.BookingIDFromRoom(env.Room)
		if !ok {
			c.log.Debug("realtime.event.unknown_room", "room", env.Room, "type", env.Type)
			return
		}
		ev.BookingID = id

		c.mu.Lock()
		h := c.rooms[id]
		c.mu.Unlock()
		if h == nil {
			c.log.Debug("realtime.event.unrouted", "booking_id", id, "type", env.Type)
			return
		}
		h(ev)
		return
	}

	c.mu.Lock()
	hs := slices.Collect(maps.Values(c.broadcast))
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}
