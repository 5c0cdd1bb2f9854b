// Package main is a CI-friendly smoke test for the TripTask realtime gateway.
//
// It validates:
//   - handshake with bearer auth and subprotocol selection
//   - hello/hello_ack session establishment
//   - join of a booking room by two sockets
//   - send-message fanout as new-message carrying the client_msg_id
//   - leave stops delivery to the leaving socket
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "triptask/shared/contracts/realtime/v1"
)

const maxReadBytes = 64 << 10

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:4000/ws", "gateway URL")
		token     = flag.String("token", os.Getenv("TRIPTASK_TOKEN"), "access token for socket A")
		tokenB    = flag.String("token-b", os.Getenv("TRIPTASK_TOKEN_B"), "access token for socket B (default: -token)")
		bookingID = flag.String("booking", "", "booking id whose room to use")
		text      = flag.String("text", "smoke test", "message text")
		timeout   = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose   = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*token) == "" {
		fatalf("-token (or TRIPTASK_TOKEN) is required")
	}
	if strings.TrimSpace(*bookingID) == "" {
		fatalf("-booking is required")
	}
	if *tokenB == "" {
		*tokenB = *token
	}
	room := v1.BookingRoom(*bookingID)
	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *token, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s room=%s\n", a.sessionID, b.sessionID, room)
	}

	mustEmit(root, a, v1.TypeJoin, room, v1.RoomPayload{Room: room}, *timeout)
	mustEmit(root, b, v1.TypeJoin, room, v1.RoomPayload{Room: room}, *timeout)

	clientMsgID := uuid.NewString()
	mustEmit(root, a, v1.TypeSendMessage, room, v1.SendMessagePayload{
		TaskID:      *bookingID,
		Sender:      "smoke-A",
		Text:        *text,
		ClientMsgID: clientMsgID,
	}, *timeout)

	mustAssertNew(root, b, room, clientMsgID, *text, *timeout)
	if *verbose {
		fmt.Printf("fanout ok: client_msg_id=%s\n", clientMsgID)
	}

	mustEmit(root, b, v1.TypeLeave, room, v1.RoomPayload{Room: room}, *timeout)
	_ = drain(root, a, 500*time.Millisecond)

	second := uuid.NewString()
	mustEmit(root, a, v1.TypeSendMessage, room, v1.SendMessagePayload{
		TaskID:      *bookingID,
		Sender:      "smoke-A",
		Text:        *text,
		ClientMsgID: second,
	}, *timeout)
	mustAssertNoType(root, b, v1.TypeNewMessage, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s room=%s client_msg_id=%s\n", a.sessionID, b.sessionID, room, clientMsgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			fatalf("connect %s: token rejected", name)
		}
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 256),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.HelloPayload{}
	hello.Auth.Token = token
	mustEmit(parent, c, v1.TypeHello, "", hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)
	var p v1.HelloAckPayload
	if err := ack.Decode(&p); err != nil {
		fatalf("decode hello_ack (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		report := func(err error) {
			select {
			case c.errCh <- err:
			default:
			}
		}

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				report(err)
				return
			}
			if mt != websocket.MessageText {
				report(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				report(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				report(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				report(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func mustEmit(parent context.Context, c *smokeClient, typ, room string, payload any, stepTimeout time.Duration) {
	env, err := v1.NewEnvelope(typ, fmt.Sprintf("%s-%s-%s", c.name, typ, uuid.NewString()), room, time.Now(), payload)
	if err != nil {
		fatalf("build %s (%s): %v", typ, c.name, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s (%s): %v", typ, c.name, err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func mustAssertNew(parent context.Context, c *smokeClient, room, clientMsgID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, nil)
	if env.Room != room {
		fatalf("new-message room mismatch (%s): got=%q want=%q", c.name, env.Room, room)
	}

	var p v1.NewMessagePayload
	if err := env.Decode(&p); err != nil {
		fatalf("decode new-message (%s): %v", c.name, err)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("new-message client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.Text != text {
		fatalf("new-message text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
}

func drain(parent context.Context, c *smokeClient, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			return err
		case _, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed")
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbidden string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("read (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed (%s)", c.name)
			}
			if env.Type == forbidden {
				fatalf("unexpected %s on %s after leave", forbidden, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, want string, stepTimeout time.Duration, skip map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", want, c.name)
		case err := <-c.errCh:
			fatalf("read (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed waiting for %s (%s)", want, c.name)
			}
			if env.Type == want {
				return env
			}
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = env.Decode(&p)
				fatalf("gateway error waiting for %s (%s): %s", want, c.name, p.Message)
			}
			if _, ok := skip[env.Type]; ok {
				continue
			}
		}
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
