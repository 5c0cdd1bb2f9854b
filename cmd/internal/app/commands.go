package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"triptask/cmd/internal/auth/authapi"
	"triptask/cmd/internal/auth/session"
	"triptask/cmd/internal/booking"
	"triptask/cmd/internal/realtime"
	v1 "triptask/shared/contracts/realtime/v1"
)

// ErrUsage is returned for unknown commands and bad flags.
var ErrUsage = errors.New("usage")

const usage = `usage: triptask <command> [flags]

commands:
  register -name N -email E [-password P] [-remember]
  login    -email E [-password P] [-remember]
  logout
  whoami
  bookings [-active | -available | -history]
  watch    -booking ID
  send     -booking ID -text T [-file PATH]... [-realtime]
  status   -booking ID -to STATUS
  accept   -booking ID
  cancel   -booking ID
  online   [-set true|false]
`

type command func(ctx context.Context, a *App, args []string, out io.Writer) error

var commands = map[string]command{
	"register": cmdRegister,
	"login":    cmdLogin,
	"logout":   cmdLogout,
	"whoami":   cmdWhoAmI,
	"bookings": cmdBookings,
	"watch":    cmdWatch,
	"send":     cmdSend,
	"status":   cmdStatus,
	"accept":   cmdAccept,
	"cancel":   cmdCancel,
	"online":   cmdOnline,
}

// Run executes one CLI command. Logs go to stderr, results to stdout.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		_, _ = io.WriteString(stderr, usage)
		return ErrUsage
	}
	name, rest := args[0], args[1:]
	if name == "help" || name == "-h" || name == "--help" {
		_, _ = io.WriteString(stdout, usage)
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		_, _ = io.WriteString(stderr, usage)
		return fmt.Errorf("%w: unknown command %q", ErrUsage, name)
	}

	cfg := LoadConfig()
	log := NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)

	shutdown := SetupTelemetry(ctx, "triptask", cfg, log)
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("telemetry.shutdown.fail", "err", err)
		}
	}()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Restore(ctx); err != nil {
		return err
	}

	err = cmd(ctx, a, rest, stdout)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrUsage, fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: %s: unexpected argument %q", ErrUsage, fs.Name(), fs.Arg(0))
	}
	return nil
}

func requireFlag(fs *flag.FlagSet, name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s: -%s is required", ErrUsage, fs.Name(), name)
	}
	return nil
}

func cmdLogin(ctx context.Context, a *App, args []string, out io.Writer) error {
	fs := newFlagSet("login")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "password (default $TRIPTASK_PASSWORD)")
	remember := fs.Bool("remember", false, "keep the session across restarts")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *password == "" {
		*password = os.Getenv("TRIPTASK_PASSWORD")
	}
	if err := requireFlag(fs, "email", *email); err != nil {
		return err
	}
	if err := requireFlag(fs, "password", *password); err != nil {
		return err
	}

	p, err := a.Session.Login(ctx, *email, *password, *remember)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "logged in as %s <%s> (%s), %s session\n", p.Name, p.Email, p.Role, a.Session.Scope())
	return nil
}

func cmdRegister(ctx context.Context, a *App, args []string, out io.Writer) error {
	fs := newFlagSet("register")
	name := fs.String("name", "", "display name, letters and spaces")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "password (default $TRIPTASK_PASSWORD)")
	remember := fs.Bool("remember", false, "keep the session across restarts")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *password == "" {
		*password = os.Getenv("TRIPTASK_PASSWORD")
	}
	for _, f := range []struct{ name, value string }{{"name", *name}, {"email", *email}, {"password", *password}} {
		if err := requireFlag(fs, f.name, f.value); err != nil {
			return err
		}
	}

	p, err := a.Session.Register(ctx, *name, *email, *password, *remember)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "registered and logged in as %s <%s> (%s), %s session\n", p.Name, p.Email, p.Role, a.Session.Scope())
	return nil
}

func cmdLogout(ctx context.Context, a *App, args []string, out io.Writer) error {
	if err := parseFlags(newFlagSet("logout"), args); err != nil {
		return err
	}
	a.Session.Logout(ctx)
	fmt.Fprintln(out, "logged out")
	return nil
}

func cmdWhoAmI(ctx context.Context, a *App, args []string, out io.Writer) error {
	if err := parseFlags(newFlagSet("whoami"), args); err != nil {
		return err
	}
	p, err := a.Session.WhoAmI(ctx)
	if err != nil {
		return err
	}
	if p == nil {
		return session.ErrNoSession
	}
	fmt.Fprintf(out, "%s\t%s <%s>\t%s\n", p.ID, p.Name, p.Email, p.Role)
	return nil
}

func cmdBookings(ctx context.Context, a *App, args []string, out io.Writer) error {
	fs := newFlagSet("bookings")
	active := fs.Bool("active", false, "only active bookings")
	available := fs.Bool("available", false, "bookings open to riders")
	history := fs.Bool("history", false, "finished bookings")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	n := 0
	for _, b := range []bool{*active, *available, *history} {
		if b {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("%w: bookings: -active, -available and -history are exclusive", ErrUsage)
	}

	var (
		list []booking.Booking
		err  error
	)
	switch {
	case *active:
		list, err = a.Bookings.Active(ctx)
	case *available:
		if _, err := a.Session.RequireRole(ctx, authapi.RoleRider, authapi.RoleAdmin); err != nil {
			return err
		}
		list, err = a.Bookings.Available(ctx)
	case *history:
		list, err = a.Bookings.History(ctx)
	default:
		list, err = a.Bookings.List(ctx)
	}
	if err != nil {
		return err
	}
	return printBookings(out, list)
}

func printBookings(out io.Writer, list []booking.Booking) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tWHEN\tPICKUP\tDROPOFF\tTASK")
	for _, b := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", b.ID, b.Status, b.ScheduledAt, b.Pickup, b.Dropoff, b.TaskDescription)
	}
	return tw.Flush()
}

func printMessage(out io.Writer, m booking.ChatMessage) {
	fmt.Fprintf(out, "[%s] %s: %s", m.Timestamp, m.Sender, m.Text)
	for _, f := range m.Attachments {
		fmt.Fprintf(out, " <%s %s>", f.Name, f.URL)
	}
	fmt.Fprintln(out)
}

func cmdWatch(ctx context.Context, a *App, args []string, out io.Writer) error {
	fs := newFlagSet("watch")
	id := fs.String("booking", "", "booking id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag(fs, "booking", *id); err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		go func() { _ = a.ServeMetrics(ctx, a.cfg.MetricsAddr) }()
	}

	unsub := a.Realtime.OnState(func(s realtime.State, err error) {
		if err != nil {
			a.log.Warn("realtime.state", "state", s.String(), "err", err)
			return
		}
		a.log.Info("realtime.state", "state", s.String())
	})
	defer unsub()
	offBroadcast := a.Realtime.OnBroadcast(func(ev realtime.Event) {
		if ev.Type != v1.TypeServiceStatus {
			return
		}
		var p v1.ServiceStatusPayload
		if err := ev.Decode(&p); err == nil {
			fmt.Fprintf(out, "service online: %t\n", p.IsOnline)
		}
	})
	defer offBroadcast()

	// Without the socket the view still renders from REST.
	if err := a.Realtime.Connect(ctx); err != nil {
		a.log.Warn("watch.realtime.unavailable", "err", err)
	}

	sub, err := a.Service.Watch(ctx, *id, booking.Listener{
		OnSnapshot: func(b booking.Booking) {
			fmt.Fprintf(out, "booking %s: %s (%s -> %s, %s)\n", b.ID, b.Status, b.Pickup, b.Dropoff, b.ScheduledAt)
		},
		OnStatus: func(b booking.Booking) {
			fmt.Fprintf(out, "status: %s\n", b.Status)
		},
		OnMessage: func(m booking.ChatMessage) { printMessage(out, m) },
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return sub.Close(context.WithoutCancel(ctx))
	case <-sub.Done():
		fmt.Fprintf(out, "booking %s finished: %s\n", sub.BookingID(), sub.Sync().Status())
		return nil
	}
}

// fileList collects repeated -file flags.
type fileList []string

func (f *fileList) String() string     { return strings.Join(*f, ",") }
func (f *fileList) Set(v string) error { *f = append(*f, v); return nil }

func cmdSend(ctx context.Context, a *App, args []string, out io.Writer) error {
	fs := newFlagSet("send")
	id := fs.String("booking", "", "booking id")
	text := fs.String("text", "", "message text")
	viaRealtime := fs.Bool("realtime", false, "emit over the realtime channel instead of REST")
	var files fileList
	fs.Var(&files, "file", "attachment path (repeatable)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag(fs, "booking", *id); err != nil {
		return err
	}

	p, err := a.Session.RequireRole(ctx)
	if err != nil {
		return err
	}

	var uploads []booking.File
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		uploads = append(uploads, booking.File{
			Name:     filepath.Base(path),
			MimeType: mime.TypeByExtension(filepath.Ext(path)),
			Body:     f,
		})
	}

	if !*viaRealtime {
		msgID, err := a.Chat.Send(ctx, booking.OutgoingMessage{BookingID: *id, Sender: p.Name, Text: *text}, uploads...)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, msgID)
		return nil
	}

	payload := v1.SendMessagePayload{TaskID: *id, Sender: p.Name, Text: *text}
	for _, u := range uploads {
		att, err := a.Chat.Upload(ctx, u)
		if err != nil {
			a.log.Warn("chat.upload.fail", "booking_id", *id, "file", u.Name, "err", err)
			continue
		}
		payload.FileURLs = append(payload.FileURLs, v1.Attachment{URL: att.URL, Type: att.MimeType, Name: att.Name})
	}
	if err := a.Realtime.Connect(ctx); err != nil {
		return err
	}
	msgID, err := a.Realtime.SendMessage(ctx, *id, payload)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, msgID)
	return nil
}

func cmdStatus(ctx context.Context, a *App, args []string, out io.Writer) error {
	fs := newFlagSet("status")
	id := fs.String("booking", "", "booking id")
	to := fs.String("to", "", "target status")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag(fs, "booking", *id); err != nil {
		return err
	}
	target, err := booking.ParseStatus(*to)
	if err != nil {
		return err
	}

	b, err := a.Bookings.Get(ctx, *id)
	if err != nil {
		return err
	}
	updated, err := a.Bookings.UpdateStatus(ctx, b, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s -> %s\n", updated.ID, b.Status, updated.Status)
	return nil
}

func cmdAccept(ctx context.Context, a *App, args []string, out io.Writer) error {
	fs := newFlagSet("accept")
	id := fs.String("booking", "", "booking id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag(fs, "booking", *id); err != nil {
		return err
	}
	if _, err := a.Session.RequireRole(ctx, authapi.RoleRider); err != nil {
		return err
	}

	avail, err := a.Bookings.Available(ctx)
	if err != nil {
		return err
	}
	list := booking.NewList(avail)
	var target *booking.Booking
	for i := range avail {
		if avail[i].ID == *id {
			target = &avail[i]
			break
		}
	}
	if target == nil {
		b, err := a.Bookings.Get(ctx, *id)
		if err != nil {
			return err
		}
		target = &b
	}

	accepted, err := a.Service.Accept(ctx, list, *target)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", accepted.ID, accepted.Status)
	return nil
}

func cmdCancel(ctx context.Context, a *App, args []string, out io.Writer) error {
	fs := newFlagSet("cancel")
	id := fs.String("booking", "", "booking id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag(fs, "booking", *id); err != nil {
		return err
	}

	mine, err := a.Bookings.List(ctx)
	if err != nil {
		return err
	}
	list := booking.NewList(booking.FilterActive(mine))
	if err := a.Service.Cancel(ctx, list, *id); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: cancelled, %d active left\n", *id, len(list.Items()))
	return nil
}

func cmdOnline(ctx context.Context, a *App, args []string, out io.Writer) error {
	fs := newFlagSet("online")
	set := fs.String("set", "", "true or false")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if *set != "" {
		if _, err := a.Session.RequireRole(ctx, authapi.RoleRider, authapi.RoleAdmin); err != nil {
			return err
		}
		var online bool
		switch strings.ToLower(*set) {
		case "true", "on", "1":
			online = true
		case "false", "off", "0":
		default:
			return fmt.Errorf("%w: online: -set must be true or false", ErrUsage)
		}
		if err := a.Bookings.SetServiceStatus(ctx, online); err != nil {
			return err
		}
	}

	online, err := a.Bookings.ServiceStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "service online: %t\n", online)
	return nil
}
