package booking

import (
	"errors"
	"testing"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from  Status
		to    Status
		valid bool
	}{
		{StatusPending, StatusAccepted, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusOnTheWay, false},
		{StatusAccepted, StatusOnTheWay, true},
		{StatusAccepted, StatusCancelled, true},
		{StatusAccepted, StatusPending, false},
		{StatusOnTheWay, StatusCompleted, true},
		{StatusOnTheWay, StatusCancelled, true},
		{StatusOnTheWay, StatusAccepted, false},
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusAccepted, false},
		{"unknown", StatusAccepted, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestReachable(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusOnTheWay, true},
		{StatusAccepted, StatusCompleted, true},
		{StatusOnTheWay, StatusAccepted, false},
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusPending, StatusPending, false},
	}
	for _, tt := range cases {
		if got := Reachable(tt.from, tt.to); got != tt.want {
			t.Fatalf("Reachable(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus(" On_The_Way "); err != nil || s != StatusOnTheWay {
		t.Fatalf("s=%q err=%v", s, err)
	}
	if _, err := ParseStatus("delivered"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("err=%v want ErrInvalidStatus", err)
	}
}

func TestCheckTransition(t *testing.T) {
	if err := CheckTransition(StatusCompleted, StatusCancelled); !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("err=%v want ErrTerminalStatus", err)
	}
	if err := CheckTransition(StatusPending, StatusCompleted); !errors.Is(err, ErrUnreachableStatus) {
		t.Fatalf("err=%v want ErrUnreachableStatus", err)
	}
	if err := CheckTransition(StatusPending, "nope"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("err=%v want ErrInvalidStatus", err)
	}
	if err := CheckTransition(StatusAccepted, StatusOnTheWay); err != nil {
		t.Fatalf("err=%v", err)
	}
	if !StatusCancelled.Terminal() || StatusAccepted.Terminal() || !StatusPending.Active() {
		t.Fatal("terminal/active classification wrong")
	}
}
