package booking

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidStatus     = errors.New("invalid booking status")
	ErrTerminalStatus    = errors.New("booking status is terminal")
	ErrUnreachableStatus = errors.New("booking status not reachable")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusOnTheWay  Status = "on_the_way"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// transitionMap lists the direct successors of each status. Terminal
// statuses have none.
var transitionMap = map[Status][]Status{
	StatusPending:   {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusOnTheWay, StatusCancelled},
	StatusOnTheWay:  {StatusCompleted, StatusCancelled},
	StatusCompleted: nil,
	StatusCancelled: nil,
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := transitionMap[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitionMap[s]) == 0
}

// Active reports whether the booking is still in progress.
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}

func (s Status) String() string { return string(s) }

// ValidTransition reports whether to directly follows from.
func ValidTransition(from, to Status) bool {
	for _, next := range transitionMap[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can follow from through one or more
// transitions. A status is not reachable from itself.
func Reachable(from, to Status) bool {
	seen := map[Status]bool{from: true}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitionMap[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// CheckTransition explains why from cannot move to to, or returns nil.
func CheckTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalStatus, from)
	}
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrUnreachableStatus, from, to)
	}
	return nil
}
