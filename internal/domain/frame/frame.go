package frame

import (
	"context"
	"fmt"
	"time"
)

// State of the embedded frame
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateError         State = "error"
	StateDestroyed     State = "destroyed"
)

var transitions = map[State][]State{
	StateUninitialized: {StateLoading, StateDestroyed},
	StateLoading:       {StateReady, StateError, StateDestroyed},
	StateReady:         {StateError, StateDestroyed},
	StateError:         {StateLoading, StateDestroyed},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Spec describes the frame element the host page renders
type Spec struct {
	Src     string   `json:"src"`
	Origin  string   `json:"origin"`
	Sandbox []string `json:"sandbox"`
	Allow   []string `json:"allow,omitempty"`
	Title   string   `json:"title,omitempty"`
}

// Handle is a loaded frame. It doubles as the bridge window.
type Handle interface {
	PostMessage(data []byte, targetOrigin string) error
	Close() error
	// Done is closed when the frame goes away
	Done() <-chan struct{}
}

// Loader brings a frame up
type Loader interface {
	Load(ctx context.Context, spec Spec) (Handle, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, spec Spec) (Handle, error)

func (f LoaderFunc) Load(ctx context.Context, spec Spec) (Handle, error) {
	return f(ctx, spec)
}

// Failure is the payload of iframe:error
type Failure struct {
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
	Error   string `json:"error,omitempty"`
}

// Status is a point-in-time view of the manager
type Status struct {
	State     State      `json:"state"`
	Spec      Spec       `json:"spec"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"lastError,omitempty"`
	LoadedAt  *time.Time `json:"loadedAt,omitempty"`
}

type transitionError struct {
	from, to State
}

func (e transitionError) Error() string {
	return fmt.Sprintf("invalid frame transition %s -> %s", e.from, e.to)
}

// errBusy is returned when another Create owns the load
type errBusy struct {
	err error
}

func (e errBusy) Error() string { return "frame is already loading: " + e.err.Error() }
func (e errBusy) Unwrap() error { return e.err }
