package testutils

import (
	"time"

	. "github.com/onsi/gomega"
)

// ViewUpdate is a view update notification captured by a test.
type ViewUpdate struct {
	ViewType string
	State    uint64
}

// Recorder returns a channel and a handler that pushes view updates into it. The channel is
// buffered so handlers never block the update pass.
func Recorder(size int) (chan ViewUpdate, func(string, uint64)) {
	ch := make(chan ViewUpdate, size)
	return ch, func(viewType string, state uint64) {
		select {
		case ch <- ViewUpdate{ViewType: viewType, State: state}:
		default:
		}
	}
}

// TryWatch attempts to receive a view update within the specified timeout. Returns the update and
// true if successful, or an empty update and false if timeout occurs.
func TryWatch(ch chan ViewUpdate, timeout time.Duration) (ViewUpdate, bool) {
	select {
	case u := <-ch:
		return u, true
	case <-time.After(timeout):
		return ViewUpdate{}, false
	}
}

// MatchUpdate validates that a view update matches the expected values.
func MatchUpdate(u ViewUpdate, viewType string, state uint64) {
	Expect(u.ViewType).To(Equal(viewType))
	Expect(u.State).To(Equal(state))
}
