// Package testutil holds helpers shared by the hive tests.
package testutil

import (
	"testing"
	"time"

	"github.com/najoast/hive/core"
)

// DefaultTimeout bounds every blocking helper in this package.
const DefaultTimeout = 5 * time.Second

// Recv waits for the next message on q and fails the test if none arrives
// within DefaultTimeout or if the queue reports closure.
func Recv[T any](t testing.TB, q *core.Queue[T]) T {
	t.Helper()

	type result struct {
		msg T
		ok  bool
	}
	ch := make(chan result, 1)
	go func() {
		msg, ok := q.Recv()
		ch <- result{msg, ok}
	}()

	select {
	case r := <-ch:
		if !r.ok {
			t.Fatalf("queue closed while waiting for a message")
		}
		return r.msg
	case <-time.After(DefaultTimeout):
		t.Fatalf("no message within %s", DefaultTimeout)
	}
	panic("unreachable")
}

// RecvMatch receives messages until match returns true and returns the
// matching one. Skipped messages are returned as well, in order.
func RecvMatch[T any](t testing.TB, q *core.Queue[T], match func(T) bool) (T, []T) {
	t.Helper()

	var skipped []T
	for {
		msg := Recv(t, q)
		if match(msg) {
			return msg, skipped
		}
		skipped = append(skipped, msg)
	}
}
