package conversation

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/54b3r/kbchat-go/internal/responder"
)

// Run is one in-flight streamed response. It is consumed by a single relay;
// Stop may be called from any goroutine.
type Run struct {
	ConversationID int64
	UserMessage    string

	stream  *responder.Stream
	done    <-chan struct{}
	ctxErr  func() error
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// Next returns the next increment, or io.EOF at the end of the response.
func (r *Run) Next() (string, error) {
	return r.stream.Next()
}

// Stop requests cancellation. The relay observes it, emits a stopped frame
// and returns. Safe to call more than once.
func (r *Run) Stop() {
	r.stopped.Store(true)
	r.cancel()
}

// Stopped reports whether Stop was called.
func (r *Run) Stopped() bool {
	return r.stopped.Load()
}

// expired reports whether the run's context ended because its deadline
// passed rather than by cancellation.
func (r *Run) expired() bool {
	return r.ctxErr != nil && errors.Is(r.ctxErr(), context.DeadlineExceeded)
}

// abort cancels the run without marking it stopped by the user.
func (r *Run) abort() { r.cancel() }

// Close releases the model stream and the run context.
func (r *Run) Close() {
	r.cancel()
	r.stream.Close()
}
