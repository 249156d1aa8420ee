package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/logging"
)

// FrameType is the kind of a streamed frame.
type FrameType string

const (
	FrameStart   FrameType = "start"
	FrameToken   FrameType = "token"
	FrameDone    FrameType = "done"
	FrameError   FrameType = "error"
	FrameStopped FrameType = "stopped"
)

// Terminal reports whether t ends a run.
func (t FrameType) Terminal() bool {
	return t == FrameDone || t == FrameError || t == FrameStopped
}

// Frame is one message of a streamed response as sent to clients.
type Frame struct {
	Type      FrameType `json:"type"`
	Content   string    `json:"content"`
	Timestamp string    `json:"timestamp"`
}

// NewFrame returns a frame stamped with the current time.
func NewFrame(t FrameType, content string) Frame {
	return Frame{Type: t, Content: content, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Sink delivers frames to a client. A non-nil error means the client is gone.
type Sink interface {
	Send(Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame) error

// Send calls f.
func (f SinkFunc) Send(fr Frame) error { return f(fr) }

// RelayOptions tunes Relay for a transport.
type RelayOptions struct {
	// SendStart emits a start frame before the first increment.
	SendStart bool
}

// Status is how a relayed run ended.
type Status string

const (
	StatusDone         Status = "done"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
)

// Outcome summarises a relayed run.
type Outcome struct {
	Status Status
	// Content is the concatenation of every increment delivered to the sink.
	Content string
	// Increments is the number of token frames delivered.
	Increments int
	// Err is the generation error for StatusFailed.
	Err error
}

// Success reports whether the response ran to completion.
func (o Outcome) Success() bool { return o.Status == StatusDone }

// ShouldSave reports whether the outcome is worth persisting as an assistant
// message. A failure with no delivered content is not.
func (o Outcome) ShouldSave() bool {
	if o.Status == StatusFailed {
		return o.Content != ""
	}
	return true
}

// errTimedOut is the client-facing message for a response that ran past its
// deadline.
const errTimedOut = "the response timed out"

type increment struct {
	text string
	err  error
}

// Relay forwards run's increments to sink until the response ends, the run
// is stopped, ctx ends or the sink fails. Exactly one terminal frame is sent
// unless the client is gone: a cancelled ctx or a failed sink. A ctx or run
// deadline is a failure and ends with an error frame. Relay does not close
// run.
func Relay(ctx context.Context, run *Run, sink Sink, opts RelayOptions) Outcome {
	log := logging.FromContext(ctx).With(slog.Int64("conversation_id", run.ConversationID))

	var (
		content strings.Builder
		out     Outcome
	)
	finish := func(status Status, err error) Outcome {
		out.Status = status
		out.Content = content.String()
		out.Err = err
		log.Info("conversation: relay finished",
			slog.String("status", string(status)),
			slog.Int("increments", out.Increments),
		)
		return out
	}
	terminal := func(t FrameType, msg string) {
		if err := sink.Send(NewFrame(t, msg)); err != nil {
			log.Debug("conversation: terminal frame not delivered", slog.Any("error", err))
		}
	}
	fail := func(err error) Outcome {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperr.Wrap(apperr.KindUnknown, err, errTimedOut)
		}
		log.Error("conversation: response failed mid-stream", slog.Any("error", err))
		terminal(FrameError, apperr.From(err).PublicMessage())
		return finish(StatusFailed, err)
	}

	if opts.SendStart {
		if err := sink.Send(NewFrame(FrameStart, "")); err != nil {
			run.abort()
			return finish(StatusDisconnected, nil)
		}
	}

	quit := make(chan struct{})
	defer close(quit)
	items := make(chan increment)
	go func() {
		for {
			text, err := run.Next()
			select {
			case items <- increment{text: text, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		if run.Stopped() {
			terminal(FrameStopped, "")
			return finish(StatusStopped, nil)
		}
		select {
		case <-ctx.Done():
			run.abort()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fail(ctx.Err())
			}
			return finish(StatusDisconnected, nil)

		case <-run.done:
			if run.Stopped() {
				continue
			}
			if run.expired() {
				return fail(context.DeadlineExceeded)
			}
			return finish(StatusDisconnected, nil)

		case it := <-items:
			if run.Stopped() {
				continue
			}
			if errors.Is(it.err, io.EOF) {
				terminal(FrameDone, "")
				return finish(StatusDone, nil)
			}
			if errors.Is(it.err, context.Canceled) && ctx.Err() != nil {
				return finish(StatusDisconnected, nil)
			}
			if it.err != nil {
				return fail(it.err)
			}
			if err := sink.Send(NewFrame(FrameToken, it.text)); err != nil {
				run.abort()
				return finish(StatusDisconnected, nil)
			}
			content.WriteString(it.text)
			out.Increments++
		}
	}
}
