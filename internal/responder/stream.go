package responder

import (
	"errors"
	"io"
	"sync"

	"github.com/cloudwego/eino/schema"
)

// Stream is a lazily produced sequence of text increments. It is consumed by
// a single reader and cannot be restarted.
type Stream struct {
	sr        *schema.StreamReader[*schema.Message]
	closeOnce sync.Once
}

func newStream(sr *schema.StreamReader[*schema.Message]) *Stream {
	return &Stream{sr: sr}
}

// Next returns the next non-empty increment. It returns io.EOF when the model
// has finished; any other error means the response failed mid-stream.
func (s *Stream) Next() (string, error) {
	for {
		msg, err := s.sr.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		return msg.Content, nil
	}
}

// Close releases the underlying model stream. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(s.sr.Close)
}
