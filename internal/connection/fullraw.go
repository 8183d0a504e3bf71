package connection

import (
	"context"

	"github.com/rickgao/kite-stream/internal/codec"
)

// FullRawSubscriber consumes the raw-frame tap and yields only 184-byte
// Full packet bodies, sliced out of the frames without copying. Useful in
// raw-only mode when only depth packets matter.
type FullRawSubscriber struct {
	ch      <-chan RawFrame
	pending [][]byte
}

// NewFullRawSubscriber attaches a full-packet subscriber to the worker's
// raw broadcast.
func NewFullRawSubscriber(w *Worker) *FullRawSubscriber {
	return &FullRawSubscriber{ch: w.SubscribeRaw()}
}

// Next returns the next Full packet body, waiting across frames that carry
// none. Returns ErrClosed once the raw broadcast closes.
func (s *FullRawSubscriber) Next(ctx context.Context) ([]byte, error) {
	for {
		if len(s.pending) > 0 {
			p := s.pending[0]
			s.pending = s.pending[1:]
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case frame, ok := <-s.ch:
			if !ok {
				return nil, ErrClosed
			}
			s.pending = codec.ExtractFullPayloads(frame, 0, s.pending[:0])
		}
	}
}

// NextBatch returns up to max Full packet bodies, reading as many frames
// as needed to produce at least one.
func (s *FullRawSubscriber) NextBatch(ctx context.Context, max int) ([][]byte, error) {
	if max < 1 {
		max = 1
	}
	out := make([][]byte, 0, max)
	for len(out) < max {
		p, err := s.Next(ctx)
		if err != nil {
			if len(out) > 0 && err == ErrClosed {
				return out, nil
			}
			return out, err
		}
		out = append(out, p)
		// Drain without blocking once we have something.
		if len(s.pending) == 0 && len(out) > 0 {
			select {
			case frame, ok := <-s.ch:
				if !ok {
					return out, nil
				}
				s.pending = codec.ExtractFullPayloads(frame, 0, nil)
			default:
				return out, nil
			}
		}
	}
	return out, nil
}
