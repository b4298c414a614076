package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const readBufferSize = 32 * 1024

// Summary describes how a stream ended.
type Summary struct {
	Events  int
	Skipped int
	Done    bool
}

// Read drives a Reassembler over src, calling emit for each event as soon as
// its line is complete. It returns when src is exhausted, the [DONE]
// sentinel arrives, ctx is cancelled or emit fails. Reaching the end of src
// or the sentinel is success.
func Read(ctx context.Context, src io.Reader, emit func(Event) error) (Summary, error) {
	r := NewReassembler()
	var sum Summary
	deliver := func(events []Event) error {
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
			sum.Events++
		}
		return nil
	}
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			sum.Skipped = r.Skipped()
			return sum, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			events, done := r.Push(buf[:n])
			if err := deliver(events); err != nil {
				sum.Skipped = r.Skipped()
				return sum, err
			}
			if done {
				sum.Skipped = r.Skipped()
				sum.Done = true
				return sum, nil
			}
		}
		if errors.Is(readErr, io.EOF) {
			err := deliver(r.Finish())
			sum.Skipped = r.Skipped()
			return sum, err
		}
		if readErr != nil {
			sum.Skipped = r.Skipped()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sum, ctxErr
			}
			return sum, fmt.Errorf("read upstream stream: %w", readErr)
		}
	}
}
