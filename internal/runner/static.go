package runner

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/parley/internal/adapter"
)

// StaticRunner replays scripted turns in order. Each Stream call
// consumes the next turn; calling past the script returns an error.
// Intended for tests and offline development.
type StaticRunner struct {
	dialect adapter.Dialect

	mu       sync.Mutex
	turns    [][]*Chunk
	next     int
	requests []*Request
}

// NewStaticRunner builds a runner that replays turns. The dialect
// controls which adapter the chat loop selects for it.
func NewStaticRunner(dialect adapter.Dialect, turns ...[]*Chunk) *StaticRunner {
	return &StaticRunner{dialect: dialect, turns: turns}
}

func (r *StaticRunner) Name() string { return "static" }

func (r *StaticRunner) Dialect() adapter.Dialect { return r.dialect }

// Requests returns a copy of every request Stream has received, in
// order.
func (r *StaticRunner) Requests() []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Request, len(r.requests))
	copy(out, r.requests)
	return out
}

func (r *StaticRunner) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	if r.next >= len(r.turns) {
		r.mu.Unlock()
		return nil, errors.New("static: no scripted turns remaining")
	}
	turn := r.turns[r.next]
	r.next++
	r.mu.Unlock()

	chunks := make(chan *Chunk, len(turn)+1)
	go func() {
		defer close(chunks)
		done := false
		for _, c := range turn {
			select {
			case <-ctx.Done():
				chunks <- &Chunk{Err: ctx.Err(), Done: true}
				return
			case chunks <- c:
				if c.Done || c.Err != nil {
					done = true
				}
			}
		}
		if !done {
			chunks <- &Chunk{Done: true}
		}
	}()
	return chunks, nil
}
