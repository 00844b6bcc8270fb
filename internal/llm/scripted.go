package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Scripted is a Runtime whose answers come from a function. Tests and the
// REPL use it in place of a hosted model.
type Scripted struct {
	// Reply produces the answer. A nil Reply makes every prompt fail with
	// ErrUnavailable.
	Reply func(req Request) (string, error)
	// Delay holds each prompt until it elapses or the context ends.
	Delay time.Duration
	// Down makes Available and Prompt fail.
	Down bool

	mu     sync.Mutex
	calls  []Request
	checks int
}

// Fixed returns a Scripted runtime that always answers text.
func Fixed(text string) *Scripted {
	return &Scripted{Reply: func(Request) (string, error) { return text, nil }}
}

// Keyed answers with the first value whose key appears in the prompt.
// Pairs alternate key, value.
func Keyed(pairs ...string) *Scripted {
	return &Scripted{Reply: func(req Request) (string, error) {
		for i := 0; i+1 < len(pairs); i += 2 {
			if strings.Contains(req.Prompt, pairs[i]) || strings.Contains(req.Options.System, pairs[i]) {
				return pairs[i+1], nil
			}
		}
		return "", ErrUnavailable
	}}
}

// Prompt implements Runtime.
func (s *Scripted) Prompt(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	down, reply, delay := s.Down, s.Reply, s.Delay
	s.mu.Unlock()

	if down || reply == nil {
		return "", ErrUnavailable
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return reply(req)
}

// Available implements Runtime.
func (s *Scripted) Available(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	if s.Down {
		return ErrUnavailable
	}
	return nil
}

// SetDown toggles availability.
func (s *Scripted) SetDown(down bool) {
	s.mu.Lock()
	s.Down = down
	s.mu.Unlock()
}

// Calls returns every prompt received so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// AvailabilityChecks returns how many times Available was called.
func (s *Scripted) AvailabilityChecks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}
