package checkin

import (
	"context"
	"sync"
)

// State is where a single attendee's submission stands.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateSuccess
	StateDuplicate
	StateError
)

func (s State) String() string {
	switch s {
	case StateSubmitting:
		return "submitting"
	case StateSuccess:
		return "success"
	case StateDuplicate:
		return "duplicate"
	case StateError:
		return "error"
	}
	return "idle"
}

// Submitter is anything that can submit a check-in.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) SubmitResult
}

// Submission tracks one attendee's check-in. Success and duplicate are
// terminal; an error may be retried with another Run.
type Submission struct {
	mu     sync.Mutex
	client Submitter
	state  State
	result SubmitResult
}

func NewSubmission(client Submitter) *Submission {
	return &Submission{client: client}
}

func (s *Submission) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result is the last result seen, zero while idle.
func (s *Submission) Result() SubmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Run submits req unless the submission already finished or is in flight.
func (s *Submission) Run(ctx context.Context, req SubmitRequest) SubmitResult {
	s.mu.Lock()
	switch s.state {
	case StateSuccess, StateDuplicate:
		res := s.result
		s.mu.Unlock()
		return res
	case StateSubmitting:
		s.mu.Unlock()
		return SubmitResult{Kind: ErrorKindInProgress, Message: "submission in progress"}
	}
	s.state = StateSubmitting
	s.mu.Unlock()

	res := s.client.Submit(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = res
	switch {
	case res.OK:
		s.state = StateSuccess
	case res.Duplicate:
		s.state = StateDuplicate
	default:
		s.state = StateError
	}
	return res
}
