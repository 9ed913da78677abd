package services

import "errors"

// ErrNothingToDraw is returned when every participant already holds a record.
// It is a recoverable condition: no state has been touched.
var ErrNothingToDraw = errors.New("no eligible participants left to draw")

// ErrPrizeNotFound is returned when a prize id is unknown to the session.
var ErrPrizeNotFound = errors.New("prize not found")

// ErrParticipantNotFound is returned when a participant id is unknown to the session.
var ErrParticipantNotFound = errors.New("participant not found")

// ErrInvalidDrawMode is returned for modes other than single and batch.
var ErrInvalidDrawMode = errors.New("invalid draw mode")

// ErrInvalidDrawCount is returned when a batch round asks for fewer than one winner.
var ErrInvalidDrawCount = errors.New("batch draw needs a positive count")

// ErrInvalidPrize is returned for a blank name or a negative quantity.
var ErrInvalidPrize = errors.New("prize needs a name and a non-negative quantity")

// ErrInvalidName is returned when a participant is renamed to a blank name.
var ErrInvalidName = errors.New("participant name cannot be empty")

// ErrAlreadyWon is returned when appended records would repeat a winner.
var ErrAlreadyWon = errors.New("participant already holds a draw record")

// ErrSessionUnavailable is returned when stored session state could not be
// read. Nothing is changed; the next call retries the load.
var ErrSessionUnavailable = errors.New("session state is temporarily unavailable")
