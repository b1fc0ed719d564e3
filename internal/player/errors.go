package player

import (
	"errors"
	"fmt"

	"github.com/zsiec/prism-player/internal/catalog"
	"github.com/zsiec/prism-player/internal/moq"
	"github.com/zsiec/prism-player/internal/session"
	"github.com/zsiec/prism-player/internal/track"
)

// Stage names a step of a reactor iteration.
type Stage string

// Reactor stages, in execution order.
const (
	StageSession Stage = "session"
	StageCatalog Stage = "catalog"
	StageTracks  Stage = "tracks"
	StageRun     Stage = "run"
)

// StageError records which stage of an iteration failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("player: %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Kind classifies a failure.
type Kind int

// Failure kinds.
const (
	KindProtocol Kind = iota
	KindInput
	KindConnection
	KindCatalog
	KindPipeline
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindConnection:
		return "connection"
	case KindCatalog:
		return "catalog"
	case KindPipeline:
		return "pipeline"
	default:
		return "protocol"
	}
}

// Classify maps an error from any reactor stage to its Kind. Errors
// without a more specific cause are protocol errors, unless they come out
// of the session stage, where they are connection errors.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, session.ErrInvalidScheme),
		errors.Is(err, session.ErrInvalidEndpoint):
		return KindInput
	case errors.Is(err, session.ErrFingerprint),
		errors.Is(err, moq.ErrVersionMismatch):
		return KindConnection
	case errors.Is(err, catalog.ErrMissing),
		errors.Is(err, catalog.ErrInvalid),
		errors.Is(err, track.ErrMissingNamespace):
		return KindCatalog
	case errors.Is(err, track.ErrDecoder):
		return KindPipeline
	}

	var se *StageError
	if errors.As(err, &se) && se.Stage == StageSession {
		return KindConnection
	}
	return KindProtocol
}
