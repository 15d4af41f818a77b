package models

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrTerminalStatus = errors.New("job already in a terminal status")
	ErrNoQueueEntry   = errors.New("no unclaimed queue entry")
	ErrNoRoute        = errors.New("no supplier route available")
)

// Preparation stages recorded on PreparationError so the job row can say
// why preparation failed without leaking transport errors.
const (
	StageExtract  = "extract"
	StageDuration = "duration"
	StageClip     = "clip"
	StageStage    = "stage"
	StageVerify   = "verify"
)

// PreparationError wraps a media-preparation failure with the stage where
// it occurred.
type PreparationError struct {
	Stage string
	Err   error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("preparation failed at %s: %v", e.Stage, e.Err)
}

func (e *PreparationError) Unwrap() error { return e.Err }

// NewPreparationError wraps err with its stage.
func NewPreparationError(stage string, err error) *PreparationError {
	return &PreparationError{Stage: stage, Err: err}
}

// ErrManualUploadRequired signals that a third-party extraction link could
// not be verified reachable after bounded re-resolution.
var ErrManualUploadRequired = errors.New("source link unreachable, manual upload required")

// ErrDurationLimit is wrapped into a duration-stage PreparationError when the
// source exceeds the tier cap and no preview clip is in effect.
var ErrDurationLimit = errors.New("duration limit exceeded")

// AdmissionDenied is a first-class admission outcome, not an exception.
// Remaining carries whichever unit ran out (minutes or requests).
type AdmissionDenied struct {
	Reason    string  `json:"reason"`
	Remaining float64 `json:"remaining"`
}

func (e *AdmissionDenied) Error() string {
	return fmt.Sprintf("admission denied: %s (remaining=%g)", e.Reason, e.Remaining)
}
