package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyText    = errors.New("text is empty after normalization")
	ErrVoiceMissing = errors.New("voice reference not found")
)

// VoiceAcquisitionError means the reference voice could not be made local.
type VoiceAcquisitionError struct {
	URI string
	Err error
}

func (e *VoiceAcquisitionError) Error() string {
	return fmt.Sprintf("acquire voice %s: %v", e.URI, e.Err)
}

func (e *VoiceAcquisitionError) Unwrap() error { return e.Err }

// SynthesisEngineError reports the unit (1-based) the engine failed on.
type SynthesisEngineError struct {
	Unit  int
	Total int
	Err   error
}

func (e *SynthesisEngineError) Error() string {
	return fmt.Sprintf("synthesize unit %d/%d: %v", e.Unit, e.Total, e.Err)
}

func (e *SynthesisEngineError) Unwrap() error { return e.Err }

type AssemblyError struct {
	Err error
}

func (e *AssemblyError) Error() string { return fmt.Sprintf("assemble audio: %v", e.Err) }

func (e *AssemblyError) Unwrap() error { return e.Err }

// PipelineError is the single error a failed job reports. Stage is the state the job
// was in when it failed.
type PipelineError struct {
	JobID string
	Stage State
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("job %s failed while %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
