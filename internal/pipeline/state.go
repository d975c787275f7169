package pipeline

import "fmt"

// State is a step in the life of one synthesis job.
type State string

const (
	StateReceived      State = "received"
	StateVoiceAcquired State = "voice_acquired"
	StateSegmented     State = "segmented"
	StateSynthesizing  State = "synthesizing"
	StateAssembling    State = "assembling"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

var transitions = map[State][]State{
	StateReceived:      {StateVoiceAcquired},
	StateVoiceAcquired: {StateSegmented},
	StateSegmented:     {StateSynthesizing},
	StateSynthesizing:  {StateSynthesizing, StateAssembling},
	StateAssembling:    {StateCompleted},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Progress is reported with every transition; Done and Total are only meaningful
// while synthesizing.
type Progress struct {
	JobID string
	State State
	Done  int
	Total int
	Err   error
}

// Observer receives every transition of a job, in order.
type Observer func(Progress)

// Job tracks one run through the pipeline. It is created per run and never reused.
type Job struct {
	id       string
	state    State
	done     int
	total    int
	observer Observer
}

func newJob(id string, observer Observer) *Job {
	j := &Job{id: id, state: StateReceived, observer: observer}
	j.emit(nil)
	return j
}

func (j *Job) State() State { return j.state }

// advance moves the job to next; it panics on an illegal transition, which is a
// programming error in the orchestrator.
func (j *Job) advance(next State) {
	if !j.allowed(next) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", j.state, next))
	}
	j.state = next
	j.emit(nil)
}

func (j *Job) synthesizing(done, total int) {
	j.done, j.total = done, total
	j.advance(StateSynthesizing)
}

// fail moves any non-terminal job to Failed.
func (j *Job) fail(err error) {
	if j.state.Terminal() {
		return
	}
	j.state = StateFailed
	j.emit(err)
}

func (j *Job) allowed(next State) bool {
	for _, s := range transitions[j.state] {
		if s == next {
			return true
		}
	}
	return false
}

func (j *Job) emit(err error) {
	if j.observer == nil {
		return
	}
	j.observer(Progress{JobID: j.id, State: j.state, Done: j.done, Total: j.total, Err: err})
}
