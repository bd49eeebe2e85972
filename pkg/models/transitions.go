package models

// transitions is the closed job state machine. Any (from, to) pair not
// listed here is rejected by the job manager.
var transitions = map[JobState][]JobState{
	JobStateQueued: {
		JobStateRunning, JobStateCanceled, JobStateExpired,
	},
	JobStateRunning: {
		JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateExpired,
		JobStateStale, JobStateWaitingOnAnswer,
	},
	JobStateWaitingOnAnswer: {
		JobStateRunning, JobStateFailed, JobStateCanceled, JobStateExpired,
	},
	JobStateStale: {
		JobStateRunning, JobStateFailed, JobStateExpired,
	},
	// Terminal states have no exits.
	JobStateSucceeded: nil,
	JobStateFailed:    nil,
	JobStateCanceled:  nil,
	JobStateExpired:   nil,
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
