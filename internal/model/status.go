package model

// JobStatus represents the lifecycle state of a harvest job. These
// values must match the text values stored in the database
// (harvest_jobs.status).
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobStopped   JobStatus = "stopped"
)

// Terminal reports whether the control loop has finished with the job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobStopped:
		return true
	}
	return false
}

// Valid reports whether s is one of the known job states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobPaused, JobCompleted, JobFailed, JobStopped:
		return true
	}
	return false
}

var transitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobStopped},
	JobRunning: {JobPaused, JobCompleted, JobStopped, JobFailed},
	JobPaused:  {JobRunning, JobStopped, JobFailed},
}

// CanTransition reports whether the control loop may move a job from
// one state to another. Terminal states have no outgoing edges; reopening
// a stopped or failed job goes through Resumable instead.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Resumable reports whether a resume may pick the job up again. A
// pending or running job here was left behind by a process that died.
// Completed jobs have nothing left to do.
func (s JobStatus) Resumable() bool {
	switch s {
	case JobPending, JobRunning, JobPaused, JobStopped, JobFailed:
		return true
	}
	return false
}

// ItemStatus is the per-item progress state (harvest_job_items.status).
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
	ItemSkipped ItemStatus = "skipped"
)

// PauseReason explains why a job sits in the paused state.
type PauseReason string

const (
	PauseNone       PauseReason = ""
	PauseManual     PauseReason = "manual"
	PauseWindow     PauseReason = "window"
	PauseDailyQuota PauseReason = "daily_quota"
)
