package monitor

import (
	"context"
	"sync"
)

// Outcome is how a walk ended.
type Outcome int

const (
	// JobRunning means the walk has not ended yet.
	JobRunning Outcome = iota
	// JobCompleted means every directory was visited.
	JobCompleted
	// JobSuspended means the walk drained into a snapshot.
	JobSuspended
	// JobStopped means the walk was stopped or its context ended.
	JobStopped
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobSuspended:
		return "suspended"
	case JobStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Job tracks one asynchronous walk started by Scan or Resume.
type Job struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	outcome Outcome
	err     error
}

func newJob() *Job {
	return &Job{done: make(chan struct{})}
}

// Done is closed when the walk has ended.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the walk ends or ctx is done.
func (j *Job) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		return j.Outcome(), j.Err()
	case <-ctx.Done():
		return JobRunning, ctx.Err()
	}
}

// Outcome returns how the walk ended, or JobRunning.
func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

// Err returns the error that ended the walk, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) finish(o Outcome, err error) {
	j.once.Do(func() {
		j.mu.Lock()
		j.outcome = o
		j.err = err
		j.mu.Unlock()
		close(j.done)
	})
}
