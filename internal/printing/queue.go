package printing

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ordermaster/printbridge/internal/receipt"
)

// PrintJob is a receipt waiting for a printer. An empty DeviceID targets
// whichever printer is active when the queue drains.
type PrintJob struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id,omitempty"`
	Receipt   receipt.Receipt `json:"receipt"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Queue is a FIFO of print jobs. Jobs leave only from the head, and only
// after they were delivered.
type Queue struct {
	mu   sync.Mutex
	jobs []PrintJob
}

func newJob(deviceID string, r receipt.Receipt, now time.Time) PrintJob {
	return PrintJob{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Receipt:   r,
		CreatedAt: now.UTC(),
	}
}

// Push appends job at the tail.
func (q *Queue) Push(job PrintJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
}

// Head returns the oldest job.
func (q *Queue) Head() (PrintJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return PrintJob{}, false
	}
	return q.jobs[0], true
}

// Pop removes the head if it is still job id. It reports whether it did.
func (q *Queue) Pop(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 || q.jobs[0].ID != id {
		return false
	}
	q.jobs = q.jobs[1:]
	return true
}

// Fail records a failed attempt on the head job, leaving it in place.
func (q *Queue) Fail(id string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 || q.jobs[0].ID != id {
		return
	}
	q.jobs[0].Attempts++
	q.jobs[0].LastError = err.Error()
}

// Clear drops every job and returns how many there were.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.jobs)
	q.jobs = nil
	return n
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Snapshot returns a copy of the jobs in order.
func (q *Queue) Snapshot() []PrintJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PrintJob, len(q.jobs))
	copy(out, q.jobs)
	return out
}
