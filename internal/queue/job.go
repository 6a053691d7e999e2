package queue

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a queued job
type State string

// Job lifecycle states. A delayed retry stays in StateWaiting; only the
// queue runtime moves jobs between states.
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job wraps one event payload with queue bookkeeping. The payload is opaque
// to the queue; workers decode it themselves.
type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	NextRetryAt time.Time       `json:"next_retry_at,omitempty"`
	LeaseUntil  time.Time       `json:"lease_until,omitempty"`
}

// fields encodes the job as a Redis hash
func (j *Job) fields() map[string]interface{} {
	f := map[string]interface{}{
		"data":         string(j.Payload),
		"state":        string(j.State),
		"attempts":     strconv.Itoa(j.Attempts),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"created_at":   j.CreatedAt.Format(time.RFC3339Nano),
	}
	if j.LastError != "" {
		f["last_error"] = j.LastError
	}
	if !j.NextRetryAt.IsZero() {
		f["next_retry_at"] = j.NextRetryAt.Format(time.RFC3339Nano)
	}
	if !j.LeaseUntil.IsZero() {
		f["lease_until"] = j.LeaseUntil.Format(time.RFC3339Nano)
	}
	return f
}

// parseJob decodes a job from its Redis hash
func parseJob(id string, fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, errors.Errorf("job %s not found", id)
	}

	job := &Job{
		ID:        id,
		Payload:   json.RawMessage(fields["data"]),
		State:     State(fields["state"]),
		LastError: fields["last_error"],
	}

	var err error
	if job.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, errors.Wrapf(err, "job %s has a malformed attempt count", id)
	}
	if job.MaxAttempts, err = strconv.Atoi(fields["max_attempts"]); err != nil {
		return nil, errors.Wrapf(err, "job %s has a malformed max attempt count", id)
	}

	if v := fields["created_at"]; v != "" {
		if job.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, errors.Wrapf(err, "job %s has a malformed creation time", id)
		}
	}
	if v := fields["next_retry_at"]; v != "" {
		if job.NextRetryAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, errors.Wrapf(err, "job %s has a malformed retry time", id)
		}
	}
	if v := fields["lease_until"]; v != "" {
		if job.LeaseUntil, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, errors.Wrapf(err, "job %s has a malformed lease time", id)
		}
	}

	return job, nil
}

// backoffDelay returns the delay before the next attempt: the base delay
// doubled for every attempt already spent (2s, 4s, 8s, ...).
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base << (attempts - 1)
}
