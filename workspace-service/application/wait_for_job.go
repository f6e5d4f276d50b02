package application

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

// defaultWaitTimeout applies when neither the query nor the use case sets a timeout
const defaultWaitTimeout = 30 * time.Second

// WaitForJobQuery represents the query to wait for a job to finish
type WaitForJobQuery struct {
	JobID     string        `json:"job_id"`
	SubjectID string        `json:"subject_id"`
	Timeout   time.Duration `json:"timeout"`
}

// WaitForJob use case
type WaitForJob struct {
	getJob         *GetJob
	maxTimeout     time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewWaitForJob creates a new WaitForJob use case. Requested timeouts are capped
// at maxTimeout.
func NewWaitForJob(getJob *GetJob, maxTimeout time.Duration) *WaitForJob {
	return &WaitForJob{
		getJob:         getJob,
		maxTimeout:     maxTimeout,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Execute polls the job until it is terminal. ErrJobNotReady when the timeout
// passes first.
func (uc *WaitForJob) Execute(ctx context.Context, query *WaitForJobQuery) (*JobReport, error) {
	timeout := query.Timeout
	if timeout <= 0 || (uc.maxTimeout > 0 && timeout > uc.maxTimeout) {
		timeout = uc.maxTimeout
	}
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = uc.initialBackoff
	b.MaxInterval = uc.maxBackoff

	report, err := backoff.Retry(ctx, func() (*JobReport, error) {
		report, err := uc.getJob.Execute(ctx, &GetJobQuery{JobID: query.JobID, SubjectID: query.SubjectID})
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !report.IsTerminal() {
			return nil, ErrJobNotReady
		}
		return report, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(timeout))

	switch {
	case err == nil:
		return report, nil
	case errors.Is(err, ErrJobNotReady), errors.Is(err, context.DeadlineExceeded):
		return nil, errors.Wrapf(ErrJobNotReady, "%s after %s", query.JobID, timeout)
	default:
		return nil, err
	}
}
