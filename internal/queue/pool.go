package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/timmy/vehiclecount/internal/domain"
	"github.com/timmy/vehiclecount/internal/logger"
)

// ProgressFunc reports a PROGRESS snapshot for the running job. meta is encoded
// as JSON and replaces the job's previous metadata.
type ProgressFunc func(ctx context.Context, meta interface{}) error

// Handler runs one claimed job and returns the value stored as its result.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job, progress ProgressFunc) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *domain.Job, progress ProgressFunc) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job, progress ProgressFunc) (interface{}, error) {
	return f(ctx, job, progress)
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Workers      int
	PollInterval time.Duration
	// Name prefixes worker ids, e.g. "worker-host1" gives "worker-host1-0".
	Name string
	// ReportAttempts bounds delivery of a job's terminal state; defaults to 3.
	ReportAttempts int
	// ReportBackoff is the first retry delay, growing linearly; defaults to 100ms.
	ReportBackoff time.Duration
}

// Pool runs Workers goroutines that poll the queue and execute claimed jobs.
// Jobs are never retried: a failed job is reported FAILED and left alone. Only
// the delivery of that final report is retried.
type Pool struct {
	queue   Queue
	handler Handler
	opts    PoolOptions
	wg      sync.WaitGroup
}

// NewPool creates a worker pool.
// Parameters:
//   - q: queue to claim jobs from and report to.
//   - h: handler executed for every claimed job.
//   - opts: pool size and poll interval; zero values fall back to 1 worker and 1s.
//
// Returns:
//   - *Pool: pool ready to Start.
func NewPool(q Queue, h Handler, opts PoolOptions) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Name == "" {
		opts.Name = "worker"
	}
	if opts.ReportAttempts < 1 {
		opts.ReportAttempts = 3
	}
	if opts.ReportBackoff <= 0 {
		opts.ReportBackoff = 100 * time.Millisecond
	}
	return &Pool{queue: q, handler: h, opts: opts}
}

// Start launches the workers. They stop claiming when ctx is done; a job already
// running is never cancelled and finishes before Wait returns.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		workerID := p.opts.Name + "-" + strconv.Itoa(i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	logger.With(logger.Fields{logger.FieldCount: p.opts.Workers}).Info(ctx, "Worker pool started")
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	ctx = logger.SetWorkerID(ctx, workerID)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.CtxInfo(ctx, "Worker stopping")
			return
		case <-ticker.C:
			// Drain what is pending before sleeping again.
			for ctx.Err() == nil {
				ran, err := p.RunOnce(ctx, workerID)
				if err != nil {
					logger.FromContext(ctx).WithError(err).Error("Failed to claim job")
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// RunOnce claims one job and runs it to completion.
// Parameters:
//   - ctx: context used for claiming; the job itself runs detached from its cancellation.
//   - workerID: id recorded on the claimed job.
//
// Returns:
//   - bool: true when a job was claimed.
//   - error: non-nil only if claiming failed.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.execute(context.WithoutCancel(ctx), job)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, job *domain.Job) {
	ctx = logger.SetJobID(ctx, job.ID)
	ctx = logger.SetVideoID(ctx, job.VideoID)
	ctx = logger.SetUserID(ctx, job.UserID)
	start := time.Now()
	logger.CtxInfo(ctx, "Job started: %s", job.FilePath)

	result, err := p.run(ctx, job)

	report := Report{State: domain.JobStateSucceeded}
	if err == nil {
		report.Result, err = json.Marshal(result)
		if err != nil {
			err = errors.Wrap(err, "failed to encode job result")
		}
	}
	if err != nil {
		report = Report{
			State:     domain.JobStateFailed,
			Error:     err.Error(),
			Traceback: Traceback(err),
		}
	}

	if rerr := p.reportFinal(ctx, job.ID, report); rerr != nil {
		logger.FromContext(ctx).WithError(rerr).Errorf("Failed to report job state %s", report.State)
		return
	}

	entry := logger.With(logger.Fields{logger.FieldStatus: string(report.State)}).WithDuration(time.Since(start).Milliseconds())
	if err != nil {
		entry.Error(ctx, "Job failed: %v", err)
		return
	}
	entry.Info(ctx, "Job succeeded")
}

// reportFinal delivers a terminal report, retrying store errors with linear
// backoff. A job that is already terminal or rejects the transition is not retried.
func (p *Pool) reportFinal(ctx context.Context, jobID string, r Report) error {
	var err error
	for i := 0; i < p.opts.ReportAttempts; i++ {
		err = p.queue.Report(ctx, jobID, r)
		if err == nil || errors.Is(err, ErrTerminalState) || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		if i == p.opts.ReportAttempts-1 {
			break
		}
		logger.FromContext(ctx).WithError(err).Warnf("Report %s failed, attempt %d/%d", r.State, i+1, p.opts.ReportAttempts)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(i+1) * p.opts.ReportBackoff):
		}
	}
	return err
}

// run invokes the handler, converting a panic into an error carrying its stack.
func (p *Pool) run(ctx context.Context, job *domain.Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError(r)
		}
	}()
	return p.handler.Handle(ctx, job, p.progressFunc(job.ID))
}

func (p *Pool) progressFunc(jobID string) ProgressFunc {
	return func(ctx context.Context, meta interface{}) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to encode progress: %w", err)
		}
		return p.queue.Report(ctx, jobID, Report{State: domain.JobStateProgress, Meta: data})
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

type panicError struct {
	value interface{}
	stack []byte
}

// PanicError converts a recovered panic value into an error whose Traceback is
// the stack of the panicking goroutine. Call it from the deferred recover.
func PanicError(value interface{}) error {
	return &panicError{value: value, stack: debug.Stack()}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// Traceback renders a diagnostic trace for err. Errors built with
// github.com/pkg/errors keep the stack of their origin; anything else gets the
// stack of the caller.
func Traceback(err error) string {
	if err == nil {
		return ""
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return pe.Error() + "\n" + string(pe.stack)
	}
	var st stackTracer
	if errors.As(err, &st) {
		return fmt.Sprintf("%s%+v", err.Error(), st.StackTrace())
	}
	return fmt.Sprintf("%+v", errors.WithStack(err))
}
