package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one unit of scheduled work. Its context is cancelled when the engine stops.
type Job func(ctx context.Context) error

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun returns the first activation of spec after from, in UTC. Specs are
// standard five-field cron expressions with optional seconds, or descriptors
// such as "@every 5m" and "@hourly".
func NextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return schedule.Next(from).UTC(), nil
}

type entry struct {
	name     string
	spec     string
	id       cron.EntryID
	job      Job
	runs     atomic.Int64
	failures atomic.Int64
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
}

// Engine runs named jobs on cron schedules. A job still running when its
// next activation arrives is skipped for that activation. Failures are
// logged and the job runs again at its next activation.
type Engine struct {
	cron   *cron.Cron
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	started bool
}

// NewEngine creates an idle engine.
func NewEngine(logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	cl := cronLogger{logger: logger.Zap().Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// AddJob registers job under name on spec.
func (e *Engine) AddJob(name, spec string, job Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.entries[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q for job %q: %w", spec, name, err)
	}

	ent := &entry{name: name, spec: spec, job: job}
	id, err := e.cron.AddFunc(spec, func() { _ = e.run(e.ctx, ent) })
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", name, err)
	}
	ent.id = id
	e.entries[name] = ent

	e.logger.Info("job registered",
		zap.String("job", name),
		zap.String("spec", spec))
	return nil
}

// RunNow runs the named job once in the caller's goroutine.
func (e *Engine) RunNow(ctx context.Context, name string) error {
	e.mu.Lock()
	ent, ok := e.entries[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	return e.run(ctx, ent)
}

func (e *Engine) run(ctx context.Context, ent *entry) error {
	started := time.Now()
	ent.runs.Add(1)
	err := ent.job(ctx)
	if err != nil {
		ent.failures.Add(1)
		e.logger.Error("job failed, retrying at next activation",
			zap.String("job", ent.name),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err))
		return err
	}
	e.logger.Debug("job finished",
		zap.String("job", ent.name),
		zap.Duration("duration", time.Since(started)))
	return nil
}

// Start begins firing jobs. Calling it again does nothing.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.cron.Start()
	e.logger.Info("scheduler started", zap.Int("jobs", len(e.entries)))
}

// Stop prevents new activations, cancels the job context and waits for
// running jobs until ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	stopped := e.cron.Stop()
	e.cancel()
	select {
	case <-stopped.Done():
		e.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Run starts the engine and blocks until ctx is done, then stops it with
// shutdownTimeout to let running jobs finish.
func (e *Engine) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	e.Start()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Stop(stopCtx)
}

// Jobs returns the status of every registered job, sorted by name.
func (e *Engine) Jobs() []JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]JobStatus, 0, len(e.entries))
	for _, ent := range e.entries {
		cronEntry := e.cron.Entry(ent.id)
		out = append(out, JobStatus{
			Name:     ent.name,
			Spec:     ent.spec,
			Next:     cronEntry.Next,
			Prev:     cronEntry.Prev,
			Runs:     ent.runs.Load(),
			Failures: ent.failures.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's own messages to zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
