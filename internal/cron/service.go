package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultStopTimeout = 10 * time.Second

// JobFunc is one run of a periodic background job.
type JobFunc func(ctx context.Context) error

// JobState is the observable state of a registered job.
type JobState struct {
	Name       string
	Interval   time.Duration
	Runs       int
	LastRunAt  time.Time
	NextRunAt  time.Time
	LastStatus string
	LastError  string
}

type job struct {
	state JobState
	fn    JobFunc
	entry rcron.EntryID
}

// Service runs the engine's periodic jobs on fixed intervals. A job whose
// previous run is still going is skipped for that tick.
type Service struct {
	logger      *zap.Logger
	stopTimeout time.Duration
	cron        *rcron.Cron

	mu     sync.Mutex
	jobs   map[string]*job
	runCtx context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
}

func NewService(logger *zap.Logger, stopTimeout time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	logger = logger.Named("cron")
	adapter := zapLogger{logger.Sugar()}
	return &Service{
		logger:      logger,
		stopTimeout: stopTimeout,
		cron: rcron.New(
			rcron.WithLogger(adapter),
			rcron.WithChain(rcron.Recover(adapter), rcron.SkipIfStillRunning(adapter)),
		),
		jobs: make(map[string]*job),
	}
}

// Add registers fn to run every interval. Intervals are rounded to whole
// seconds with a one second minimum.
func (s *Service) Add(name string, interval time.Duration, fn JobFunc) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errors.New("add job: empty name")
	case interval <= 0:
		return fmt.Errorf("add job %s: interval must be positive", name)
	case fn == nil:
		return fmt.Errorf("add job %s: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("add job %s: already registered", name)
	}
	j := &job{state: JobState{Name: name, Interval: interval}, fn: fn}
	j.entry = s.cron.Schedule(rcron.Every(interval), rcron.FuncJob(func() {
		s.execute(name)
	}))
	s.jobs[name] = j
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return errors.New("cron already started")
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", count))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// Stop cancels the job context and waits, bounded by the stop timeout, for
// running jobs to return. It is safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	close(stopCh)

	stopCtx := s.cron.Stop()
	cancel()
	select {
	case <-stopCtx.Done():
	case <-time.After(s.stopTimeout):
		s.logger.Warn("stop timeout waiting for running jobs", zap.Duration("timeout", s.stopTimeout))
	}
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(name)
}

func (s *Service) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

func (s *Service) execute(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	start := time.Now()
	err := j.fn(s.jobContext())

	s.mu.Lock()
	j.state.Runs++
	j.state.LastRunAt = start
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", zap.String("job", name), zap.Duration("took", time.Since(start)), zap.Error(err))
	} else {
		s.logger.Debug("job done", zap.String("job", name), zap.Duration("took", time.Since(start)))
	}
	return err
}

// ListJobs reports every job sorted by name. NextRunAt is zero until the
// scheduler has started.
func (s *Service) ListJobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.state
		st.NextRunAt = s.cron.Entry(j.entry).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// zapLogger adapts zap to robfig/cron's Logger. Scheduler chatter goes to debug.
type zapLogger struct {
	l *zap.SugaredLogger
}

func (z zapLogger) Info(msg string, keysAndValues ...interface{}) {
	z.l.Debugw(msg, keysAndValues...)
}

func (z zapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
