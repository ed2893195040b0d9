// Package scheduler runs the daemon's periodic jobs: stuck detection,
// retention sweeps, session cleanup and automatic checkpoints.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var jobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "contextengine",
	Subsystem: "scheduler",
	Name:      "job_runs_total",
	Help:      "Scheduled job runs by job and outcome.",
}, []string{"job", "outcome"})

// Job is one periodic task. Run errors are logged and never stop the
// scheduler.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config holds job intervals. A zero interval disables the job.
type Config struct {
	DetectionInterval      time.Duration `koanf:"detection_interval"`
	RetentionInterval      time.Duration `koanf:"retention_interval"`
	SessionCleanupInterval time.Duration `koanf:"session_cleanup_interval"`
	CheckpointInterval     time.Duration `koanf:"checkpoint_interval"`
	RunTimeout             time.Duration `koanf:"run_timeout"`
}

// DefaultConfig returns the default schedule.
func DefaultConfig() Config {
	return Config{
		DetectionInterval:      time.Minute,
		RetentionInterval:      time.Hour,
		SessionCleanupInterval: 6 * time.Hour,
		CheckpointInterval:     2 * time.Minute,
		RunTimeout:             2 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"detection_interval":       c.DetectionInterval,
		"retention_interval":       c.RetentionInterval,
		"session_cleanup_interval": c.SessionCleanupInterval,
		"checkpoint_interval":      c.CheckpointInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be positive")
	}
	return nil
}

// Scheduler runs each job on its own ticker.
//
// Start and Stop are safe for concurrent use. Stop waits for in-flight runs
// to return.
type Scheduler struct {
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	jobs    []Job
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. Jobs are added with Add before Start.
func New(timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	return &Scheduler{timeout: timeout, logger: logger, stopCh: make(chan struct{})}, nil
}

// Add registers a job. Jobs with a zero interval are skipped.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if job.Interval < 0 {
		return fmt.Errorf("job %s: interval must not be negative", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cannot add job %s while running", job.Name)
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("job %s already registered", job.Name)
		}
	}
	if job.Interval == 0 {
		s.logger.Info("job disabled", zap.String("job", job.Name))
		return nil
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Start launches one goroutine per job.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.running = true

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(job, s.stopCh)
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop signals every job loop and waits for them to exit. Calling Stop on
// a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("scheduler stop called but not running")
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// RunNow executes the named job once, synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			job = &s.jobs[i]
		}
	}
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.runOnce(ctx, *job)
}

func (s *Scheduler) loop(job Job, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-stop:
					cancel()
				case <-ctx.Done():
				}
			}()
			_ = s.runOnce(ctx, job)
			cancel()
		case <-stop:
			return
		}
	}
}

// runOnce runs a job with the per-run timeout. Panics are recovered and
// reported as errors.
func (s *Scheduler) runOnce(ctx context.Context, job Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked, continuing scheduler",
				zap.String("job", job.Name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		jobRunsTotal.WithLabelValues(job.Name, outcome).Inc()
	}()

	if err = job.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
		return err
	}
	s.logger.Debug("scheduled job completed", zap.String("job", job.Name), zap.Duration("duration", time.Since(start)))
	return nil
}
