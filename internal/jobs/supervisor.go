package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-valet/internal/bus"
	"github.com/basket/go-valet/internal/config"
	"github.com/basket/go-valet/internal/otel"
)

// Supervisor spawns background agent processes, streams their output into
// the registry, and exposes kill/list/get.
type Supervisor struct {
	store   *Store
	cfg     config.JobsConfig
	homeDir string
	logger  *slog.Logger
	bus     *bus.Bus
	tracer  trace.Tracer

	mu     sync.Mutex
	procs  map[string]*exec.Cmd
	killed map[string]bool

	wg sync.WaitGroup
}

func NewSupervisor(store *Store, cfg config.JobsConfig, homeDir string, logger *slog.Logger, b *bus.Bus, tracer trace.Tracer) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:   store,
		cfg:     cfg,
		homeDir: homeDir,
		logger:  logger,
		bus:     b,
		tracer:  otel.TracerOrNoop(tracer),
		procs:   make(map[string]*exec.Cmd),
		killed:  make(map[string]bool),
	}
}

// Kinds returns the configured agent kind names.
func (s *Supervisor) Kinds() []string {
	kinds := make([]string, 0, len(s.cfg.Kinds))
	for k := range s.cfg.Kinds {
		kinds = append(kinds, k)
	}
	return kinds
}

// Spawn starts a background job and returns its running record immediately.
// onComplete is invoked exactly once with the terminal record.
func (s *Supervisor) Spawn(kind, task, workdir, conversationID string, onComplete func(Job)) (Job, error) {
	kc, ok := s.cfg.Kinds[kind]
	if !ok {
		return Job{}, fmt.Errorf("unknown agent kind %q", kind)
	}
	if workdir == "" {
		workdir = kc.WorkDir
	}
	if workdir == "" {
		workdir = s.homeDir
	}

	args := append(append([]string{}, kc.Args...), task)
	cmd := exec.Command(kc.Binary, args...)
	cmd.Dir = workdir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Job{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Job{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Job{}, fmt.Errorf("start %s job: %w", kind, err)
	}

	job := Job{
		ID:             uuid.NewString(),
		Kind:           kind,
		Task:           task,
		Workdir:        workdir,
		ConversationID: conversationID,
		Status:         StatusRunning,
		PID:            cmd.Process.Pid,
		StartedAt:      time.Now().UTC(),
	}
	if err := s.store.Append(job); err != nil {
		// The process is already running; kill it rather than leave an
		// untracked orphan.
		_ = cmd.Process.Kill()
		return Job{}, fmt.Errorf("persist job record: %w", err)
	}

	s.mu.Lock()
	s.procs[job.ID] = cmd
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicJobStarted, bus.JobEvent{JobID: job.ID, Kind: kind, Status: string(StatusRunning)})
	}
	s.logger.Info("job started", "job_id", job.ID, "kind", kind, "pid", job.PID)

	s.wg.Add(1)
	go s.supervise(job.ID, kind, cmd, stdout, stderr, onComplete)
	return job, nil
}

// supervise drains both output streams into a shared bounded tail buffer,
// persisting the record on every chunk, then writes the terminal record.
func (s *Supervisor) supervise(jobID, kind string, cmd *exec.Cmd, stdout, stderr io.Reader, onComplete func(Job)) {
	defer s.wg.Done()

	_, span := otel.StartSpan(context.Background(), s.tracer, "job.run",
		otel.AttrJobID.String(jobID), otel.AttrJobKind.String(kind))
	defer span.End()

	tail := newTailBuffer(s.cfg.OutputTailBytes)
	var tailMu sync.Mutex

	var drainWG sync.WaitGroup
	drain := func(r io.Reader) {
		defer drainWG.Done()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				tailMu.Lock()
				tail.Append(buf[:n])
				snapshot := tail.String()
				tailMu.Unlock()
				if _, _, uerr := s.store.Update(jobID, func(j *Job) {
					j.Output = snapshot
				}); uerr != nil {
					s.logger.Error("persist job output", "job_id", jobID, "error", uerr)
				}
				if s.bus != nil {
					s.bus.Publish(bus.TopicJobOutput, bus.JobOutputEvent{JobID: jobID, Chunk: string(buf[:n])})
				}
			}
			if err != nil {
				return
			}
		}
	}
	drainWG.Add(2)
	go drain(stdout)
	go drain(stderr)
	drainWG.Wait()

	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	s.mu.Lock()
	wasKilled := s.killed[jobID]
	delete(s.procs, jobID)
	delete(s.killed, jobID)
	s.mu.Unlock()

	now := time.Now().UTC()
	tailMu.Lock()
	finalOutput := tail.String()
	tailMu.Unlock()

	final, found, uerr := s.store.Update(jobID, func(j *Job) {
		j.Output = finalOutput
		if j.CompletedAt == nil {
			j.CompletedAt = &now
		}
		j.ExitCode = &exitCode
		// A kill that already marked the record wins; never revert killed.
		if j.Status.Terminal() {
			return
		}
		switch {
		case wasKilled:
			j.Status = StatusKilled
		case exitCode == 0:
			j.Status = StatusDone
		default:
			j.Status = StatusFailed
		}
	})
	if uerr != nil {
		s.logger.Error("persist terminal job record", "job_id", jobID, "error", uerr)
	}
	if !found {
		s.logger.Error("job record vanished before terminal write", "job_id", jobID)
		return
	}

	span.SetAttributes(
		attribute.String("valet.job.status", string(final.Status)),
		attribute.Int("valet.job.exit_code", exitCode),
	)
	s.logger.Info("job finished", "job_id", jobID, "status", string(final.Status), "exit_code", exitCode)
	if s.bus != nil {
		var dur time.Duration
		if final.CompletedAt != nil {
			dur = final.CompletedAt.Sub(final.StartedAt)
		}
		s.bus.Publish(bus.TopicJobFinished, bus.JobEvent{
			JobID: jobID, Kind: final.Kind, Status: string(final.Status), ExitCode: exitCode, Duration: dur,
		})
	}
	if onComplete != nil {
		onComplete(final)
	}
}

// Kill requests termination of a running job. Idempotent: a job already in
// a terminal state is returned unchanged, and a process that is already
// gone is not an error.
func (s *Supervisor) Kill(jobID string) (Job, bool) {
	job, found := s.store.Get(jobID)
	if !found {
		return Job{}, false
	}
	if job.Status.Terminal() {
		return job, true
	}

	s.mu.Lock()
	s.killed[jobID] = true
	cmd := s.procs[jobID]
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("signal job process", "job_id", jobID, "error", err)
		}
	} else if job.PID > 0 {
		// No in-memory handle, so this record predates the current daemon.
		// Signal the persisted pid directly; a process that is already gone
		// is not an error.
		if err := syscall.Kill(job.PID, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			s.logger.Warn("signal job pid", "job_id", jobID, "pid", job.PID, "error", err)
		}
	}

	now := time.Now().UTC()
	updated, _, err := s.store.Update(jobID, func(j *Job) {
		if j.Status == StatusRunning {
			j.Status = StatusKilled
			j.CompletedAt = &now
		}
	})
	if err != nil {
		s.logger.Error("persist killed job record", "job_id", jobID, "error", err)
	}
	return updated, true
}

// Get returns the job with the given id.
func (s *Supervisor) Get(jobID string) (Job, bool) {
	return s.store.Get(jobID)
}

// List returns the most recent jobs for a conversation, newest first.
func (s *Supervisor) List(conversationID string) []Job {
	return s.store.List(conversationID, 10)
}

// Drain waits up to timeout for in-flight supervision loops to finish.
// Processes themselves are not killed; jobs are meant to outlive a turn,
// not necessarily the daemon.
func (s *Supervisor) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
