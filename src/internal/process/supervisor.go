// Package process supervises the external server binary: staging the
// executable into private storage, spawning at most one instance,
// streaming its output, and walking it down gracefully on stop.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/skylake-tv/runnerd/src/internal/artifact"
	"github.com/skylake-tv/runnerd/src/pkg/models"
)

var (
	// ErrAlreadyRunning is returned when Start is called while an
	// instance is starting or running.
	ErrAlreadyRunning = errors.New("server process already running")

	// ErrInvalidBinary is returned when the staged executable fails
	// validation before spawn.
	ErrInvalidBinary = errors.New("staged binary is invalid")

	// ErrNotRunning is returned by Stop when no subprocess exists.
	ErrNotRunning = errors.New("server process not running")
)

const (
	stopGracePeriod = 10 * time.Second
	outputBacklog   = 1000
)

// Supervisor owns the server subprocess lifecycle. All state changes
// happen under mu; the wait goroutine is the only writer of the
// terminal transition back to Stopped.
type Supervisor struct {
	dataDir string
	pidFile *PIDFile
	locks   *artifact.Locks

	mu       sync.Mutex
	state    models.ProcessState
	identity models.BinaryIdentity
	runID    string
	cmd      *exec.Cmd
	waitCh   chan struct{}
	stopOnce *sync.Once

	subMu       sync.Mutex
	subscribers map[int]chan string
	nextSubID   int

	stoppedMu    sync.Mutex
	onStopped    []func()
	startedAt    time.Time
	lastExitCode int
}

// NewSupervisor creates a supervisor staging binaries under dataDir.
func NewSupervisor(dataDir string, pidFile *PIDFile, locks *artifact.Locks) *Supervisor {
	return &Supervisor{
		dataDir:     dataDir,
		pidFile:     pidFile,
		locks:       locks,
		state:       models.StateStopped,
		subscribers: make(map[int]chan string),
	}
}

// State returns the current lifecycle state.
func (sv *Supervisor) State() models.ProcessState {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.state
}

// Identity returns the binary identity of the current or last run.
func (sv *Supervisor) Identity() models.BinaryIdentity {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.identity
}

// RunID returns the id of the current or last run cycle.
func (sv *Supervisor) RunID() string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.runID
}

// Uptime returns how long the current instance has been running, or
// zero when nothing runs.
func (sv *Supervisor) Uptime() time.Duration {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if !sv.state.Active() || sv.startedAt.IsZero() {
		return 0
	}
	return time.Since(sv.startedAt)
}

// LastExitCode returns the exit code of the most recent run, or zero
// when no run has finished yet.
func (sv *Supervisor) LastExitCode() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.lastExitCode
}

// StagedPath returns where a binary with the given display name gets
// staged. The update orchestrator replaces artifacts at this path.
func (sv *Supervisor) StagedPath(displayName string) string {
	return filepath.Join(sv.dataDir, "bin", sanitizeFileName(displayName))
}

// OnStopped registers fn to run once per run cycle when the subprocess
// reaches Stopped, whether by Stop or by exiting on its own.
func (sv *Supervisor) OnStopped(fn func()) {
	sv.stoppedMu.Lock()
	defer sv.stoppedMu.Unlock()
	sv.onStopped = append(sv.onStopped, fn)
}

// Subscribe returns a channel receiving the subprocess output lines.
// Lines are dropped for subscribers that fall behind.
func (sv *Supervisor) Subscribe() (<-chan string, func()) {
	sv.subMu.Lock()
	defer sv.subMu.Unlock()

	id := sv.nextSubID
	sv.nextSubID++
	ch := make(chan string, outputBacklog)
	sv.subscribers[id] = ch

	cancel := func() {
		sv.subMu.Lock()
		defer sv.subMu.Unlock()
		if existing, ok := sv.subscribers[id]; ok {
			delete(sv.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Start stages the binary identified by id, spawns it with args appended
// to the persisted argument list, and transitions Starting -> Running.
// Exactly one instance may be active at a time.
func (sv *Supervisor) Start(id models.BinaryIdentity, args []string, envFile string) error {
	sv.mu.Lock()
	if sv.state.Active() || sv.state == models.StateStoppingRequested {
		sv.mu.Unlock()
		return ErrAlreadyRunning
	}
	sv.state = models.StateStarting
	sv.mu.Unlock()

	staged, err := sv.stage(id)
	if err != nil {
		sv.mu.Lock()
		sv.state = models.StateStopped
		sv.mu.Unlock()
		return err
	}
	id.StagedPath = staged

	if err := id.ValidateStaged(); err != nil {
		sv.mu.Lock()
		sv.state = models.StateStopped
		sv.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidBinary, err)
	}

	env, err := childEnv(envFile)
	if err != nil {
		sv.mu.Lock()
		sv.state = models.StateStopped
		sv.mu.Unlock()
		return err
	}

	cmd := exec.Command(staged, args...)
	cmd.Dir = filepath.Dir(staged)
	cmd.Env = env

	pr, pw, err := os.Pipe()
	if err != nil {
		sv.mu.Lock()
		sv.state = models.StateStopped
		sv.mu.Unlock()
		return fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		sv.mu.Lock()
		sv.state = models.StateStopped
		sv.mu.Unlock()
		return fmt.Errorf("failed to start server process: %w", err)
	}
	pw.Close()

	if sv.pidFile != nil {
		if err := sv.pidFile.Add(cmd.Process.Pid); err != nil {
			slog.Warn("failed to record server PID", "error", err)
		}
	}

	runID := uuid.New().String()

	sv.mu.Lock()
	sv.cmd = cmd
	sv.identity = id
	sv.runID = runID
	sv.state = models.StateRunning
	sv.waitCh = make(chan struct{})
	sv.stopOnce = &sync.Once{}
	sv.startedAt = time.Now()
	waitCh := sv.waitCh
	stopOnce := sv.stopOnce
	sv.mu.Unlock()

	slog.Info("server process started",
		"name", id.DisplayName,
		"run_id", runID,
		"pid", cmd.Process.Pid,
		"path", staged)

	go sv.pumpOutput(pr)
	go sv.wait(cmd, waitCh, stopOnce)
	return nil
}

// Stop requests termination and blocks until the subprocess has fully
// reached Stopped. Calling it with nothing running returns ErrNotRunning;
// a concurrent second Stop waits for the same shutdown and returns nil.
func (sv *Supervisor) Stop() error {
	sv.mu.Lock()
	if sv.state == models.StateStopped || sv.cmd == nil {
		sv.mu.Unlock()
		return ErrNotRunning
	}
	if sv.state == models.StateStoppingRequested {
		waitCh := sv.waitCh
		sv.mu.Unlock()
		<-waitCh
		return nil
	}
	sv.state = models.StateStoppingRequested
	cmd := sv.cmd
	waitCh := sv.waitCh
	sv.mu.Unlock()

	slog.Info("stopping server process", "pid", cmd.Process.Pid)

	if err := terminate(cmd.Process); err != nil {
		slog.Warn("graceful termination signal failed", "error", err)
	}

	select {
	case <-waitCh:
		return nil
	case <-time.After(stopGracePeriod):
	}

	slog.Warn("server process did not exit in time, killing", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("kill failed", "error", err)
	}
	<-waitCh
	return nil
}

// wait is the single owner of the Running -> Stopped transition. It
// fires the stopped notification exactly once per run cycle.
func (sv *Supervisor) wait(cmd *exec.Cmd, waitCh chan struct{}, stopOnce *sync.Once) {
	err := cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	sv.mu.Lock()
	sv.state = models.StateStopped
	sv.cmd = nil
	sv.lastExitCode = exitCode
	sv.mu.Unlock()

	if sv.pidFile != nil {
		if rmErr := sv.pidFile.Remove(cmd.Process.Pid); rmErr != nil {
			slog.Warn("failed to drop server PID", "error", rmErr)
		}
	}

	slog.Info("server process stopped", "pid", cmd.Process.Pid, "exit_code", exitCode)

	stopOnce.Do(func() {
		sv.stoppedMu.Lock()
		callbacks := make([]func(), len(sv.onStopped))
		copy(callbacks, sv.onStopped)
		sv.stoppedMu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	})

	close(waitCh)
}

func (sv *Supervisor) pumpOutput(r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sv.subMu.Lock()
		for _, ch := range sv.subscribers {
			select {
			case ch <- line:
			default:
			}
		}
		sv.subMu.Unlock()
	}
}

// stage copies the source executable into app-private storage and marks
// it executable. The copy is serialized against artifact replacement.
func (sv *Supervisor) stage(id models.BinaryIdentity) (string, error) {
	if id.SourcePath == "" {
		return "", fmt.Errorf("%w: no source path", ErrInvalidBinary)
	}

	dest := sv.StagedPath(id.DisplayName)
	lock := sv.locks.For(dest)
	lock.Lock()
	defer lock.Unlock()

	src, err := os.Open(id.SourcePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBinary, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBinary, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrInvalidBinary, id.SourcePath)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create staged binary: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy binary: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close staged binary: %w", err)
	}
	if err := os.Chmod(dest, 0o755); err != nil {
		return "", fmt.Errorf("failed to mark binary executable: %w", err)
	}
	return dest, nil
}

// childEnv builds the subprocess environment: the daemon's environment
// plus the optional .env file, which wins on conflicts.
func childEnv(envFile string) ([]string, error) {
	env := os.Environ()
	if envFile == "" {
		return env, nil
	}
	vars, err := godotenv.Read(envFile)
	if err != nil {
		if os.IsNotExist(err) {
			return env, nil
		}
		return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
	}
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env, nil
}

func terminate(p *os.Process) error {
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	err := p.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func sanitizeFileName(name string) string {
	if name == "" {
		return "server"
	}
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
