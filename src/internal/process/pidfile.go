package process

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// PIDFile tracks spawned subprocess IDs so a cold start can clean up
// an instance left behind by a crash of the daemon itself.
type PIDFile struct {
	filePath string
	mu       sync.Mutex
}

func NewPIDFile(filePath string) *PIDFile {
	return &PIDFile{filePath: filePath}
}

// CleanupOrphans kills every tracked PID and keeps only the ones that
// could not be killed for a later retry.
func (pf *PIDFile) CleanupOrphans() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	pids, err := pf.readPIDs()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	if len(pids) == 0 {
		return nil
	}

	slog.Info("cleaning up orphaned server processes", "count", len(pids))

	remaining := []int{}
	for _, pid := range pids {
		if err := killByPID(pid); err != nil {
			slog.Warn("failed to kill orphaned process", "pid", pid, "error", err)
			remaining = append(remaining, pid)
		}
	}
	return pf.writePIDs(remaining)
}

// Add records a spawned PID.
func (pf *PIDFile) Add(pid int) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	pids, err := pf.readPIDs()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	pids = append(pids, pid)
	return pf.writePIDs(pids)
}

// Remove drops a PID after its process has exited.
func (pf *PIDFile) Remove(pid int) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	pids, err := pf.readPIDs()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	kept := []int{}
	for _, p := range pids {
		if p != pid {
			kept = append(kept, p)
		}
	}
	return pf.writePIDs(kept)
}

func (pf *PIDFile) readPIDs() ([]int, error) {
	file, err := os.Open(pf.filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var pids []int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			slog.Warn("invalid PID in tracking file", "line", line)
			continue
		}
		pids = append(pids, pid)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading PID file: %w", err)
	}
	return pids, nil
}

func (pf *PIDFile) writePIDs(pids []int) error {
	if len(pids) == 0 {
		if err := os.Remove(pf.filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove PID file: %w", err)
		}
		return nil
	}

	file, err := os.Create(pf.filePath)
	if err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	defer file.Close()

	for _, pid := range pids {
		if _, err := fmt.Fprintf(file, "%d\n", pid); err != nil {
			return fmt.Errorf("failed to write PID: %w", err)
		}
	}
	return nil
}

func killByPID(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	err = proc.Kill()
	if err == nil || errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
