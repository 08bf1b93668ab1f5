// Package redirect runs the countdown that hands viewers off to the
// playback target once the server is up. The countdown ticks once per
// second, is observable, and can be cancelled at any point before the
// launch fires.
package redirect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skylake-tv/runnerd/src/pkg/models"
)

// ErrTargetNotFound is returned by a Launcher when the target
// application is not installed. The sequencer treats it as non-fatal:
// it reports the miss and returns to Idle.
var ErrTargetNotFound = errors.New("redirect target not found")

// Phase is the sequencer's lifecycle position.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseArmed     Phase = "armed"
	PhaseCancelled Phase = "cancelled"
	PhaseFired     Phase = "fired"
)

// Launcher starts the target application. The webtv sentinel package
// routes to the built-in web player instead of an installed app.
type Launcher interface {
	Launch(ctx context.Context, target models.RedirectSettings) error
}

// Snapshot is the observable sequencer state.
type Snapshot struct {
	Phase     Phase  `json:"phase"`
	Remaining int    `json:"remaining_seconds"`
	Target    string `json:"target,omitempty"`
}

// Sequencer owns one countdown at a time. Re-arming while Armed is
// rejected; re-arming from any settled phase starts a fresh cycle.
type Sequencer struct {
	launcher Launcher

	mu        sync.Mutex
	phase     Phase
	remaining int
	target    models.RedirectSettings
	cancel    context.CancelFunc
}

func NewSequencer(launcher Launcher) *Sequencer {
	return &Sequencer{launcher: launcher, phase: PhaseIdle}
}

// Status returns the current snapshot.
func (sq *Sequencer) Status() Snapshot {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return Snapshot{Phase: sq.phase, Remaining: sq.remaining, Target: sq.target.Package}
}

// Arm starts a countdown of seconds toward launching target. A zero
// countdown fires immediately. Arming while a countdown runs returns
// false.
func (sq *Sequencer) Arm(ctx context.Context, target models.RedirectSettings, seconds int) bool {
	sq.mu.Lock()
	if sq.phase == PhaseArmed {
		sq.mu.Unlock()
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	sq.phase = PhaseArmed
	sq.remaining = seconds
	sq.target = target
	sq.cancel = cancel
	sq.mu.Unlock()

	slog.Info("redirect armed", "target", target.Package, "countdown", seconds)

	if seconds <= 0 {
		sq.fire(runCtx)
		return true
	}

	go sq.run(runCtx, seconds)
	return true
}

// Cancel aborts an armed countdown. The phase is Cancelled by the time
// Cancel returns, so a tick racing the cancellation can never fire.
// Calling it in any other phase is a no-op.
func (sq *Sequencer) Cancel() {
	sq.mu.Lock()
	if sq.phase != PhaseArmed || sq.cancel == nil {
		sq.mu.Unlock()
		return
	}
	sq.phase = PhaseCancelled
	cancel := sq.cancel
	sq.cancel = nil
	sq.mu.Unlock()
	cancel()
}

func (sq *Sequencer) run(ctx context.Context, seconds int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	remaining := seconds
	for {
		select {
		case <-ctx.Done():
			sq.settle(PhaseCancelled)
			slog.Info("redirect cancelled", "remaining", remaining)
			return
		case <-ticker.C:
			remaining--
			sq.mu.Lock()
			if sq.phase != PhaseArmed {
				sq.mu.Unlock()
				return
			}
			sq.remaining = remaining
			sq.mu.Unlock()
			if remaining <= 0 {
				sq.fire(ctx)
				return
			}
		}
	}
}

// fire settles the countdown and launches the target. A missing target
// is logged and otherwise ignored.
func (sq *Sequencer) fire(ctx context.Context) {
	sq.mu.Lock()
	if sq.phase != PhaseArmed {
		sq.mu.Unlock()
		return
	}
	sq.phase = PhaseFired
	sq.remaining = 0
	target := sq.target
	cancel := sq.cancel
	sq.cancel = nil
	sq.mu.Unlock()
	if cancel != nil {
		defer cancel()
	}

	slog.Info("redirect fired", "target", target.Package)

	if sq.launcher == nil {
		return
	}
	if err := sq.launcher.Launch(ctx, target); err != nil {
		if errors.Is(err, ErrTargetNotFound) {
			slog.Warn("redirect target not installed", "target", target.Package)
			sq.mu.Lock()
			sq.phase = PhaseIdle
			sq.mu.Unlock()
			return
		}
		slog.Error("redirect launch failed", "target", target.Package, "error", err)
	}
}

func (sq *Sequencer) settle(phase Phase) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.phase != PhaseArmed {
		return
	}
	sq.phase = phase
	sq.cancel = nil
}
