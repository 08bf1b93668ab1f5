package redirect

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/skylake-tv/runnerd/src/pkg/models"
)

// ExecLauncher launches the target as a local program. The package name
// is resolved on PATH; the optional activity is passed as its first
// argument. The webtv sentinel opens the web player URL in the default
// browser instead.
type ExecLauncher struct {
	// WebPlayerURL is the address opened for the webtv target.
	WebPlayerURL string
}

func (l *ExecLauncher) Launch(ctx context.Context, target models.RedirectSettings) error {
	if target.Package == models.WebTargetPackage {
		return openBrowser(ctx, l.WebPlayerURL)
	}

	path, err := exec.LookPath(target.Package)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, target.Package)
	}

	var args []string
	if target.Activity != "" {
		args = append(args, target.Activity)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch %s: %w", target.Package, err)
	}
	go cmd.Wait()
	return nil
}

func openBrowser(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("no web player url configured")
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open web player: %w", err)
	}
	go cmd.Wait()
	return nil
}
