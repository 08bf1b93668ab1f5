package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/skylake-tv/runnerd/src/internal/logging"
)

// version is overridden at build time via -ldflags.
var version = "0.0.0-dev"

var (
	flagConfigPath string
	flagDataDir    string
	flagListenAddr string
	flagVerbose    bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "settings file (default is settings.yaml in the data directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data", defaultDataDir(), "data directory for staged binaries and downloads")
	rootCmd.PersistentFlags().StringVar(&flagListenAddr, "listen", "127.0.0.1:5351", "API listen address")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("runnerd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "runnerd",
	Short:        "Supervises the TV server binary and orchestrates its updates",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the supervisor daemon and its API",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version prints build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("runnerd: %s\n", version)
		if info, ok := debug.ReadBuildInfo(); ok {
			fmt.Printf("go:      %s\n", info.GoVersion)
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					fmt.Printf("commit:  %s\n", s.Value)
				}
			}
		}
	},
}

func defaultDataDir() string {
	d, err := os.UserConfigDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(d, "runnerd")
}

func doRun(cmd *cobra.Command, args []string) error {
	// Optional .env in the working directory.
	_ = godotenv.Load()

	slog.SetDefault(logging.New(flagVerbose))

	configPath := flagConfigPath
	if configPath == "" {
		configPath = filepath.Join(flagDataDir, "settings.yaml")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, configPath, flagDataDir, flagListenAddr)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

// serveAPI runs the HTTP server until ctx is done, then shuts it down
// with a bounded grace period.
func serveAPI(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
