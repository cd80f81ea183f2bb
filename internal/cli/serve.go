package cli

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/L1nMay/scanconsole/internal/logger"
	"github.com/L1nMay/scanconsole/internal/webui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API and follow the active scan",
	Long: `serve exposes the session API, the live session stream and metrics.
A scan that was running when the previous process stopped is resumed.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "Listen address (overrides webui.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.WebUI.Listen = addr
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if snap, err := a.ctrl.Mount(); err != nil {
		logger.Warnf("restore session: %v", err)
	} else if snap.ID != "" {
		logger.WithSession(snap.ID).Infof("resumed %s scan of %s at %.1f%%", snap.ScanType, snap.Target, snap.Progress)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.WebUI.Listen,
		Handler:           webui.NewServer(a.ctrl, a.history, a.registry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// session streams end with the process
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("API listening on http://%s", cfg.WebUI.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "api server")
		}
	case <-ctx.Done():
		logger.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("api shutdown: %v", err)
		}
	}
	return nil
}
