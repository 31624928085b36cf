// ftserver.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/bergsm/fileTransfer/catalog"
	"github.com/bergsm/fileTransfer/config"
	"github.com/bergsm/fileTransfer/events"
	"github.com/bergsm/fileTransfer/session"
	"github.com/bergsm/fileTransfer/status"
)

var rootCmd = &cobra.Command{
	Use:   "ftserver <port>",
	Short: "Serve a directory over the two-connection file transfer protocol",
	Long: `ftserver accepts a command on the control port, then connects back to
the client's data port to send either the directory listing (-l) or the
contents of one file (-g).`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	config.RegisterFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), args)
	if err != nil {
		return err
	}
	// Arguments are fine from here on; failures are not usage errors.
	cmd.SilenceUsage = true

	log, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}

	dirPath, err := filepath.Abs(cfg.Directory)
	if err != nil {
		return err
	}
	dir, err := catalog.OpenDir(dirPath, int64(cfg.MaxPayload))
	if err != nil {
		return fmt.Errorf("serve directory: %w", err)
	}
	log.Infof("Serving files from directory: %s", dirPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := cfg.SessionOptions()
	if cfg.MQTTBroker != "" {
		publisher, err := events.Connect(cfg.EventsConfig(), log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts.Observer = publisher
	}
	srv := session.New(cfg.Port, dir, opts, log)

	var watcher *catalog.Watcher
	if cfg.Watch {
		watcher, err = catalog.NewWatcher(dirPath, log)
		if err != nil {
			log.WithError(err).Warn("Directory watching disabled")
		} else {
			defer watcher.Close()
		}
	}

	var wg conc.WaitGroup
	var serveErr error
	wg.Go(func() {
		defer cancel()
		serveErr = srv.Serve(ctx)
	})
	if watcher != nil {
		wg.Go(func() { watcher.Run(ctx) })
	}
	if cfg.StatusAddr != "" {
		handler, closeLog, err := statusHandler(cfg, srv, watcher, log)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		defer closeLog()
		wg.Go(func() {
			if err := status.Serve(ctx, cfg.StatusAddr, handler, log); err != nil {
				log.WithError(err).Error("HTTP status server error")
			}
		})
	}

	wg.Wait()
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	if serveErr != nil {
		log.WithError(serveErr).Error("Server stopped")
		return serveErr
	}
	log.Info("Server shut down")
	return nil
}

// statusHandler builds the status endpoint. Access lines go to the
// configured file, or stderr when none is set.
func statusHandler(cfg *config.Config, srv *session.Server, watcher *catalog.Watcher, log logrus.FieldLogger) (http.Handler, func(), error) {
	var accessLog io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.AccessLog != "" {
		logFile, err := os.OpenFile(cfg.AccessLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open access log: %w", err)
		}
		accessLog = logFile
		closeLog = func() { logFile.Close() }
	}

	h := status.NewHandler(status.Source{
		Directory: cfg.Directory,
		Framing:   cfg.Framing,
		Stats:     srv.Stats(),
		Watcher:   watcher,
	})
	return status.Wrap(h.Mux(), accessLog, log), closeLog, nil
}
