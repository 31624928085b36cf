// Package status serves a small read-only HTTP view of a running ftserver.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/bergsm/fileTransfer/catalog"
	"github.com/bergsm/fileTransfer/session"
)

// Report is the body of GET /status.
type Report struct {
	Directory string                `json:"directory"`
	Framing   string                `json:"framing"`
	Started   time.Time             `json:"started"`
	Uptime    string                `json:"uptime"`
	Stats     session.StatsSnapshot `json:"stats"`
	Watch     *catalog.WatchInfo    `json:"watch,omitempty"`
}

// Source supplies the values in a Report. Watcher may be nil.
type Source struct {
	Directory string
	Framing   string
	Stats     *session.Stats
	Watcher   *catalog.Watcher
}

// Handler routes /status and /healthz.
type Handler struct {
	src     Source
	started time.Time
	now     func() time.Time
}

// NewHandler returns a Handler reporting on src.
func NewHandler(src Source) *Handler {
	return &Handler{src: src, started: time.Now(), now: time.Now}
}

func (h *Handler) report() Report {
	r := Report{
		Directory: h.src.Directory,
		Framing:   h.src.Framing,
		Started:   h.started,
		Uptime:    h.now().Sub(h.started).Round(time.Second).String(),
		Stats:     h.src.Stats.Snapshot(),
	}
	if h.src.Watcher != nil {
		info := h.src.Watcher.Snapshot()
		r.Watch = &info
	}
	return r
}

// Mux returns the routes without access logging.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(h.report())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok\n")
	})
	return mux
}

// accessLogFormatter writes Apache combined style lines.
func accessLogFormatter(writer io.Writer, params handlers.LogFormatterParams) {
	ip, _, err := net.SplitHostPort(params.Request.RemoteAddr)
	if err != nil {
		ip = params.Request.RemoteAddr
	}

	xfwd := params.Request.Header.Get("X-Forwarded-For")
	if xfwd == "" {
		xfwd = "-"
	}

	fmt.Fprintf(writer, "%s %s - [%s] \"%s %s %s\" %d %d \"%s\" \"%s\"\n",
		ip,
		xfwd,
		params.TimeStamp.Format("02/Jan/2006:15:04:05 -0700"),
		params.Request.Method,
		params.Request.RequestURI,
		params.Request.Proto,
		params.StatusCode,
		params.Size,
		params.Request.Referer(),
		params.Request.UserAgent(),
	)
}

// Wrap adds access logging to accessLog and panic recovery around next.
func Wrap(next http.Handler, accessLog io.Writer, log logrus.FieldLogger) http.Handler {
	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(log),
		handlers.PrintRecoveryStack(false),
	)(next)
	return handlers.CustomLoggingHandler(accessLog, recovered, accessLogFormatter)
}

// Serve listens on addr and serves h until ctx ends.
func Serve(ctx context.Context, addr string, h http.Handler, log logrus.FieldLogger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, h, log)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, h http.Handler, log logrus.FieldLogger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Infof("HTTP status server listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
