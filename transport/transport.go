// Package transport opens the TCP streams used by the file transfer
// protocol: the control connection the server accepts and the data
// connection it dials back to the client.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

var aLongTimeAgo = time.Unix(1, 0)

// ConnectionError reports a failed listen, accept or dial.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidatePort checks that port is a decimal TCP port. "0" is accepted and
// asks the OS for an ephemeral port.
func ValidatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	if n < 0 || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}
	return nil
}

// Listener is a passive socket bound on every address family.
type Listener struct {
	ln net.Listener
}

// Listen binds port on all local addresses.
func Listen(ctx context.Context, port string) (*Listener, error) {
	addr := net.JoinHostPort("", port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "listen", Addr: addr, Err: err}
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until one client connects or ctx ends.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dl, canDeadline := l.ln.(interface{ SetDeadline(time.Time) error })
	stop := context.AfterFunc(ctx, func() {
		if canDeadline {
			dl.SetDeadline(aLongTimeAgo)
		} else {
			l.ln.Close()
		}
	})
	conn, err := l.ln.Accept()
	stop()
	if canDeadline {
		dl.SetDeadline(time.Time{})
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{Op: "accept", Addr: l.ln.Addr().String(), Err: err}
	}
	return conn, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Port returns the bound port, useful after listening on "0".
func (l *Listener) Port() string {
	_, port, err := net.SplitHostPort(l.ln.Addr().String())
	if err != nil {
		return ""
	}
	return port
}

// Close releases the socket.
func (l *Listener) Close() error { return l.ln.Close() }

// ListenAndAccept binds port, waits for exactly one connection and releases
// the listening socket before returning it.
func ListenAndAccept(ctx context.Context, port string) (net.Conn, error) {
	ln, err := Listen(ctx, port)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	return ln.Accept(ctx)
}

// Dial makes one attempt to open a stream to host:port.
func Dial(ctx context.Context, host, port string) (net.Conn, error) {
	addr := net.JoinHostPort(host, port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: addr, Err: err}
	}
	return conn, nil
}

// Backoff controls DialRetry.
type Backoff struct {
	Initial time.Duration // first wait after a refused attempt
	Max     time.Duration // cap on a single wait
	Timeout time.Duration // give up after this long overall; 0 means only ctx
}

// DefaultBackoff is used when a zero Backoff is passed.
var DefaultBackoff = Backoff{
	Initial: 50 * time.Millisecond,
	Max:     time.Second,
	Timeout: 10 * time.Second,
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// DialRetry dials host:port, retrying while the peer refuses the connection.
// This is how the server waits for the client's data listener to come up.
// Any other failure is returned immediately.
func DialRetry(ctx context.Context, host, port string, b Backoff) (net.Conn, error) {
	b = b.withDefaults()
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	delay := b.Initial
	for attempt := 1; ; attempt++ {
		conn, err := Dial(ctx, host, port)
		if err == nil {
			return conn, nil
		}
		if !IsRefused(err) {
			return nil, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &ConnectionError{
				Op:   "dial",
				Addr: net.JoinHostPort(host, port),
				Err:  fmt.Errorf("gave up after %d attempts: %w", attempt, errors.Join(ctx.Err(), syscall.ECONNREFUSED)),
			}
		case <-timer.C:
		}

		delay *= 2
		if delay > b.Max {
			delay = b.Max
		}
	}
}

// IsRefused reports whether err is a refused connection.
func IsRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
