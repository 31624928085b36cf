package session

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/atomic"

	"github.com/bergsm/fileTransfer/catalog"
	"github.com/bergsm/fileTransfer/protocol"
	"github.com/bergsm/fileTransfer/transport"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestServer(t *testing.T, port string, files map[string]string, opts Options) *Server {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, content := range files {
		if err := afero.WriteFile(fs, name, []byte(content), 0644); err != nil {
			t.Fatalf("unable to write test file %s: %v", name, err)
		}
	}
	return New(port, catalog.NewDir(fs, 0), opts, quietLogger())
}

// recordingDialer hands out one end of a pipe per dial and remembers where
// the server tried to connect.
type recordingDialer struct {
	mu      sync.Mutex
	targets []string
	peers   chan net.Conn
	err     error
}

func newRecordingDialer() *recordingDialer {
	return &recordingDialer{peers: make(chan net.Conn, 1)}
}

func (d *recordingDialer) dial(ctx context.Context, host, port string, b transport.Backoff) (net.Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, net.JoinHostPort(host, port))
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	server, client := net.Pipe()
	d.peers <- client
	return server, nil
}

func (d *recordingDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}

// handlePipe runs Handle on one end of a pipe and returns the other end.
func handlePipe(s *Server) (net.Conn, <-chan error) {
	server, client := net.Pipe()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Handle(context.Background(), server) }()
	return client, errCh
}

func readUntilClose(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("unable to read until close: %v", err)
	}
	return string(data)
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the server")
		return nil
	}
}

func TestHandleGetSendsFileOverData(t *testing.T) {
	s := newTestServer(t, "0", map[string]string{"hello.txt": "hi\n"}, Options{})
	dialer := newRecordingDialer()
	s.dial = dialer.dial

	control, errCh := handlePipe(s)
	defer control.Close()
	if _, err := control.Write([]byte("x y z -g hello.txt 5000 127.0.0.1")); err != nil {
		t.Fatalf("unable to send command: %v", err)
	}

	buf := make([]byte, 64)
	n, err := control.Read(buf)
	if err != nil || string(buf[:n]) != protocol.ResponseAck {
		t.Fatalf("Expected %q, but got %q (%v)", protocol.ResponseAck, buf[:n], err)
	}

	data := <-dialer.peers
	if got := readUntilClose(t, data); got != "hi\n" {
		t.Errorf("Expected data payload %q, but got %q", "hi\n", got)
	}
	if rest := readUntilClose(t, control); rest != "" {
		t.Errorf("unexpected trailing control bytes %q", rest)
	}

	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Handle returned %v", err)
	}
	if dials := dialer.dials(); len(dials) != 1 || dials[0] != "127.0.0.1:5000" {
		t.Errorf("server dialed %v, want [127.0.0.1:5000]", dials)
	}
	if snap := s.Stats().Snapshot(); snap.Served != 1 || snap.BytesSent != 3 || snap.Failed != 0 {
		t.Errorf("unexpected stats %+v", snap)
	}
}

func TestHandleListSendsListing(t *testing.T) {
	files := map[string]string{"b.txt": "b", "a.txt": "a", "c.txt": "c"}
	s := newTestServer(t, "0", files, Options{})
	dialer := newRecordingDialer()
	s.dial = dialer.dial

	control, errCh := handlePipe(s)
	defer control.Close()
	control.Write([]byte("ftclient localhost 30021 -l 30020 10.0.0.7"))

	buf := make([]byte, 64)
	n, _ := control.Read(buf)
	if string(buf[:n]) != protocol.ResponseAck {
		t.Fatalf("Expected %q, but got %q", protocol.ResponseAck, buf[:n])
	}

	listing := readUntilClose(t, <-dialer.peers)
	if listing != "a.txt\nb.txt\nc.txt\n" {
		t.Errorf("unexpected listing %q", listing)
	}
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Handle returned %v", err)
	}
	if dials := dialer.dials(); len(dials) != 1 || dials[0] != "10.0.0.7:30020" {
		t.Errorf("server dialed %v", dials)
	}
}

func TestHandleErrorsDoNotDial(t *testing.T) {
	var tests = []struct {
		command string
		want    string
	}{
		{"x y z -g missing.txt 5000 127.0.0.1", protocol.ResponseFileNotFound},
		{"x y z -q", protocol.ResponseInvalid},
		{"x y z", protocol.ResponseInvalid},
		{"x y z -l 5000", protocol.ResponseInvalid},
		{"x y z -g hello.txt 5000", protocol.ResponseInvalid},
		{"x y z -g ../hello.txt 5000 127.0.0.1", protocol.ResponseFileNotFound},
	}

	for _, test := range tests {
		s := newTestServer(t, "0", map[string]string{"hello.txt": "hi\n"}, Options{})
		dialer := newRecordingDialer()
		s.dial = dialer.dial

		control, errCh := handlePipe(s)
		control.Write([]byte(test.command))
		if got := readUntilClose(t, control); got != test.want {
			t.Errorf("%q: Expected %q, but got %q", test.command, test.want, got)
		}
		if err := waitErr(t, errCh); err != nil {
			t.Errorf("%q: Handle returned %v", test.command, err)
		}
		if dials := dialer.dials(); len(dials) != 0 {
			t.Errorf("%q: server dialed %v", test.command, dials)
		}
		control.Close()
	}
}

func TestHandleFileTooLarge(t *testing.T) {
	s := newTestServer(t, "0", map[string]string{"big.bin": strings.Repeat("x", 100)}, Options{MaxPayload: 10})
	dialer := newRecordingDialer()
	s.dial = dialer.dial

	control, errCh := handlePipe(s)
	defer control.Close()
	control.Write([]byte("x y z -g big.bin 5000 127.0.0.1"))

	if got := readUntilClose(t, control); got != protocol.ResponseFileTooLarge {
		t.Errorf("Expected %q, but got %q", protocol.ResponseFileTooLarge, got)
	}
	waitErr(t, errCh)
	if len(dialer.dials()) != 0 {
		t.Errorf("server dialed for an oversized file")
	}
	if snap := s.Stats().Snapshot(); snap.TooLarge != 1 {
		t.Errorf("unexpected stats %+v", snap)
	}
}

func TestHandleDialFailureEndsInteraction(t *testing.T) {
	s := newTestServer(t, "0", map[string]string{"hello.txt": "hi\n"}, Options{})
	dialer := newRecordingDialer()
	dialer.err = &transport.ConnectionError{Op: "dial", Addr: "127.0.0.1:5000", Err: errors.New("connection refused")}
	s.dial = dialer.dial

	control, errCh := handlePipe(s)
	defer control.Close()
	control.Write([]byte("x y z -g hello.txt 5000 127.0.0.1"))

	if got := readUntilClose(t, control); got != protocol.ResponseAck {
		t.Errorf("Expected only %q on control, but got %q", protocol.ResponseAck, got)
	}
	err := waitErr(t, errCh)
	var connErr *transport.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("Handle returned %v, want a ConnectionError", err)
	}
	if snap := s.Stats().Snapshot(); snap.Failed != 1 || snap.Served != 0 {
		t.Errorf("unexpected stats %+v", snap)
	}
}

func TestHandlePeerClosed(t *testing.T) {
	s := newTestServer(t, "0", nil, Options{})
	control, errCh := handlePipe(s)
	control.Close()

	if err := waitErr(t, errCh); !errors.Is(err, protocol.ErrEndOfStream) {
		t.Errorf("Handle returned %v, want ErrEndOfStream", err)
	}
}

func TestHandleLengthFraming(t *testing.T) {
	s := newTestServer(t, "0", map[string]string{"hello.txt": "hi\n"}, Options{Framing: protocol.FramingLength})
	dialer := newRecordingDialer()
	s.dial = dialer.dial

	control, errCh := handlePipe(s)
	defer control.Close()
	ctl := protocol.NewChannel(control, protocol.FramingLength, 0, 3*time.Second)
	ctx := context.Background()

	if err := ctl.SendString(ctx, "x y z -g hello.txt 5000 127.0.0.1"); err != nil {
		t.Fatalf("SendString: %v", err)
	}
	ack, err := ctl.Receive(ctx)
	if err != nil || string(ack) != protocol.ResponseAck {
		t.Fatalf("Expected %q, but got %q (%v)", protocol.ResponseAck, ack, err)
	}

	dat := protocol.NewChannel(<-dialer.peers, protocol.FramingLength, 0, 3*time.Second)
	payload, err := dat.ReceiveAll(ctx)
	if err != nil || string(payload) != "hi\n" {
		t.Errorf("Expected %q, but got %q (%v)", "hi\n", payload, err)
	}
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Handle returned %v", err)
	}
}

func TestStateString(t *testing.T) {
	if Transferring.String() != "transferring" || Listening.String() != "listening" {
		t.Errorf("unexpected state names %s %s", Transferring, Listening)
	}
	if got := State(99).String(); got != "State(99)" {
		t.Errorf("State(99).String() = %q", got)
	}
}

func TestHandleReportsEvents(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	opts := Options{Observer: ObserverFunc(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})}
	s := newTestServer(t, "0", map[string]string{"hello.txt": "hi\n"}, opts)
	dialer := newRecordingDialer()
	s.dial = dialer.dial

	control, errCh := handlePipe(s)
	control.Write([]byte("x y z -g hello.txt 5000 127.0.0.1"))
	buf := make([]byte, 16)
	control.Read(buf)
	readUntilClose(t, <-dialer.peers)
	waitErr(t, errCh)
	control.Close()

	for _, command := range []string{"x y z -g missing.txt 5000 127.0.0.1", "x y z -q"} {
		control, errCh := handlePipe(s)
		control.Write([]byte(command))
		readUntilClose(t, control)
		waitErr(t, errCh)
		control.Close()
	}

	control, errCh = handlePipe(s)
	control.Close()
	waitErr(t, errCh)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(events), events)
	}
	served := events[0]
	if served.Outcome != OutcomeServed || served.Verb != protocol.VerbGet || served.File != "hello.txt" || served.Data != "127.0.0.1:5000" || served.Bytes != 3 || served.ID == "" {
		t.Errorf("unexpected served event %+v", served)
	}
	if events[1].Outcome != OutcomeNotFound || events[1].Bytes != 0 {
		t.Errorf("unexpected not found event %+v", events[1])
	}
	if events[2].Outcome != OutcomeRejected {
		t.Errorf("unexpected rejected event %+v", events[2])
	}
	if events[3].Outcome != OutcomeFailed || events[3].Error == "" {
		t.Errorf("unexpected failed event %+v", events[3])
	}
}

func TestHandleListingTooLarge(t *testing.T) {
	files := map[string]string{"aaaaaaaa.txt": "a", "bbbbbbbb.txt": "b"}
	s := newTestServer(t, "0", files, Options{MaxPayload: 5})
	dialer := newRecordingDialer()
	s.dial = dialer.dial

	control, errCh := handlePipe(s)
	defer control.Close()
	control.Write([]byte("x y z -l 5000 127.0.0.1"))

	if got := readUntilClose(t, control); got != protocol.ResponseListingTooLarge {
		t.Errorf("Expected %q, but got %q", protocol.ResponseListingTooLarge, got)
	}
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Handle returned %v", err)
	}
	if dials := dialer.dials(); len(dials) != 0 {
		t.Errorf("server dialed %v for an oversized listing", dials)
	}
	if snap := s.Stats().Snapshot(); snap.TooLarge != 1 || snap.Listed != 0 || snap.Failed != 0 {
		t.Errorf("unexpected stats %+v", snap)
	}
}

func TestServeBacksOffAfterAcceptErrors(t *testing.T) {
	s := newTestServer(t, "0", nil, Options{})
	var calls atomic.Int64
	s.accept = func(ctx context.Context, port string) (net.Conn, error) {
		calls.Inc()
		return nil, &transport.ConnectionError{Op: "accept", Addr: ":0", Err: errors.New("too many open files")}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.Serve(ctx); err != nil {
		t.Errorf("Serve returned %v", err)
	}
	// 5ms, 10ms, 20ms, 40ms, 80ms fit in the window, the next wait does not.
	if n := calls.Load(); n < 2 || n > 7 {
		t.Errorf("accept called %d times in 200ms", n)
	}
}

func TestAcceptBackoff(t *testing.T) {
	var b acceptBackoff
	ctx := context.Background()
	b.wait(ctx)
	b.wait(ctx)
	if b.delay != 2*minAcceptDelay {
		t.Errorf("delay after two waits = %s, want %s", b.delay, 2*minAcceptDelay)
	}
	b.reset()
	if b.delay != 0 {
		t.Errorf("delay after reset = %s", b.delay)
	}

	b.delay = maxAcceptDelay
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if b.wait(cancelled) {
		t.Errorf("wait returned true on a cancelled context")
	}
	if b.delay != maxAcceptDelay {
		t.Errorf("delay grew past %s to %s", maxAcceptDelay, b.delay)
	}
}
