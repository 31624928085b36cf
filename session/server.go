// Package session runs the server side of the protocol: accept a control
// connection, read one command, answer it and, for list and get, push the
// payload over a data connection dialed back to the client.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/bergsm/fileTransfer/catalog"
	"github.com/bergsm/fileTransfer/protocol"
	"github.com/bergsm/fileTransfer/transport"
)

// Catalog supplies the payloads.
type Catalog interface {
	catalog.Lister
	catalog.Reader
}

// Options tune a Server. The zero value is usable.
type Options struct {
	Framing    protocol.Framing
	MaxMessage int           // control message limit, 0 means protocol.DefaultMaxMessage
	MaxPayload int           // data payload limit, 0 means DefaultMaxPayload
	IOTimeout  time.Duration // per send/receive, 0 means none
	Backoff    transport.Backoff

	// StrictDisconnect stops Serve when a client closes the control
	// connection before sending a command.
	StrictDisconnect bool

	// Concurrent serves clients from one persistent listener, up to
	// MaxClients at a time. Otherwise clients are served one by one with a
	// fresh listen per client.
	Concurrent bool
	MaxClients int

	// Observer, if set, is told about every finished interaction.
	Observer Observer
}

// DefaultMaxPayload bounds a listing or file sent on the data connection.
const DefaultMaxPayload = 16 << 20

// Server is the session coordinator.
type Server struct {
	port  string
	dir   Catalog
	opts  Options
	log   logrus.FieldLogger
	stats *Stats

	accept func(ctx context.Context, port string) (net.Conn, error)
	dial   func(ctx context.Context, host, port string, b transport.Backoff) (net.Conn, error)
}

// New builds a Server that will listen on port and answer from dir.
func New(port string, dir Catalog, opts Options, log logrus.FieldLogger) *Server {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 1
	}
	return &Server{
		port:   port,
		dir:    dir,
		opts:   opts,
		log:    log,
		stats:  &Stats{},
		accept: transport.ListenAndAccept,
		dial:   transport.DialRetry,
	}
}

// Stats returns the live counters.
func (s *Server) Stats() *Stats { return s.stats }

// Serve runs until ctx ends. It returns nil on cancellation and an error if
// the port cannot be bound or, with StrictDisconnect, when a client hangs up
// before sending a command.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Infof("Server running on %s", s.port)
	if s.opts.Concurrent {
		return s.serveConcurrent(ctx)
	}
	return s.serveSequential(ctx)
}

func (s *Server) serveSequential(ctx context.Context) error {
	var backoff acceptBackoff
	for {
		s.log.WithField("state", Listening).Debug("Waiting for connections")
		conn, err := s.accept(ctx, s.port)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var connErr *transport.ConnectionError
			if errors.As(err, &connErr) && connErr.Op == "listen" {
				return err
			}
			s.log.WithError(err).Warn("Error accepting connection")
			if !backoff.wait(ctx) {
				return nil
			}
			continue
		}
		backoff.reset()

		if err := s.Handle(ctx, conn); err != nil && s.fatal(err) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Server) serveConcurrent(ctx context.Context) error {
	ln, err := transport.Listen(ctx, s.port)
	if err != nil {
		return err
	}
	defer ln.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var backoff acceptBackoff
	p := pool.New().WithMaxGoroutines(s.opts.MaxClients)
	for {
		s.log.WithField("state", Listening).Debug("Waiting for connections")
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.WithError(err).Warn("Error accepting connection")
			if !backoff.wait(ctx) {
				break
			}
			continue
		}
		backoff.reset()
		p.Go(func() {
			if err := s.Handle(ctx, conn); err != nil && s.fatal(err) {
				cancel(err)
			}
		})
	}
	p.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return nil
}

// acceptBackoff spaces out retries after failed accepts: 5ms, doubling up
// to a second, back to zero after the next successful accept.
type acceptBackoff struct {
	delay time.Duration
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// wait sleeps for the next delay. It returns false if ctx ended first.
func (b *acceptBackoff) wait(ctx context.Context) bool {
	if b.delay == 0 {
		b.delay = minAcceptDelay
	} else {
		b.delay *= 2
	}
	if b.delay > maxAcceptDelay {
		b.delay = maxAcceptDelay
	}
	timer := time.NewTimer(b.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *acceptBackoff) reset() { b.delay = 0 }

func (s *Server) fatal(err error) bool {
	return s.opts.StrictDisconnect && errors.Is(err, protocol.ErrEndOfStream)
}

// interaction is one client's control connection and, once dialed, its data
// connection.
type interaction struct {
	log     *logrus.Entry
	event   Event
	control net.Conn
	ctl     *protocol.Channel
	data    net.Conn
	dat     *protocol.Channel
}

func (in *interaction) enter(state State) {
	in.log = in.log.WithField("state", state)
	in.log.Debug("State changed")
}

func (in *interaction) close() error {
	var err error
	if in.data != nil {
		err = multierr.Append(err, in.data.Close())
	}
	return multierr.Append(err, in.control.Close())
}

// Handle serves one accepted control connection and closes it. Problems the
// client is told about (bad command, missing file) are not errors; anything
// that cut the interaction short is.
func (s *Server) Handle(ctx context.Context, control net.Conn) (err error) {
	id, remote := uuid.NewString(), control.RemoteAddr().String()
	in := &interaction{
		log: s.log.WithFields(logrus.Fields{
			"interaction": id,
			"remote":      remote,
		}),
		event:   Event{ID: id, Remote: remote, Started: time.Now()},
		control: control,
		ctl:     protocol.NewChannel(control, s.opts.Framing, s.opts.MaxMessage, s.opts.IOTimeout),
	}
	s.stats.Accepted.Inc()
	in.log.Info("New client connected")
	in.enter(ControlAccepted)

	defer func() {
		in.enter(Closing)
		if cerr := in.close(); cerr != nil {
			in.log.WithError(cerr).Debug("Error closing connections")
		}
		if err != nil {
			s.stats.Failed.Inc()
			in.log.WithError(err).Warn("Interaction failed")
			in.event.Outcome = OutcomeFailed
			in.event.Error = err.Error()
		}
		s.notify(in.event)
	}()

	msg, err := in.ctl.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive command: %w", err)
	}
	in.enter(CommandReceived)

	cmd := protocol.ParseCommand(string(msg))
	in.enter(Validating)

	switch c := cmd.(type) {
	case protocol.List:
		return s.list(ctx, in, c)
	case protocol.Get:
		return s.get(ctx, in, c)
	case protocol.Invalid:
		return s.reject(ctx, in, c)
	default:
		return fmt.Errorf("unhandled command %T", cmd)
	}
}

func (s *Server) list(ctx context.Context, in *interaction, c protocol.List) error {
	in.enter(Listing)
	in.event.Verb, in.event.Data = protocol.VerbList, net.JoinHostPort(c.ClientHost, c.DataPort)
	in.log = in.log.WithFields(logrus.Fields{"verb": protocol.VerbList, "data": net.JoinHostPort(c.ClientHost, c.DataPort)})
	in.log.Infof("Connection from %s", c.ClientHost)
	in.log.Infof("List directory requested on port %s.", c.DataPort)

	// The listing is built before the ACK so an oversized one can still be
	// refused on control.
	listing, err := s.dir.List()
	if err != nil {
		return err
	}
	if len(listing) > s.opts.MaxPayload {
		in.log.Infof("Listing too large. Sending error message to %s:%s.", c.ClientHost, c.DataPort)
		s.stats.TooLarge.Inc()
		in.event.Outcome = OutcomeTooLarge
		return in.ctl.SendString(ctx, protocol.ResponseListingTooLarge)
	}

	if err := in.ctl.SendString(ctx, protocol.ResponseAck); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}
	if err := s.connectData(ctx, in, c.ClientHost, c.DataPort); err != nil {
		return err
	}

	in.log.Infof("Sending directory contents to %s:%s.", c.ClientHost, c.DataPort)
	if err := s.transfer(ctx, in, []byte(listing)); err != nil {
		return err
	}
	s.stats.Listed.Inc()
	in.event.Outcome = OutcomeListed
	return nil
}

func (s *Server) get(ctx context.Context, in *interaction, c protocol.Get) error {
	in.enter(Getting)
	in.event.Verb, in.event.File, in.event.Data = protocol.VerbGet, c.Filename, net.JoinHostPort(c.ClientHost, c.DataPort)
	in.log = in.log.WithFields(logrus.Fields{"verb": protocol.VerbGet, "file": c.Filename, "data": net.JoinHostPort(c.ClientHost, c.DataPort)})
	in.log.Infof("Connection from %s", c.ClientHost)
	in.log.Infof("File \"%s\" requested on port %s.", c.Filename, c.DataPort)

	contents, err := s.dir.Read(c.Filename)
	if err == nil && len(contents) > s.opts.MaxPayload {
		err = catalog.ErrTooLarge
	}
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		in.log.Infof("File not found. Sending error message to %s:%s.", c.ClientHost, c.DataPort)
		s.stats.NotFound.Inc()
		in.event.Outcome = OutcomeNotFound
		return in.ctl.SendString(ctx, protocol.ResponseFileNotFound)
	case errors.Is(err, catalog.ErrTooLarge):
		in.log.Infof("File too large. Sending error message to %s:%s.", c.ClientHost, c.DataPort)
		s.stats.TooLarge.Inc()
		in.event.Outcome = OutcomeTooLarge
		return in.ctl.SendString(ctx, protocol.ResponseFileTooLarge)
	case err != nil:
		return err
	}

	if err := in.ctl.SendString(ctx, protocol.ResponseAck); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}
	if err := s.connectData(ctx, in, c.ClientHost, c.DataPort); err != nil {
		return err
	}

	in.log.Infof("Sending \"%s\" to %s:%s.", c.Filename, c.ClientHost, c.DataPort)
	if err := s.transfer(ctx, in, contents); err != nil {
		return err
	}
	s.stats.Served.Inc()
	in.event.Outcome = OutcomeServed
	in.log.Info("Transfer complete")
	return nil
}

func (s *Server) reject(ctx context.Context, in *interaction, c protocol.Invalid) error {
	in.enter(Rejecting)
	in.log.WithField("reason", c.Reason).Info("Invalid command. Sending error message")
	s.stats.Rejected.Inc()
	in.event.Outcome = OutcomeRejected
	return in.ctl.SendString(ctx, protocol.ResponseInvalid)
}

// connectData dials the client's advertised endpoint. The ACK has already
// been written, so refused attempts are retried until the client listens.
func (s *Server) connectData(ctx context.Context, in *interaction, host, port string) error {
	conn, err := s.dial(ctx, host, port, s.opts.Backoff)
	if err != nil {
		return fmt.Errorf("data connection: %w", err)
	}
	in.data = conn
	in.dat = protocol.NewChannel(conn, s.opts.Framing, s.opts.MaxPayload, s.opts.IOTimeout)
	in.enter(DataConnected)
	in.log.Debug("Data connection to client established")
	return nil
}

func (s *Server) transfer(ctx context.Context, in *interaction, payload []byte) error {
	in.enter(Transferring)
	if err := in.dat.Send(ctx, payload); err != nil {
		return fmt.Errorf("send payload: %w", err)
	}
	s.stats.BytesSent.Add(int64(len(payload)))
	in.event.Bytes = int64(len(payload))
	return nil
}
