// Package client is the requesting side of the file transfer protocol. It
// listens for the data connection, sends one command over the control
// connection and collects whatever the server pushes back.
package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bergsm/fileTransfer/protocol"
	"github.com/bergsm/fileTransfer/transport"
)

const (
	// DefaultIdent is sent as the first command token.
	DefaultIdent = "ftclient"
	// DefaultMaxPayload bounds what the client accepts on the data connection.
	DefaultMaxPayload = 16 << 20
)

// Config describes where the server is and where it should connect back.
type Config struct {
	ServerHost string
	ServerPort string
	DataPort   string // "0" picks a free port
	ClientHost string // advertised host, empty means the control connection's local address
	Ident      string
	Framing    protocol.Framing
	MaxPayload int
	Timeout    time.Duration // whole request, 0 means none
	Backoff    transport.Backoff
}

// ServerError is a textual error the server sent instead of an ACK.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return strings.TrimSpace(e.Message)
}

// NotFound reports whether the server could not find the requested file.
func (e *ServerError) NotFound() bool {
	return e.Message == protocol.ResponseFileNotFound
}

// Client issues list and get requests.
type Client struct {
	cfg Config
	log logrus.FieldLogger
}

// New returns a Client for cfg.
func New(cfg Config, log logrus.FieldLogger) *Client {
	if cfg.Ident == "" {
		cfg.Ident = DefaultIdent
	}
	if cfg.DataPort == "" {
		cfg.DataPort = "0"
	}
	return &Client{cfg: cfg, log: log}
}

// List returns the server's directory listing.
func (c *Client) List(ctx context.Context) (string, error) {
	data, err := c.request(ctx, func(dataPort, clientHost string) protocol.Command {
		return protocol.List{DataPort: dataPort, ClientHost: clientHost}
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Get returns the contents of name.
func (c *Client) Get(ctx context.Context, name string) ([]byte, error) {
	return c.request(ctx, func(dataPort, clientHost string) protocol.Command {
		return protocol.Get{Filename: name, DataPort: dataPort, ClientHost: clientHost}
	})
}

func (c *Client) request(ctx context.Context, build func(dataPort, clientHost string) protocol.Command) ([]byte, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	// The data listener is up before the command leaves, so the server's
	// first dial after the ACK finds it.
	ln, err := transport.Listen(ctx, c.cfg.DataPort)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	control, err := transport.DialRetry(ctx, c.cfg.ServerHost, c.cfg.ServerPort, c.cfg.Backoff)
	if err != nil {
		return nil, err
	}
	defer control.Close()

	clientHost := c.cfg.ClientHost
	if clientHost == "" {
		clientHost = localHost(control)
	}
	text, err := protocol.FormatCommand(c.cfg.Ident, c.cfg.ServerHost, c.cfg.ServerPort, build(ln.Port(), clientHost))
	if err != nil {
		return nil, err
	}

	ctl := protocol.NewChannel(control, c.cfg.Framing, protocol.DefaultMaxMessage, 0)
	if err := ctl.SendString(ctx, text); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}
	c.log.WithField("command", text).Debug("Sent command")

	resp, err := ctl.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive response: %w", err)
	}
	if string(resp) != protocol.ResponseAck {
		return nil, &ServerError{Message: string(resp)}
	}

	dataConn, err := ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept data connection: %w", err)
	}
	defer dataConn.Close()
	c.log.WithField("remote", dataConn.RemoteAddr().String()).Debug("Data connection established")

	dat := protocol.NewChannel(dataConn, c.cfg.Framing, c.maxPayload(), 0)
	data, err := dat.ReceiveAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive payload: %w", err)
	}
	return data, nil
}

func (c *Client) maxPayload() int {
	if c.cfg.MaxPayload > 0 {
		return c.cfg.MaxPayload
	}
	return DefaultMaxPayload
}

func localHost(conn net.Conn) string {
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "localhost"
	}
	return host
}

// UniqueFilePath picks where to save filename in dir without overwriting:
// dir/filename if free, otherwise dir/base_N.ext for the smallest free N.
// Any stat failure other than not-exist is returned.
func UniqueFilePath(dir, filename string) (string, error) {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 0; ; n++ {
		name := filename
		if n > 0 {
			name = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		candidate := filepath.Join(dir, name)
		_, err := os.Lstat(candidate)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return candidate, nil
		case err != nil:
			return "", fmt.Errorf("check %s: %w", candidate, err)
		}
	}
}
