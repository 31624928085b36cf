// channel.go
package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// DefaultMaxMessage is the largest control message either side sends.
const DefaultMaxMessage = 10000

const lengthHeaderSize = 4

var (
	// ErrEndOfStream is returned by Receive when the peer closed the connection.
	ErrEndOfStream = errors.New("end of stream")
	// ErrMessageTooLarge is returned when a message exceeds the channel maximum.
	ErrMessageTooLarge = errors.New("message too large")
)

// aLongTimeAgo unblocks pending I/O when set as a deadline.
var aLongTimeAgo = time.Unix(1, 0)

// Framing selects how message boundaries are carried on the wire.
type Framing int

const (
	// FramingRaw sends each message as a single write with no header. A
	// receive returns whatever one read delivers.
	FramingRaw Framing = iota
	// FramingLength prefixes every message with a 4-byte big-endian length.
	FramingLength
)

func (f Framing) String() string {
	switch f {
	case FramingRaw:
		return "raw"
	case FramingLength:
		return "length"
	default:
		return fmt.Sprintf("Framing(%d)", int(f))
	}
}

// ParseFraming maps a config value to a Framing.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw":
		return FramingRaw, nil
	case "length":
		return FramingLength, nil
	default:
		return 0, fmt.Errorf("unknown framing %q (want raw or length)", s)
	}
}

// Channel sends and receives whole messages over one connection. Every call
// is bound to the context and to Timeout, whichever ends first.
type Channel struct {
	Conn    net.Conn
	Framing Framing
	MaxSize int           // 0 means DefaultMaxMessage
	Timeout time.Duration // 0 means no per-call timeout
}

// NewChannel wraps conn.
func NewChannel(conn net.Conn, framing Framing, maxSize int, timeout time.Duration) *Channel {
	return &Channel{Conn: conn, Framing: framing, MaxSize: maxSize, Timeout: timeout}
}

func (c *Channel) maxSize() int {
	if c.MaxSize <= 0 {
		return DefaultMaxMessage
	}
	return c.MaxSize
}

// Send writes msg as one message. Oversized messages are rejected before
// anything is written.
func (c *Channel) Send(ctx context.Context, msg []byte) error {
	if len(msg) > c.maxSize() {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(msg), c.maxSize())
	}

	buf := msg
	if c.Framing == FramingLength {
		buf = make([]byte, lengthHeaderSize+len(msg))
		binary.BigEndian.PutUint32(buf, uint32(len(msg)))
		copy(buf[lengthHeaderSize:], msg)
	}
	if len(buf) == 0 {
		return nil
	}

	release, err := c.arm(ctx, c.Conn.SetWriteDeadline)
	if err != nil {
		return err
	}
	return release(writeFull(c.Conn, buf))
}

// SendString is Send for text responses.
func (c *Channel) SendString(ctx context.Context, msg string) error {
	return c.Send(ctx, []byte(msg))
}

// Receive blocks until one message arrives. With raw framing that is the
// result of a single read. A closed peer yields ErrEndOfStream, never an
// empty message.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	release, err := c.arm(ctx, c.Conn.SetReadDeadline)
	if err != nil {
		return nil, err
	}

	var msg []byte
	if c.Framing == FramingLength {
		msg, err = c.readFrame()
	} else {
		msg, err = c.readChunk()
	}
	if err = release(err); err != nil {
		return nil, err
	}
	return msg, nil
}

// ReceiveAll reads one whole payload from a connection the peer closes after
// sending. With raw framing it reads until EOF; with length framing it reads
// one frame.
func (c *Channel) ReceiveAll(ctx context.Context) ([]byte, error) {
	if c.Framing == FramingLength {
		return c.Receive(ctx)
	}

	release, err := c.arm(ctx, c.Conn.SetReadDeadline)
	if err != nil {
		return nil, err
	}
	limit := int64(c.maxSize())
	data, err := io.ReadAll(io.LimitReader(c.Conn, limit+1))
	if err == nil && int64(len(data)) > limit {
		err = fmt.Errorf("%w: payload exceeds %d bytes", ErrMessageTooLarge, limit)
	}
	if err = release(err); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Channel) readChunk() ([]byte, error) {
	buf := make([]byte, c.maxSize())
	n, err := c.Conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, ErrEndOfStream
	}
	return nil, fmt.Errorf("read: %w", err)
}

func (c *Channel) readFrame() ([]byte, error) {
	var header [lengthHeaderSize]byte
	if _, err := io.ReadFull(c.Conn, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEndOfStream
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame header", ErrEndOfStream)
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if int64(size) > int64(c.maxSize()) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMessageTooLarge, size, c.maxSize())
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(c.Conn, msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame body", ErrEndOfStream)
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return msg, nil
}

// arm sets the connection deadline for one call and makes ctx cancellation
// interrupt it. The returned func clears the deadline and reports ctx.Err()
// in place of the I/O error when the context ended the call.
func (c *Channel) arm(ctx context.Context, setDeadline func(time.Time) error) (func(error) error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deadline time.Time
	if c.Timeout > 0 {
		deadline = time.Now().Add(c.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := setDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		setDeadline(aLongTimeAgo)
	})
	return func(opErr error) error {
		stop()
		setDeadline(time.Time{})
		if opErr != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return opErr
	}, nil
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}
