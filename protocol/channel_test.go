package protocol

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func pipeChannels(framing Framing, maxSize int) (*Channel, *Channel) {
	a, b := net.Pipe()
	return NewChannel(a, framing, maxSize, 2*time.Second), NewChannel(b, framing, maxSize, 2*time.Second)
}

func TestSendReceiveRaw(t *testing.T) {
	server, client := pipeChannels(FramingRaw, 0)
	defer server.Conn.Close()
	defer client.Conn.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- server.SendString(context.Background(), ResponseAck) }()

	msg, err := client.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(msg) != ResponseAck {
		t.Errorf("Expected %q, but got %q", ResponseAck, msg)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Send: %v", err)
	}
}

func TestSendReceiveLength(t *testing.T) {
	server, client := pipeChannels(FramingLength, 0)
	defer server.Conn.Close()
	defer client.Conn.Close()

	messages := []string{ResponseAck, ResponseFileNotFound, ""}
	go func() {
		for _, m := range messages {
			if err := server.SendString(context.Background(), m); err != nil {
				return
			}
		}
	}()

	for _, want := range messages {
		msg, err := client.Receive(context.Background())
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if string(msg) != want {
			t.Errorf("Expected %q, but got %q", want, msg)
		}
	}
}

func TestReceiveEndOfStream(t *testing.T) {
	for _, framing := range []Framing{FramingRaw, FramingLength} {
		server, client := pipeChannels(framing, 0)
		server.Conn.Close()

		_, err := client.Receive(context.Background())
		if !errors.Is(err, ErrEndOfStream) {
			t.Errorf("%v: Receive after close = %v, want ErrEndOfStream", framing, err)
		}
		client.Conn.Close()
	}
}

func TestSendRejectsOversized(t *testing.T) {
	server, client := pipeChannels(FramingRaw, 4)
	defer server.Conn.Close()
	defer client.Conn.Close()

	err := server.Send(context.Background(), []byte("12345"))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Send oversized = %v, want ErrMessageTooLarge", err)
	}
}

func TestReceiveRejectsOversizedFrame(t *testing.T) {
	big, small := pipeChannels(FramingLength, 100)
	defer big.Conn.Close()
	defer small.Conn.Close()
	small.MaxSize = 4

	go big.Send(context.Background(), []byte("too long for you"))

	_, err := small.Receive(context.Background())
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Receive oversized frame = %v, want ErrMessageTooLarge", err)
	}
}

func TestReceiveAllReadsUntilClose(t *testing.T) {
	server, client := pipeChannels(FramingRaw, 1<<20)
	defer client.Conn.Close()

	payload := bytes.Repeat([]byte("line of text\n"), 500)
	go func() {
		server.Send(context.Background(), payload[:100])
		server.Send(context.Background(), payload[100:])
		server.Conn.Close()
	}()

	got, err := client.ReceiveAll(context.Background())
	if err != nil {
		t.Fatalf("ReceiveAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReceiveAll returned %d bytes, want %d", len(got), len(payload))
	}
}

func TestReceiveAllLimit(t *testing.T) {
	server, client := pipeChannels(FramingRaw, 8)
	defer client.Conn.Close()
	server.MaxSize = 100

	go func() {
		server.Send(context.Background(), []byte("0123456789"))
		server.Conn.Close()
	}()

	if _, err := client.ReceiveAll(context.Background()); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("ReceiveAll over limit = %v, want ErrMessageTooLarge", err)
	}
}

func TestReceiveHonoursContext(t *testing.T) {
	server, client := pipeChannels(FramingRaw, 0)
	defer server.Conn.Close()
	defer client.Conn.Close()
	client.Timeout = 0

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Receive(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Receive after cancel = %v, want context.Canceled", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	server, client := pipeChannels(FramingRaw, 0)
	defer server.Conn.Close()
	defer client.Conn.Close()
	client.Timeout = 20 * time.Millisecond

	_, err := client.Receive(context.Background())
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("Receive with timeout = %v, want a timeout error", err)
	}
}

func TestParseFraming(t *testing.T) {
	var tests = []struct {
		in   string
		want Framing
		ok   bool
	}{
		{"", FramingRaw, true},
		{"raw", FramingRaw, true},
		{"LENGTH", FramingLength, true},
		{"json", 0, false},
	}

	for _, test := range tests {
		got, err := ParseFraming(test.in)
		if (err == nil) != test.ok || (test.ok && got != test.want) {
			t.Errorf("ParseFraming(%q) = %v, %v", test.in, got, err)
		}
	}
}
