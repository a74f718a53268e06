package message

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"

	appLog "epdagenda/internal/log"
)

// maxLineSize bounds one inbound line.
const maxLineSize = 1 << 20

// Inbox queues raw message lines for the refresh loop. Producers are line
// readers, HTTP handlers and scheduled jobs; the loop is the only consumer.
type Inbox struct {
	ch chan string
}

// NewInbox returns an inbox holding up to size pending lines.
func NewInbox(size int) *Inbox {
	if size < 1 {
		size = 1
	}
	return &Inbox{ch: make(chan string, size)}
}

// Offer queues line without blocking and reports whether it fit.
func (in *Inbox) Offer(line string) bool {
	select {
	case in.ch <- line:
		return true
	default:
		return false
	}
}

// Poll returns the oldest pending line, if any, without waiting.
func (in *Inbox) Poll() (string, bool) {
	select {
	case line := <-in.ch:
		return line, true
	default:
		return "", false
	}
}

// Len is the number of pending lines.
func (in *Inbox) Len() int { return len(in.ch) }

// ReadFrom queues every non-blank line read from r until r is exhausted or
// ctx is cancelled. Unlike Offer it waits for room, so no line is lost.
func (in *Inbox) ReadFrom(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if in.Offer(line) {
			continue
		}
		select {
		case in.ch <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("message: read: %w", err)
	}
	return nil
}

// OpenSerial opens a serial line at baud, 8N1.
func OpenSerial(path string, baud int) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("message: open serial %s: %w", path, err)
	}
	appLog.Info("serial input opened", "port", path, "baud", baud)
	return port, nil
}
