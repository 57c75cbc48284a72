// Package approval asks the operator to confirm each request before it is
// forwarded upstream.
package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrRejected is returned when the operator declines a request.
var ErrRejected = errors.New("request rejected")

// ErrNoTerminal is returned when no operator can be asked.
var ErrNoTerminal = errors.New("manual approval needs an interactive terminal")

// Approver decides whether a request may go upstream.
type Approver interface {
	Approve(ctx context.Context, summary string) error
}

// Console prompts on an interactive terminal. Prompts are serialized so
// concurrent requests are asked one at a time.
type Console struct {
	out         io.Writer
	interactive bool

	mu    sync.Mutex
	once  sync.Once
	in    io.Reader
	lines chan string
}

// NewConsole prompts on stdout and reads answers from stdin.
func NewConsole() *Console {
	return &Console{
		in:          os.Stdin,
		out:         os.Stdout,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

// NewConsoleFrom builds a Console over arbitrary streams, treated as
// interactive.
func NewConsoleFrom(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out, interactive: true}
}

// Interactive reports whether stdin is a terminal.
func (c *Console) Interactive() bool { return c.interactive }

func (c *Console) readLines() {
	c.lines = make(chan string)
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
}

func (c *Console) Approve(ctx context.Context, summary string) error {
	if !c.interactive {
		return ErrNoTerminal
	}
	c.once.Do(c.readLines)

	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "Accept incoming request? %s [y/N] ", summary)
	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return ErrRejected
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return nil
		default:
			return ErrRejected
		}
	}
}

// AllowAll approves everything.
type AllowAll struct{}

func (AllowAll) Approve(context.Context, string) error { return nil }
