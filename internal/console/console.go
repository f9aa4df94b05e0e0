// Package console implements the line-oriented operator console.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrNoOptions is returned by Choose when there is nothing to pick from.
var ErrNoOptions = errors.New("no options to choose from")

// MenuItem is a single selectable menu entry.
type MenuItem struct {
	Key   string
	Label string
}

type lineResult struct {
	line string
	err  error
}

// Console reads operator answers one line at a time and writes prompts and progress.
//
// A single goroutine owns the input reader and only reads when a line is requested,
// so a cancelled ReadLine never swallows input meant for a later prompt.
type Console struct {
	in     io.Reader
	out    io.Writer
	fd     int
	styles styles

	readPassword func(fd int) ([]byte, error)

	mu       sync.Mutex
	once     sync.Once
	requests chan chan lineResult
	pending  chan lineResult
}

// New creates a console over arbitrary streams. Secret prompts fall back to plain lines.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:           in,
		out:          out,
		fd:           -1,
		styles:       newStyles(),
		readPassword: term.ReadPassword,
	}
}

// NewStdio creates a console bound to the process stdin and stdout.
func NewStdio() *Console {
	c := New(os.Stdin, os.Stdout)
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		c.fd = fd
	}
	return c
}

// Writer returns the stream operator-facing output is written to.
func (c *Console) Writer() io.Writer {
	return c.out
}

// Printf writes a line of operator-facing text.
func (c *Console) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}

// Warnf writes a highlighted warning line.
func (c *Console) Warnf(format string, args ...any) {
	_, _ = fmt.Fprintln(c.out, c.styles.warning.Render(fmt.Sprintf(format, args...)))
}

// Header writes a styled section title.
func (c *Console) Header(title string) {
	_, _ = fmt.Fprintln(c.out, c.styles.title.Render(title))
}

func (c *Console) start() {
	c.once.Do(func() {
		c.requests = make(chan chan lineResult)
		go func() {
			r := bufio.NewReader(c.in)
			for reply := range c.requests {
				line, err := r.ReadString('\n')
				if errors.Is(err, io.EOF) && line != "" {
					err = nil
				}
				reply <- lineResult{line: strings.TrimRight(line, "\r\n"), err: err}
			}
		}()
	})
}

// ReadLine writes prompt and returns the next operator line without its terminator.
// If ctx is done first, the outstanding read is kept and answers the next call.
func (c *Console) ReadLine(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prompt != "" {
		_, _ = fmt.Fprint(c.out, prompt)
	}

	reply := c.pending
	if reply == nil {
		c.start()
		reply = make(chan lineResult, 1)
		select {
		case c.requests <- reply:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	select {
	case res := <-reply:
		c.pending = nil
		return res.line, res.err
	case <-ctx.Done():
		c.pending = reply
		return "", ctx.Err()
	}
}

// Confirm asks a yes/no question until the operator answers y, yes, n or no.
func (c *Console) Confirm(ctx context.Context, question string) (bool, error) {
	for {
		answer, err := c.ReadLine(ctx, question+" (y/n): ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		c.Printf("Invalid input. Please enter 'y' or 'n'.")
	}
}

// Choose lists options under title and returns the zero-based index the operator picked.
func (c *Console) Choose(ctx context.Context, title string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, ErrNoOptions
	}

	items := make([]MenuItem, len(options))
	for i, opt := range options {
		items[i] = MenuItem{Key: strconv.Itoa(i + 1), Label: opt}
	}

	key, err := c.Select(ctx, title, items)
	if err != nil {
		return -1, err
	}
	n, _ := strconv.Atoi(key)
	return n - 1, nil
}

// Select renders a menu and returns the key of the chosen item.
func (c *Console) Select(ctx context.Context, title string, items []MenuItem) (string, error) {
	if len(items) == 0 {
		return "", ErrNoOptions
	}

	c.Header(title)
	for _, item := range items {
		_, _ = fmt.Fprintf(c.out, "%s %s\n", c.styles.key.Render(item.Key+"."), item.Label)
	}

	for {
		answer, err := c.ReadLine(ctx, "Select an option: ")
		if err != nil {
			return "", err
		}
		answer = strings.TrimSpace(answer)
		for _, item := range items {
			if item.Key == answer {
				return item.Key, nil
			}
		}
		c.Warnf("Invalid choice %q.", answer)
	}
}

// ReadSecret prompts for a value without echo when stdin is a terminal.
func (c *Console) ReadSecret(prompt string) (string, error) {
	c.mu.Lock()
	if c.fd < 0 || c.pending != nil {
		c.mu.Unlock()
		return c.ReadLine(context.Background(), prompt)
	}
	defer c.mu.Unlock()

	_, _ = fmt.Fprint(c.out, prompt)
	secret, err := c.readPassword(c.fd)
	_, _ = fmt.Fprintln(c.out)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return string(secret), nil
}
