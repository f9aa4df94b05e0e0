// Package interactive drives a running command's output stream and relays operator
// answers to prompts.
//
// A chunk of output whose trimmed text ends in one of the prompt suffixes is treated as
// the command asking for input. The check is purely textual: output that merely ends in
// ':' stalls on operator input, and a prompt without one of the suffixes is never
// answered.
package interactive

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPromptSuffixes are the trailing characters treated as a prompt.
const DefaultPromptSuffixes = ":?>"

// ErrSessionInterrupted is returned when the operator cancels an interactive session.
var ErrSessionInterrupted = errors.New("interactive session interrupted")

// Channel is a running command: its output, its input and its completion.
type Channel interface {
	io.Reader
	io.Writer
	// Wait blocks until the command's exit status is available.
	Wait() error
}

// LineReader reads one line of operator input.
type LineReader interface {
	ReadLine(ctx context.Context, prompt string) (string, error)
}

// State is the handler's position in the session.
type State int

// Handler states.
const (
	StateStreaming State = iota
	StateAwaitingInput
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Handler relays output to the operator and answers to the command.
type Handler struct {
	input        LineReader
	echo         io.Writer
	suffixes     string
	drainTimeout time.Duration
	chunkSize    int
	logger       zerolog.Logger
}

// New creates a handler that echoes output to echo and reads answers from input.
func New(logger zerolog.Logger, input LineReader, echo io.Writer) *Handler {
	return &Handler{
		input:        input,
		echo:         echo,
		suffixes:     DefaultPromptSuffixes,
		drainTimeout: 2 * time.Second,
		chunkSize:    1024,
		logger:       logger,
	}
}

// SetPromptSuffixes overrides the characters treated as a prompt.
func (h *Handler) SetPromptSuffixes(suffixes string) {
	if suffixes != "" {
		h.suffixes = suffixes
	}
}

// SetDrainTimeout bounds how long output is still collected after the command exits.
func (h *Handler) SetDrainTimeout(d time.Duration) {
	h.drainTimeout = d
}

// IsPrompt reports whether chunk looks like a request for input.
func IsPrompt(chunk, suffixes string) bool {
	trimmed := strings.TrimSpace(chunk)
	if trimmed == "" {
		return false
	}
	return strings.ContainsRune(suffixes, rune(trimmed[len(trimmed)-1]))
}

// Drive streams ch until it exits and returns everything it printed. The returned error
// is ErrSessionInterrupted on operator cancellation, otherwise whatever ch.Wait reported.
func (h *Handler) Drive(ctx context.Context, ch Channel) (string, error) {
	stop := make(chan struct{})
	defer close(stop)

	chunks := h.pump(ch, stop)
	exited := make(chan error, 1)
	go func() { exited <- ch.Wait() }()

	var (
		transcript strings.Builder
		exitErr    error
		exitSeen   bool
		drain      <-chan time.Time
		state      = StateStreaming
	)

	for state != StateDone {
		select {
		case <-ctx.Done():
			h.logger.Debug().Msg("interactive session cancelled")
			return transcript.String(), ErrSessionInterrupted

		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				if exitSeen {
					state = StateDone
				}
				continue
			}
			transcript.Write(chunk)
			if h.echo != nil {
				_, _ = h.echo.Write(chunk)
			}
			if !IsPrompt(string(chunk), h.suffixes) {
				continue
			}

			state = StateAwaitingInput
			h.logger.Debug().Stringer("state", state).Msg("prompt detected")
			answer, err := h.input.ReadLine(ctx, "")
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return transcript.String(), ErrSessionInterrupted
				}
				h.logger.Warn().Err(err).Msg("failed to read operator input")
				return transcript.String(), err
			}
			if _, err := io.WriteString(ch, strings.TrimSpace(answer)+"\n"); err != nil {
				h.logger.Warn().Err(err).Msg("failed to forward operator input")
			}
			state = StateStreaming

		case err := <-exited:
			exitSeen, exitErr = true, err
			exited = nil
			if chunks == nil {
				state = StateDone
				continue
			}
			drain = time.After(h.drainTimeout)

		case <-drain:
			state = StateDone
		}
	}

	return transcript.String(), exitErr
}

// pump copies ch's output into a channel of chunks until EOF or stop.
func (h *Handler) pump(r io.Reader, stop <-chan struct{}) <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		buf := make([]byte, h.chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-stop:
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					h.logger.Debug().Err(err).Msg("output stream closed")
				}
				return
			}
		}
	}()
	return out
}
