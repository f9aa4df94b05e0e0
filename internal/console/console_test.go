package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLine(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("first\r\nsecond\n"), &out)

	line, err := c.ReadLine(context.Background(), "Host: ")
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	line, err = c.ReadLine(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "second", line)

	_, err = c.ReadLine(context.Background(), "")
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "Host: ", out.String())
}

func TestReadLine_LastLineWithoutNewline(t *testing.T) {
	c := New(strings.NewReader("tail"), io.Discard)

	line, err := c.ReadLine(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, "tail", line)
}

func TestReadLine_CancelKeepsPendingLine(t *testing.T) {
	r, w := io.Pipe()
	defer r.Close()
	c := New(r, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.ReadLine(ctx, "")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("ReadLine did not return after cancel")
	}

	go func() { _, _ = w.Write([]byte("answer\n")) }()

	line, err := c.ReadLine(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "answer", line)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"yes short", "y\n", true},
		{"yes long upper", "YES\n", true},
		{"no short", "n\n", false},
		{"no long", "no\n", false},
		{"re-asks on invalid", "maybe\n\ny\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			c := New(strings.NewReader(tt.input), &out)

			got, err := c.Confirm(context.Background(), "Reboot now?")

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Reboot now? (y/n): ")
		})
	}
}

func TestConfirm_EOF(t *testing.T) {
	c := New(strings.NewReader(""), io.Discard)

	_, err := c.Confirm(context.Background(), "Continue?")

	assert.ErrorIs(t, err, io.EOF)
}

func TestChoose(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("7\nvmhba64\n2\n"), &out)

	idx, err := c.Choose(context.Background(), "Adapters", []string{"vmhba64", "vmhba65"})

	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Contains(t, out.String(), "Adapters")
	assert.Contains(t, out.String(), "vmhba65")
	assert.Contains(t, out.String(), `Invalid choice "7"`)
}

func TestChoose_NoOptions(t *testing.T) {
	c := New(strings.NewReader(""), io.Discard)

	_, err := c.Choose(context.Background(), "Adapters", nil)

	assert.ErrorIs(t, err, ErrNoOptions)
}

func TestSelect(t *testing.T) {
	c := New(strings.NewReader(" 0 \n"), io.Discard)

	key, err := c.Select(context.Background(), "Main menu", []MenuItem{
		{Key: "1", Label: "Configure NIC firmware"},
		{Key: "0", Label: "Exit"},
	})

	require.NoError(t, err)
	assert.Equal(t, "0", key)
}

func TestReadSecret_NotTerminalFallsBackToLine(t *testing.T) {
	c := New(strings.NewReader("hunter2\n"), io.Discard)

	secret, err := c.ReadSecret("Password: ")

	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestReadSecret_Terminal(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out)
	c.fd = 42
	c.readPassword = func(fd int) ([]byte, error) {
		assert.Equal(t, 42, fd)
		return []byte("s3cret"), nil
	}

	secret, err := c.ReadSecret("Passphrase: ")

	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, "Passphrase: \n", out.String())
}

func TestReadSecret_TerminalError(t *testing.T) {
	c := New(strings.NewReader(""), io.Discard)
	c.fd = 3
	c.readPassword = func(int) ([]byte, error) {
		return nil, errors.New("not a tty")
	}

	_, err := c.ReadSecret("Password: ")

	assert.Error(t, err)
}
