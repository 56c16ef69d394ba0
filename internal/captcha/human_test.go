package captcha

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOperatorSolveTrimsInput(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	op := NewOperator(strings.NewReader("  ab12 \nsecond\n"), out)

	solution, err := op.Solve(context.Background(), "/tmp/captcha.png")
	require.NoError(t, err)
	require.Equal(t, "ab12", solution)
	require.Contains(t, out.String(), "/tmp/captcha.png")

	solution, err = op.Solve(context.Background(), "/tmp/captcha.png")
	require.NoError(t, err)
	require.Equal(t, "second", solution)
}

func TestOperatorSolveAcceptsFinalLineWithoutNewline(t *testing.T) {
	t.Parallel()

	op := NewOperator(strings.NewReader("last"), nil)
	solution, err := op.Solve(context.Background(), "img")
	require.NoError(t, err)
	require.Equal(t, "last", solution)

	_, err = op.Solve(context.Background(), "img")
	require.ErrorIs(t, err, io.EOF)
}

func TestOperatorCancelledReadIsHandedToNextCall(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	op := NewOperator(pr, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := op.Solve(ctx, "img")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		_, _ = pw.Write([]byte("late answer\n"))
	}()
	solution, err := op.Solve(context.Background(), "img")
	require.NoError(t, err)
	require.Equal(t, "late answer", solution)
}
