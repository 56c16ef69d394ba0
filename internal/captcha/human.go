package captcha

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Operator reads challenge solutions typed by a human.
//
// Solve has no timeout: a person may take arbitrarily long, so this is the one
// unbounded wait in a crawl. Callers that need to give up must cancel ctx. A
// read abandoned by cancellation stays pending and its line is handed to the
// next Solve call.
type Operator struct {
	mu      sync.Mutex
	in      *bufio.Reader
	out     io.Writer
	pending chan lineResult
}

type lineResult struct {
	line string
	err  error
}

// NewOperator prompts on out and reads answers from in.
func NewOperator(in io.Reader, out io.Writer) *Operator {
	if out == nil {
		out = io.Discard
	}
	return &Operator{in: bufio.NewReader(in), out: out}
}

// Solve prints a prompt naming imagePath and returns the trimmed answer. The
// answer is not validated; the portal does that on submission.
func (o *Operator) Solve(ctx context.Context, imagePath string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := fmt.Fprintf(o.out, "Solve the challenge shown in the browser (image saved at %s) and enter the solution: ", imagePath); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	if o.pending == nil {
		ch := make(chan lineResult, 1)
		o.pending = ch
		go func() {
			line, err := o.in.ReadString('\n')
			ch <- lineResult{line: line, err: err}
		}()
	}
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("wait for operator: %w", ctx.Err())
	case res := <-o.pending:
		o.pending = nil
		if res.err != nil && !(res.err == io.EOF && res.line != "") {
			return "", fmt.Errorf("read operator input: %w", res.err)
		}
		return strings.TrimSpace(res.line), nil
	}
}
