package acquire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrInvalidFormat reports a downloaded body that is not the expected document type.
var ErrInvalidFormat = errors.New("invalid document format")

// DefaultSignature is the leading byte sequence of a PDF document.
const DefaultSignature = "%PDF"

// Validator checks a downloaded file before it is committed.
type Validator struct {
	signature  []byte
	structural bool
}

// NewValidator checks for signature and, when structural is set, parses the
// file with pdfcpu.
func NewValidator(signature string, structural bool) *Validator {
	if signature == "" {
		signature = DefaultSignature
	}
	if structural {
		// Keep pdfcpu from creating a config directory under the user's home.
		api.DisableConfigDir()
	}
	return &Validator{signature: []byte(signature), structural: structural}
}

// Check returns an error wrapping ErrInvalidFormat when the file at path fails
// validation. Other errors are local I/O failures.
func (v *Validator) Check(path string) error {
	f, err := os.Open(path) //nolint:gosec // temp file created by the pipeline
	if err != nil {
		return fmt.Errorf("open download: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	head := make([]byte, len(v.signature))
	n, err := f.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read signature: %w", err)
	}
	if n < len(v.signature) || !bytes.Equal(head, v.signature) {
		return fmt.Errorf("%w: leading bytes %q do not match %q", ErrInvalidFormat, head[:n], v.signature)
	}
	if !v.structural {
		return nil
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(f, conf); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	return nil
}
