package acquire

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/docharvest/internal/crawler"
	"github.com/JakeFAU/docharvest/internal/hash/sha256"
)

const (
	minSuffixWidth = 8
	maxSuffixWidth = 64
	maxStemLength  = 64
	defaultStem    = "document"
)

// Namer maps target identifiers to destination paths of the form
// <stem>_<hash><ext>. The name depends only on the identifier, so it is the
// same across runs. Reservations are serialized; two identifiers that would
// share a name within one process get a longer hash suffix.
type Namer struct {
	mu     sync.Mutex
	dir    string
	ext    string
	byName map[string]string
	byID   map[string]string
	digest func(s string, width int) string
}

// NewNamer places names under dir with the given extension.
func NewNamer(dir, ext string) *Namer {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Namer{
		dir:    dir,
		ext:    ext,
		byName: make(map[string]string),
		byID:   make(map[string]string),
		digest: sha256.Prefix,
	}
}

// Reserve returns the destination path for id.
func (n *Namer) Reserve(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", crawler.NewError(crawler.KindParsing, "name target", errors.New("empty identifier"))
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if name, ok := n.byID[id]; ok {
		return filepath.Join(n.dir, name), nil
	}
	stem := Stem(id)
	for width := minSuffixWidth; width <= maxSuffixWidth; width += 4 {
		name := fmt.Sprintf("%s_%s%s", stem, n.digest(id, width), n.ext)
		owner, taken := n.byName[name]
		if taken && owner != id {
			continue
		}
		n.byName[name] = id
		n.byID[id] = name
		return filepath.Join(n.dir, name), nil
	}
	return "", crawler.NewError(crawler.KindFileIO, "name target", fmt.Errorf("no free name for %q", id))
}

// Stem derives a filesystem-safe stem from the last path segment of id.
func Stem(id string) string {
	segment := id
	if u, err := url.Parse(id); err == nil && u.Path != "" {
		segment = u.Path
	}
	segment = path.Base(segment)
	segment = strings.TrimSuffix(segment, path.Ext(segment))

	var b strings.Builder
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	stem := strings.Trim(b.String(), "_-")
	if len(stem) > maxStemLength {
		stem = stem[:maxStemLength]
	}
	if stem == "" {
		return defaultStem
	}
	return stem
}
