package acquire

import (
	"bytes"
	"mime"
	"net/http"
	"strings"
)

// challengePeekBytes bounds how much of an HTML response is inspected.
const challengePeekBytes = 64 << 10

// ChallengeDetector recognises the portal's challenge page when it is served
// in place of a document.
type ChallengeDetector struct {
	keywords [][]byte
}

// NewChallengeDetector matches HTML bodies containing any keyword, compared
// case-insensitively. An empty list falls back to "captcha".
func NewChallengeDetector(keywords []string) *ChallengeDetector {
	d := &ChallengeDetector{}
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			d.keywords = append(d.keywords, []byte(strings.ToLower(k)))
		}
	}
	if len(d.keywords) == 0 {
		d.keywords = [][]byte{[]byte("captcha")}
	}
	return d
}

// LooksLikeHTML reports whether a response should be inspected.
func LooksLikeHTML(contentType string, head []byte) bool {
	if contentType == "" {
		contentType = http.DetectContentType(head)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// IsChallenge reports whether body is the challenge page.
func (d *ChallengeDetector) IsChallenge(contentType string, body []byte) bool {
	if !LooksLikeHTML(contentType, body) {
		return false
	}
	lower := bytes.ToLower(body)
	for _, k := range d.keywords {
		if bytes.Contains(lower, k) {
			return true
		}
	}
	return false
}
