package captcha

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

type fakeHandle struct {
	sel string
}

func (h fakeHandle) Selector() string { return h.sel }

type fakeSession struct {
	mu          sync.Mutex
	locateErr   error
	src         string
	image       []byte
	submitErr   error
	rejectCount int
	submissions []string
	navigated   []string
	cookies     []*http.Cookie
	active      int
	maxActive   int
	hold        time.Duration
}

func newFakeSession() *fakeSession {
	return &fakeSession{src: "https://portal.example/captcha.png", image: []byte("PNGDATA")}
}

func (s *fakeSession) enter() {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()
}

func (s *fakeSession) leave() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *fakeSession) Locate(_ context.Context, selector string, _ time.Duration) (crawler.ElementHandle, error) {
	s.enter()
	defer s.leave()
	if s.hold > 0 {
		time.Sleep(s.hold)
	}
	if s.locateErr != nil {
		return nil, s.locateErr
	}
	return fakeHandle{sel: selector}, nil
}

func (s *fakeSession) ReadAttribute(_ context.Context, _ crawler.ElementHandle, name string) (string, error) {
	if name != "src" {
		return "", errors.New("unexpected attribute")
	}
	return s.src, nil
}

func (s *fakeSession) FetchBytes(_ context.Context, _ string) ([]byte, error) {
	return s.image, nil
}

func (s *fakeSession) FillAndSubmit(_ context.Context, _ string, text string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return s.submitErr
	}
	s.submissions = append(s.submissions, text)
	return nil
}

func (s *fakeSession) PageContains(_ context.Context, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submissions) <= s.rejectCount, nil
}

func (s *fakeSession) ExecuteScript(_ context.Context, _ string) (any, error) {
	return nil, nil
}

func (s *fakeSession) Cookies(_ context.Context) ([]*http.Cookie, error) {
	return s.cookies, nil
}

type fakeRemote struct {
	mu         sync.Mutex
	configured bool
	answers    []string
	errs       []error
	calls      int
}

func (r *fakeRemote) Configured() bool { return r.configured }

func (r *fakeRemote) Solve(_ context.Context, _ []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return "", r.errs[i]
	}
	if i < len(r.answers) {
		return r.answers[i], nil
	}
	return "remote-answer", nil
}

type fakeHuman struct {
	mu     sync.Mutex
	answer string
	calls  int
	paths  []string
}

func (h *fakeHuman) Solve(_ context.Context, imagePath string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.paths = append(h.paths, imagePath)
	return "  " + h.answer + "\n", nil
}
