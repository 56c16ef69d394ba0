package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// RemoteConfig points at an automated solving service.
type RemoteConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RemoteService posts challenge images to a solving endpoint and expects a
// JSON body of the form {"solution": "..."}.
type RemoteService struct {
	cfg    RemoteConfig
	client *http.Client
}

type remoteResponse struct {
	Solution string `json:"solution"`
}

// NewRemoteService builds a client for cfg. A nil client gets a default one
// bounded by cfg.Timeout.
func NewRemoteService(cfg RemoteConfig, client *http.Client) *RemoteService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RemoteService{cfg: cfg, client: client}
}

// Configured reports whether both the endpoint and the credential are set.
func (s *RemoteService) Configured() bool {
	return s != nil && strings.TrimSpace(s.cfg.Endpoint) != "" && strings.TrimSpace(s.cfg.APIKey) != ""
}

// Solve uploads image and returns the service's solution. Any non-2xx status,
// transport failure or missing solution is reported as a network error.
func (s *RemoteService) Solve(ctx context.Context, image []byte) (string, error) {
	if !s.Configured() {
		return "", crawler.NewError(crawler.KindConfiguration, "remote solve", fmt.Errorf("solver endpoint or api key missing"))
	}
	body, contentType, err := multipartImage(image)
	if err != nil {
		return "", crawler.NewError(crawler.KindNetwork, "encode challenge", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, body)
	if err != nil {
		return "", crawler.NewError(crawler.KindNetwork, "build solver request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", crawler.NewError(crawler.KindNetwork, "call solver", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", crawler.NewError(crawler.KindNetwork, "call solver", fmt.Errorf("solver returned status %d", resp.StatusCode))
	}
	var decoded remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", crawler.NewError(crawler.KindNetwork, "decode solver response", err)
	}
	solution := strings.TrimSpace(decoded.Solution)
	if solution == "" {
		return "", crawler.NewError(crawler.KindNetwork, "decode solver response", fmt.Errorf("solver returned no solution"))
	}
	return solution, nil
}

func multipartImage(image []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	part, err := writer.CreateFormFile("image", "captcha.png")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf, writer.FormDataContentType(), nil
}
