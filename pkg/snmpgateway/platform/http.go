// Package platform holds the upstream sinks the publish pipelines deliver to
// and the Prober that declares the platform available again after an outage.
package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	fmtjson "github.com/vpbank/snmp_gateway/format/json"
	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/publish"
)

// DefaultPaths are the per-category endpoints below the base URL.
var DefaultPaths = map[models.Category]string{
	models.CategoryMeasurement: "/measurements",
	models.CategoryEvent:       "/events",
	models.CategoryAlarm:       "/alarms",
}

// maxReason bounds how much of an error response body ends up in a log line.
const maxReason = 512

// ─────────────────────────────────────────────────────────────────────────────
// HTTPSink
// ─────────────────────────────────────────────────────────────────────────────

// HTTPConfig configures an HTTPSink.
type HTTPConfig struct {
	// BaseURL is the platform ingestion root, e.g. "https://iot.example/api/v1".
	BaseURL string

	// Paths overrides DefaultPaths per category.
	Paths map[models.Category]string

	// Headers are added to every request (typically Authorization).
	Headers map[string]string

	// Timeout bounds one request (default 10s). Ignored when Client is set.
	Timeout time.Duration

	// Batching posts a JSON array per batch instead of one request per
	// message.
	Batching  bool
	BatchSize int

	Client *http.Client
}

// HTTPSink posts message payloads to the platform's REST ingestion API.
type HTTPSink struct {
	publish.BaseSink

	base    *url.URL
	paths   map[models.Category]string
	headers map[string]string
	cfg     HTTPConfig
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPSink validates cfg and builds the sink.
func NewHTTPSink(cfg HTTPConfig, logger *slog.Logger) (*HTTPSink, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("platform: invalid base URL %q", cfg.BaseURL)
	}
	paths := make(map[models.Category]string, len(DefaultPaths))
	for cat, p := range DefaultPaths {
		paths[cat] = p
	}
	for cat, p := range cfg.Paths {
		paths[cat] = p
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSink{
		base:    base,
		paths:   paths,
		headers: cfg.Headers,
		cfg:     cfg,
		client:  client,
		logger:  logger,
	}, nil
}

func (s *HTTPSink) BatchingSupported() bool { return s.cfg.Batching }

func (s *HTTPSink) BatchSize() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return publish.DefaultBatchSize
}

// Deliver posts msg.Payload to the category endpoint.
func (s *HTTPSink) Deliver(ctx context.Context, msg models.Message) error {
	return s.post(ctx, msg.Category, msg.Payload, 1)
}

// DeliverBatch posts all msgs as one JSON array. The platform accepts or
// rejects the array as a whole, so the error applies to every message.
func (s *HTTPSink) DeliverBatch(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if !s.cfg.Batching {
		return publish.DeliverEach(ctx, msgs, s.Deliver)
	}
	body, err := fmtjson.Array(msgs)
	if err != nil {
		return &publish.PlatformError{Status: http.StatusBadRequest, Err: err}
	}
	return s.post(ctx, msgs[0].Category, body, len(msgs))
}

// URL is the endpoint messages of cat are posted to.
func (s *HTTPSink) URL(cat models.Category) string {
	p, ok := s.paths[cat]
	if !ok {
		p = "/" + string(cat)
	}
	return s.base.String() + p
}

func (s *HTTPSink) post(ctx context.Context, cat models.Category, body []byte, count int) error {
	target := s.URL(cat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return &publish.PlatformError{Err: fmt.Errorf("platform: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("platform: http request failed", "url", target, "error", err)
		return &publish.PlatformError{Err: err}
	}
	defer resp.Body.Close()
	reason, _ := io.ReadAll(io.LimitReader(resp.Body, maxReason))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug("platform: delivered", "url", target, "messages", count, "status", resp.StatusCode)
		return nil
	}
	return &publish.PlatformError{
		Status: resp.StatusCode,
		Reason: strings.TrimSpace(string(reason)),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP health check
// ─────────────────────────────────────────────────────────────────────────────

// HTTPCheck returns a Prober check that GETs healthURL and succeeds on any
// 2xx answer.
func HTTPCheck(client *http.Client, healthURL string) CheckFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("platform: health %s: status %d", healthURL, resp.StatusCode)
		}
		return nil
	}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
