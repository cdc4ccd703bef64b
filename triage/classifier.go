package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Primary is the external classification endpoint contract. Any transport
// failure, timeout, or malformed response is an error; the orchestrator
// decides what to do with it.
type Primary interface {
	Classify(ctx context.Context, text, userID string) (Classification, error)
}

// HTTPClassifier calls an external text-classification endpoint.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

func NewHTTPClassifier(endpoint string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClassifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	Text   string `json:"text"`
	UserID string `json:"userId"`
}

// Classify posts the complaint and decodes the structured response. Non-2xx
// statuses and undecodable bodies are failures for retry/fallback purposes.
func (c *HTTPClassifier) Classify(ctx context.Context, text, userID string) (Classification, error) {
	body, err := json.Marshal(classifyRequest{Text: text, UserID: userID})
	if err != nil {
		return Classification{}, fmt.Errorf("triage: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Classification{}, fmt.Errorf("triage: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Classification{}, fmt.Errorf("triage: classifier call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return Classification{}, fmt.Errorf("triage: classifier returned status %d", resp.StatusCode)
	}

	var result Classification
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Classification{}, fmt.Errorf("triage: decode response: %w", err)
	}
	return result, nil
}

// Service orchestrates the triage pipeline: moderate, rate-limit, try the
// primary classifier, fall back to the deterministic rules, validate.
type Service struct {
	moderator *Moderator
	limiter   Limiter
	primary   Primary
	fallback  *RulesClassifier
	retries   int
	backoff   time.Duration
	log       *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithPrimary sets the external classifier. Without one, every request takes
// the fallback path.
func WithPrimary(p Primary) Option {
	return func(s *Service) { s.primary = p }
}

// WithoutFallback disables the rules fallback; primary failures then surface
// as ErrClassificationUnavailable.
func WithoutFallback() Option {
	return func(s *Service) { s.fallback = nil }
}

// WithRetries sets the transient-failure retry budget and initial backoff.
func WithRetries(retries int, backoff time.Duration) Option {
	return func(s *Service) {
		s.retries = retries
		s.backoff = backoff
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func NewService(limiter Limiter, opts ...Option) *Service {
	s := &Service{
		moderator: NewModerator(),
		limiter:   limiter,
		fallback:  NewRulesClassifier(),
		retries:   2,
		backoff:   200 * time.Millisecond,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Classify runs the full pipeline. Moderation and rate-limit rejections are
// surfaced to the caller; primary failures are retried, then silently
// downgraded to the fallback.
func (s *Service) Classify(ctx context.Context, text, userID string) (Classification, error) {
	if err := s.moderator.Check(text); err != nil {
		return Classification{}, err
	}
	if err := s.limiter.Allow(ctx, userID); err != nil {
		return Classification{}, err
	}

	if s.primary != nil {
		c, err := s.classifyPrimary(ctx, text, userID)
		if err == nil {
			err = c.Validate()
			if err == nil {
				return c, nil
			}
		}
		s.log.Warn("primary classification unusable, falling back", "user", userID, "err", err)
	}

	if s.fallback == nil {
		return Classification{}, ErrClassificationUnavailable
	}

	c, err := s.fallback.Classify(ctx, text, userID)
	if err != nil {
		return Classification{}, err
	}
	if err := c.Validate(); err != nil {
		return Classification{}, fmt.Errorf("triage: fallback produced invalid result: %w", err)
	}
	return c, nil
}

// classifyPrimary retries transient failures with doubling backoff. The
// context bounds the whole attempt; cancellation routes to the fallback.
func (s *Service) classifyPrimary(ctx context.Context, text, userID string) (Classification, error) {
	var lastErr error
	delay := s.backoff

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Classification{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		c, err := s.primary.Classify(ctx, text, userID)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Classification{}, ctx.Err()
		}
	}
	return Classification{}, lastErr
}
