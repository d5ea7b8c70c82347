package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"opsmanager/internal/backoff"
	"opsmanager/internal/envelope"
)

// TokenHeader authenticates sprite service requests.
const TokenHeader = "X-Ops-Token"

// Default remote call timeouts.
const (
	DefaultReadTimeout    = 5 * time.Second
	DefaultControlTimeout = 30 * time.Second
)

// ServiceConfig tunes the sprite_service adapter.
type ServiceConfig struct {
	BaseURL        string
	Token          string
	ReadTimeout    time.Duration
	ControlTimeout time.Duration
	// ControlRetry paces retries of transient control failures; zero value
	// means a single attempt.
	ControlRetry backoff.Policy
	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// Service reaches a loop runtime through the sprite HTTP service.
type Service struct {
	cfg    ServiceConfig
	client *http.Client
}

// NewService creates a sprite_service transport.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sprite_service: baseUrl is required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Service{cfg: cfg, client: client}, nil
}

// Kind implements Transport.
func (s *Service) Kind() string { return KindSpriteService }

// serviceError is the wire error envelope from the service.
type serviceError struct {
	OK    bool `json:"ok"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Snapshot implements Transport.
func (s *Service) Snapshot(ctx context.Context, loopID string) (*envelope.LoopRunSnapshot, error) {
	if loopID == "" {
		return nil, fmt.Errorf("snapshot: loopId is required")
	}
	body, err := s.get(ctx, "/ops/snapshot", url.Values{"loopId": {loopID}}, s.cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	var snap envelope.LoopRunSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, &UnreachableError{Kind: KindSpriteService, Err: fmt.Errorf("snapshot response: %w", err)}
	}
	return &snap, nil
}

// Events implements Transport.
func (s *Service) Events(ctx context.Context, loopID string, cursor int64, maxEvents int) (*EventsPage, error) {
	if loopID == "" {
		return nil, fmt.Errorf("events: loopId is required")
	}
	if cursor < 0 {
		return nil, fmt.Errorf("events: cursor must be >= 0")
	}
	q := url.Values{"loopId": {loopID}, "cursor": {strconv.FormatInt(cursor, 10)}}
	if maxEvents > 0 {
		q.Set("maxEvents", strconv.Itoa(maxEvents))
	}
	body, err := s.get(ctx, "/ops/events", q, s.cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	var page EventsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &UnreachableError{Kind: KindSpriteService, Err: fmt.Errorf("events response: %w", err)}
	}
	if page.Events == nil {
		page.Events = []envelope.LoopRunEvent{}
	}
	return &page, nil
}

// Control implements Transport. Transient transport failures are retried per
// the configured policy; HTTP 409 maps to an ambiguous outcome, HTTP 500 to a
// failed one, both terminal.
func (s *Service) Control(ctx context.Context, req ControlRequest) (*ControlOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var outcome *ControlOutcome
	attempt := func() error {
		o, err := s.controlOnce(ctx, req)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	}

	policy := s.cfg.ControlRetry
	if err := policy.Do(ctx, attempt); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Service) controlOnce(ctx context.Context, req ControlRequest) (*ControlOutcome, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ControlTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.cfg.BaseURL+"/ops/control", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		httpReq.Header.Set(TokenHeader, s.cfg.Token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &UnreachableError{Kind: KindSpriteService, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Kind: KindSpriteService, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict, http.StatusInternalServerError:
		var outcome ControlOutcome
		if err := json.Unmarshal(body, &outcome); err != nil {
			return nil, &UnreachableError{Kind: KindSpriteService, Err: fmt.Errorf("control response: %w", err)}
		}
		if outcome.Status == "" {
			switch resp.StatusCode {
			case http.StatusOK:
				outcome.Status = OutcomeConfirmed
			case http.StatusConflict:
				outcome.Status = OutcomeAmbiguous
			default:
				outcome.Status = OutcomeFailed
			}
		}
		return &outcome, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &UnreachableError{Kind: KindSpriteService, Err: fmt.Errorf("auth rejected (%d)", resp.StatusCode)}
	default:
		return nil, s.asError(resp.StatusCode, body)
	}
}

func (s *Service) get(ctx context.Context, path string, q url.Values, timeout time.Duration) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := s.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.cfg.Token != "" {
		req.Header.Set(TokenHeader, s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &UnreachableError{Kind: KindSpriteService, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Kind: KindSpriteService, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &UnreachableError{Kind: KindSpriteService, Err: fmt.Errorf("auth rejected (%d)", resp.StatusCode)}
	default:
		return nil, s.asError(resp.StatusCode, body)
	}
}

// asError maps a service error envelope onto a typed error. 404 for unknown
// loops surfaces as NotFoundError so both adapters fail identically.
func (s *Service) asError(status int, body []byte) error {
	var env serviceError
	_ = json.Unmarshal(body, &env)
	msg := env.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("http %d", status)
	}
	if status == http.StatusNotFound && env.Error.Code == "not_found" {
		return &NotFoundError{LoopID: msg}
	}
	if status >= 500 {
		return &UnreachableError{Kind: KindSpriteService, Err: fmt.Errorf("%s (%d)", msg, status)}
	}
	return fmt.Errorf("sprite_service: %s (%d)", msg, status)
}
