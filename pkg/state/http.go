package state

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/openfroyo/detectops/pkg/engine"
)

// Defaults of the HTTP backend, matching the OpenTofu http backend.
const (
	DefaultUpdateMethod = http.MethodPost
	DefaultLockMethod   = "LOCK"
	DefaultUnlockMethod = "UNLOCK"
	DefaultRetryMax     = 2
	DefaultRetryWaitMin = time.Second
	DefaultRetryWaitMax = 30 * time.Second
)

// HTTPConfig mirrors the OpenTofu http backend settings.
type HTTPConfig struct {
	Address       string `yaml:"address,omitempty" json:"address" validate:"required,url"`
	UpdateMethod  string `yaml:"update_method,omitempty" json:"update_method,omitempty"`
	LockAddress   string `yaml:"lock_address,omitempty" json:"lock_address,omitempty" validate:"omitempty,url"`
	LockMethod    string `yaml:"lock_method,omitempty" json:"lock_method,omitempty"`
	UnlockAddress string `yaml:"unlock_address,omitempty" json:"unlock_address,omitempty" validate:"omitempty,url"`
	UnlockMethod  string `yaml:"unlock_method,omitempty" json:"unlock_method,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`

	SkipCertVerification bool `yaml:"skip_cert_verification,omitempty" json:"skip_cert_verification,omitempty"`

	// RetryMax is the number of retries after the first attempt. Nil means 2.
	RetryMax *int `yaml:"retry_max,omitempty" json:"retry_max,omitempty"`

	// RetryWaitMin and RetryWaitMax bound the wait between attempts, in seconds.
	RetryWaitMin *int `yaml:"retry_wait_min,omitempty" json:"retry_wait_min,omitempty"`
	RetryWaitMax *int `yaml:"retry_wait_max,omitempty" json:"retry_wait_max,omitempty"`

	ClientCACertificatePEM string            `yaml:"client_ca_certificate_pem,omitempty" json:"client_ca_certificate_pem,omitempty"`
	ClientCertificatePEM   string            `yaml:"client_certificate_pem,omitempty" json:"client_certificate_pem,omitempty"`
	ClientPrivateKeyPEM    string            `yaml:"client_private_key_pem,omitempty" json:"client_private_key_pem,omitempty"`
	Headers                map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// HTTP keeps the state behind a REST endpoint.
type HTTP struct {
	cfg         HTTPConfig
	client      *http.Client
	retryMax    int
	waitMin     time.Duration
	waitMax     time.Duration
	toolVersion string
	logger      zerolog.Logger
}

var _ engine.StateBackend = (*HTTP)(nil)

// NewHTTP creates an HTTP backend.
func NewHTTP(cfg HTTPConfig, opts Options) (*HTTP, error) {
	if cfg.Address == "" {
		return nil, engine.ConfigurationError("http state backend requires an address", nil)
	}

	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}

	b := &HTTP{
		cfg:         cfg,
		client:      client,
		retryMax:    DefaultRetryMax,
		waitMin:     DefaultRetryWaitMin,
		waitMax:     DefaultRetryWaitMax,
		toolVersion: opts.ToolVersion,
		logger:      opts.Logger.With().Str("component", "state").Str("backend", TypeHTTP).Logger(),
	}
	if cfg.RetryMax != nil && *cfg.RetryMax >= 0 {
		b.retryMax = *cfg.RetryMax
	}
	if cfg.RetryWaitMin != nil {
		b.waitMin = time.Duration(*cfg.RetryWaitMin) * time.Second
	}
	if cfg.RetryWaitMax != nil {
		b.waitMax = time.Duration(*cfg.RetryWaitMax) * time.Second
	}
	return b, nil
}

func buildClient(cfg HTTPConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipCertVerification, //nolint:gosec
	}

	if cfg.ClientCACertificatePEM != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM([]byte(cfg.ClientCACertificatePEM)) {
			return nil, engine.ConfigurationError("state backend invalid CA certificate", nil)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCertificatePEM != "" || cfg.ClientPrivateKeyPEM != "" {
		cert, err := tls.X509KeyPair([]byte(cfg.ClientCertificatePEM), []byte(cfg.ClientPrivateKeyPEM))
		if err != nil {
			return nil, engine.ConfigurationError("state backend invalid client identity", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	for name := range cfg.Headers {
		if name == "" || strings.ContainsAny(name, " :\r\n") {
			return nil, engine.ConfigurationError(fmt.Sprintf("state backend invalid header name '%s'", name), nil)
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Transport: transport, Timeout: 60 * time.Second}, nil
}

// Load fetches the state. 404 means no state exists yet.
func (h *HTTP) Load(ctx context.Context) (bool, *engine.State, error) {
	status, body, err := h.do(ctx, http.MethodGet, h.cfg.Address, nil)
	if err != nil {
		return false, nil, engine.StateIOError("state loading request failed", err)
	}
	if status == http.StatusNotFound {
		return false, engine.NewState(), nil
	}
	if !success(status) {
		return false, nil, engine.StateIOError(fmt.Sprintf("state loading request failed with status: %d", status), nil)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return false, engine.NewState(), nil
	}

	var st engine.State
	if err := json.Unmarshal(body, &st); err != nil {
		return false, nil, engine.StateIOError("unable to parse state load response", err)
	}
	st.Normalize()
	return true, &st, nil
}

// Save stamps and uploads the state.
func (h *HTTP) Save(ctx context.Context, st *engine.State) error {
	st.Stamp(h.toolVersion)

	payload, err := json.Marshal(st)
	if err != nil {
		return engine.SerializationError("unable to serialize state", err)
	}

	status, _, err := h.do(ctx, methodOr(h.cfg.UpdateMethod, DefaultUpdateMethod), h.cfg.Address, payload)
	if err != nil {
		return engine.StateIOError("state save request failed", err)
	}
	if !success(status) {
		return engine.StateIOError(fmt.Sprintf("state save request failed with status: %d", status), nil)
	}
	h.logger.Debug().Uint64("serial", st.Serial).Msg("State saved")
	return nil
}

// Lock acquires the remote lock. Without a lock address locking is disabled.
func (h *HTTP) Lock(ctx context.Context) (*engine.LockToken, error) {
	if h.cfg.LockAddress == "" {
		return nil, nil
	}

	status, body, err := h.do(ctx, methodOr(h.cfg.LockMethod, DefaultLockMethod), h.cfg.LockAddress, nil)
	if err != nil {
		return nil, engine.StateIOError("state lock request failed", err)
	}
	switch {
	case status == http.StatusConflict || status == http.StatusLocked:
		return nil, engine.LockError(fmt.Sprintf("state is locked (status %d)", status), nil).
			WithDetail("holder", strings.TrimSpace(string(body)))
	case !success(status):
		return nil, engine.StateIOError(fmt.Sprintf("state lock request failed with status: %d", status), nil)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return engine.NewLockToken("", nil), nil
	}
	var resp struct {
		LockID string `json:"lock_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, engine.StateIOError("failed to parse state lock response", err)
	}
	return engine.NewLockToken(resp.LockID, nil), nil
}

// Unlock releases the remote lock, sending the lock id when there is one.
func (h *HTTP) Unlock(ctx context.Context, token *engine.LockToken) error {
	if h.cfg.UnlockAddress == "" || token == nil {
		return nil
	}

	var payload []byte
	if token.ID != "" {
		payload, _ = json.Marshal(map[string]string{"lock_id": token.ID})
	}
	status, _, err := h.do(ctx, methodOr(h.cfg.UnlockMethod, DefaultUnlockMethod), h.cfg.UnlockAddress, payload)
	if err != nil {
		return engine.StateIOError("state unlock request failed", err)
	}
	if !success(status) {
		return engine.StateIOError(fmt.Sprintf("state unlock request failed with status: %d", status), nil)
	}
	return nil
}

type response struct {
	status int
	body   []byte
}

// do sends one request, retrying transport errors, 429 and 5xx with
// exponential backoff: min * 2^(attempt-1), capped at max.
func (h *HTTP) do(ctx context.Context, method, url string, payload []byte) (int, []byte, error) {
	var (
		attempt int
		last    response
	)
	op := func() (response, error) {
		attempt++
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return response{}, backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range h.cfg.Headers {
			req.Header.Set(k, v)
		}
		if h.cfg.Username != "" {
			req.SetBasicAuth(h.cfg.Username, h.cfg.Password)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			h.logger.Debug().Err(err).Int("attempt", attempt).Str("method", method).Msg("State request failed")
			return response{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return response{}, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			h.logger.Debug().Int("status", resp.StatusCode).Int("attempt", attempt).Str("method", method).Msg("State request failed")
			last = response{status: resp.StatusCode, body: data}
			return last, errRetryableStatus
		}
		return response{status: resp.StatusCode, body: data}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.waitMin
	b.MaxInterval = h.waitMax
	b.Multiplier = 2
	b.RandomizationFactor = 0

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(h.retryMax+1)),
	)
	if errors.Is(err, errRetryableStatus) {
		// Out of retries: report the last status to the caller.
		return last.status, last.body, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("state operation failed after `%d` attempts: %w", attempt, err)
	}
	return resp.status, resp.body, nil
}

var errRetryableStatus = errors.New("retryable status")

func success(status int) bool { return status >= 200 && status < 300 }

func methodOr(method, def string) string {
	if method == "" {
		return def
	}
	return strings.ToUpper(method)
}
