// Package ledger is the REST client for the external double-entry ledger.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Defaults for Config fields.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultRetryBackoff = 500 * time.Millisecond
	DefaultMinorVersion = "65"
)

// Config carries the connection settings.
type Config struct {
	BaseURL              string
	RealmID              string
	MinorVersion         string
	Timeout              time.Duration
	RetryBackoff         time.Duration
	InvalidTokenSentinel string
	DuplicateNameCodes   []string
	NameInUseCodes       []string
}

// RequestObserver is notified once per HTTP attempt.
type RequestObserver interface {
	ObserveLedgerRequest(entity EntityType, op, status string, elapsed time.Duration)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver records request metrics.
func WithObserver(o RequestObserver) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// Client talks to one company of the ledger.
type Client struct {
	baseURL      string
	minorVersion string
	httpClient   *http.Client
	tokens       TokenProvider
	sentinel     string
	backoff      time.Duration
	classifier   Classifier
	logger       *slog.Logger
	observer     RequestObserver
}

// NewClient constructs a client for cfg.
func NewClient(cfg Config, tokens TokenProvider, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	backoff := cfg.RetryBackoff
	if backoff < 0 {
		backoff = 0
	}
	sentinel := cfg.InvalidTokenSentinel
	if sentinel == "" {
		sentinel = DefaultInvalidTokenSentinel
	}
	minor := cfg.MinorVersion
	if minor == "" {
		minor = DefaultMinorVersion
	}
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/") + "/v3/company/" + url.PathEscape(cfg.RealmID),
		minorVersion: minor,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens:     tokens,
		sentinel:   sentinel,
		backoff:    backoff,
		classifier: NewClassifier(cfg.DuplicateNameCodes, cfg.NameInUseCodes),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "ledger"))
	return c
}

// CheckCredential fetches a token without touching the network.
func (c *Client) CheckCredential(ctx context.Context) error {
	_, err := c.token(ctx)
	return err
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", ErrNoCredential
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if err := checkToken(token, c.sentinel); err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// Query runs a select statement and returns the rows of entity.
func (c *Client) Query(ctx context.Context, entity EntityType, statement string) ([]Entity, error) {
	params := url.Values{}
	params.Set("query", statement)
	params.Set("minorversion", c.minorVersion)
	raw, err := c.do(ctx, "query", entity, http.MethodGet, c.baseURL+"/query?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &Error{Op: "query", Entity: entity, Kind: KindRejected, Err: fmt.Errorf("decode query response: %w", err)}
	}
	rows, ok := envelope.QueryResponse[string(entity)]
	if !ok {
		return nil, nil
	}
	var out []Entity
	if err := json.Unmarshal(rows, &out); err != nil {
		return nil, &Error{Op: "query", Entity: entity, Kind: KindRejected, Err: fmt.Errorf("decode %s rows: %w", entity, err)}
	}
	return out, nil
}

// FindByName returns the first entity whose name equals name exactly.
func (c *Client) FindByName(ctx context.Context, entity EntityType, name string) (Entity, bool, error) {
	rows, err := c.Query(ctx, entity, SelectByName(entity, name))
	if err != nil || len(rows) == 0 {
		return Entity{}, false, err
	}
	return rows[0], true, nil
}

// FindBill probes for a bill with the document number and vendor.
func (c *Client) FindBill(ctx context.Context, docNumber, vendorRef string) (Entity, bool, error) {
	rows, err := c.Query(ctx, EntityBill, SelectBill(docNumber, vendorRef))
	if err != nil || len(rows) == 0 {
		return Entity{}, false, err
	}
	return rows[0], true, nil
}

// Create posts a new entity.
func (c *Client) Create(ctx context.Context, entity EntityType, body any) (Entity, error) {
	return c.write(ctx, "create", entity, c.baseURL+"/"+entity.path()+"?minorversion="+c.minorVersion, body)
}

// Update posts a sparse update. body must carry Id and SyncToken.
func (c *Client) Update(ctx context.Context, entity EntityType, body any) (Entity, error) {
	return c.write(ctx, "update", entity, c.baseURL+"/"+entity.path()+"?operation=update&minorversion="+c.minorVersion, body)
}

// CreateBill posts a bill payload.
func (c *Client) CreateBill(ctx context.Context, payload BillPayload) (Entity, error) {
	return c.Create(ctx, EntityBill, payload)
}

// UpdateBill posts a sparse bill update.
func (c *Client) UpdateBill(ctx context.Context, payload BillPayload) (Entity, error) {
	return c.Update(ctx, EntityBill, payload)
}

func (c *Client) write(ctx context.Context, op string, entity EntityType, endpoint string, body any) (Entity, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return Entity{}, fmt.Errorf("ledger: encode %s: %w", entity, err)
	}
	raw, err := c.do(ctx, op, entity, http.MethodPost, endpoint, encoded)
	if err != nil {
		return Entity{}, err
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Entity{}, &Error{Op: op, Entity: entity, Kind: KindRejected, Err: fmt.Errorf("decode response: %w", err)}
	}
	var out Entity
	if row, ok := envelope[string(entity)]; ok {
		if err := json.Unmarshal(row, &out); err != nil {
			return Entity{}, &Error{Op: op, Entity: entity, Kind: KindRejected, Err: fmt.Errorf("decode %s: %w", entity, err)}
		}
	}
	if out.ID == "" {
		return Entity{}, &Error{Op: op, Entity: entity, Kind: KindRejected, Err: errors.New("response carries no id")}
	}
	return out, nil
}

// do sends one request, retrying once on transport failure or 5xx.
func (c *Client) do(ctx context.Context, op string, entity EntityType, method, endpoint string, body []byte) ([]byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, &Error{Op: op, Entity: entity, Kind: KindAuth, Err: err}
	}

	var (
		lastStatus int
		lastFaults []Fault
		lastErr    error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			c.logger.Warn("retrying ledger request",
				slog.String("op", op),
				slog.String("entity", string(entity)),
				slog.Int("status", lastStatus),
				slog.Any("error", lastErr))
			if err := sleep(ctx, c.backoff); err != nil {
				lastErr = err
				break
			}
		}

		status, payload, err := c.send(ctx, op, entity, method, endpoint, token, body)
		if err != nil {
			lastStatus, lastFaults, lastErr = 0, nil, err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		faults := decodeFaults(payload)
		if status >= 500 {
			lastStatus, lastFaults, lastErr = status, faults, fmt.Errorf("status %d", status)
			continue
		}
		if status >= 400 || len(faults) > 0 {
			return nil, &Error{
				Op:     op,
				Entity: entity,
				Status: status,
				Kind:   c.classifier.Classify(status, faults),
				Faults: faults,
			}
		}
		return payload, nil
	}
	return nil, &Error{
		Op:     op,
		Entity: entity,
		Status: lastStatus,
		Kind:   KindNetwork,
		Faults: lastFaults,
		Err:    fmt.Errorf("%w: %v", ErrNetwork, lastErr),
	}
}

func (c *Client) send(ctx context.Context, op string, entity EntityType, method, endpoint, token string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(entity, op, "error", time.Since(start))
		return 0, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(resp.Body)
	c.observe(entity, op, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	c.logger.Debug("ledger request",
		slog.String("op", op),
		slog.String("entity", string(entity)),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))
	return resp.StatusCode, payload, nil
}

func (c *Client) observe(entity EntityType, op, status string, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveLedgerRequest(entity, op, status, elapsed)
	}
}

func decodeFaults(payload []byte) []Fault {
	if !bytes.Contains(payload, []byte(`"Fault"`)) {
		return nil
	}
	var envelope faultEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Fault == nil {
		return nil
	}
	return envelope.Fault.Error
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
