package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"
)

// GatewayConfig configures the HTTP client for a remote storage gateway that
// fronts the decentralized storage network.
type GatewayConfig struct {
	BaseURL    string
	Token      string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxBytes   int
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// GatewayStore talks to the gateway's blob API:
//
//	POST {base}/v1/blobs          body = payload, response {"root": "0x..."}
//	GET  {base}/v1/blobs/{root}   response body = payload
//
// Transport errors, 5xx and 429 are retried with backoff behind a circuit
// breaker. Every payload is verified against its handle in both directions.
type GatewayStore struct {
	baseURL  string
	token    string
	maxBytes int
	client   *http.Client
	executor failsafe.Executor[*gatewayResponse]
	log      *logrus.Logger
}

type gatewayResponse struct {
	status int
	body   []byte
}

type uploadResponse struct {
	Root string `json:"root"`
}

func NewGatewayStore(cfg GatewayConfig) (*GatewayStore, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	log := cfg.Logger

	retry := retrypolicy.NewBuilder[*gatewayResponse]().
		HandleIf(shouldRetry).
		AbortOnErrors(circuitbreaker.ErrOpen).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		OnRetry(func(e failsafe.ExecutionEvent[*gatewayResponse]) {
			log.WithFields(logrus.Fields{
				"attempt": e.Attempts(),
				"error":   e.LastError(),
			}).Warn("Retrying storage gateway request")
		}).
		Build()

	breaker := circuitbreaker.NewBuilder[*gatewayResponse]().
		HandleIf(shouldRetry).
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.WithFields(logrus.Fields{
				"from_state": e.OldState,
				"to_state":   e.NewState,
			}).Warn("Storage gateway circuit breaker state change")
		}).
		Build()

	return &GatewayStore{
		baseURL:  base,
		token:    cfg.Token,
		maxBytes: cfg.MaxBytes,
		client:   cfg.HTTPClient,
		executor: failsafe.With[*gatewayResponse](retry, breaker),
		log:      log,
	}, nil
}

func shouldRetry(resp *gatewayResponse, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	return resp.status >= http.StatusInternalServerError || resp.status == http.StatusTooManyRequests
}

func (g *GatewayStore) Put(ctx context.Context, data []byte) (Handle, error) {
	if err := checkPayload(data, g.maxBytes); err != nil {
		return "", err
	}
	want := ComputeHandle(data)

	resp, err := g.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/blobs", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	switch {
	case resp.status == http.StatusRequestEntityTooLarge:
		return "", fmt.Errorf("%w: gateway refused %d bytes", ErrWriteRejected, len(data))
	case resp.status < 200 || resp.status >= 300:
		return "", fmt.Errorf("%w: gateway upload status %d: %s", ErrStoreUnavailable, resp.status, snippet(resp.body))
	}

	var out uploadResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", fmt.Errorf("%w: gateway upload response: %v", ErrStoreUnavailable, err)
	}
	if Handle(strings.ToLower(out.Root)) != want {
		return "", fmt.Errorf("%w: gateway returned root %s, computed %s", ErrStoreUnavailable, out.Root, want)
	}
	return want, nil
}

func (g *GatewayStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	if !ValidHandle(h) {
		return nil, fmt.Errorf("%w: malformed handle %q", ErrNotFound, h)
	}
	resp, err := g.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/blobs/"+string(h), nil)
	})
	if err != nil {
		return nil, err
	}

	switch {
	case resp.status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	case resp.status < 200 || resp.status >= 300:
		return nil, fmt.Errorf("%w: gateway download status %d: %s", ErrStoreUnavailable, resp.status, snippet(resp.body))
	}
	if got := ComputeHandle(resp.body); got != h {
		g.log.WithFields(logrus.Fields{"handle": h, "computed": got}).Error("Storage gateway returned mismatched content")
		return nil, fmt.Errorf("%w: content for %s does not match its handle", ErrNotFound, h)
	}
	return resp.body, nil
}

// do runs one request through the retry/breaker executor. The body is read
// inside each attempt so discarded attempts never leak connections.
func (g *GatewayStore) do(ctx context.Context, build func() (*http.Request, error)) (*gatewayResponse, error) {
	resp, err := g.executor.WithContext(ctx).Get(func() (*gatewayResponse, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}
		httpResp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(httpResp.Body, int64(g.maxBytes)+1))
		if err != nil {
			return nil, err
		}
		return &gatewayResponse{status: httpResp.StatusCode, body: body}, nil
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: gateway status %d after retries: %v", ErrStoreUnavailable, resp.status, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return resp, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
