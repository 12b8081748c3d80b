package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the JSON gateway in front of the smart contract.
type HTTPConfig struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	RatePerSec   float64
	HTTPClient   *http.Client
}

// HTTPConfigFromEnv reads LEDGER_API_* variables.
func HTTPConfigFromEnv() HTTPConfig {
	cfg := HTTPConfig{
		BaseURL:      strings.TrimSpace(os.Getenv("LEDGER_API_BASE_URL")),
		APIKey:       strings.TrimSpace(os.Getenv("LEDGER_API_KEY")),
		APIKeyHeader: strings.TrimSpace(os.Getenv("LEDGER_API_KEY_HEADER")),
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("LEDGER_RATE_LIMIT_PER_SEC")), 64); err == nil && v > 0 {
		cfg.RatePerSec = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv("LEDGER_TIMEOUT_SECONDS"))); err == nil && v > 0 {
		cfg.Timeout = time.Duration(v) * time.Second
	}
	return cfg
}

type HTTPClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   *rate.Limiter

	// distribution id -> token id; a token never changes once issued
	mu     sync.RWMutex
	tokens map[string]string
	group  singleflight.Group
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ledger base url is empty")
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		apiKeyHdr: cfg.APIKeyHeader,
		http:      hc,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		tokens:    map[string]string{},
	}, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, op string, method string, path string, in interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transportError(op, err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return newError(op, KindRejected, "encode request: "+err.Error(), err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return newError(op, KindRejected, err.Error(), err)
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return newError(op, KindTransient, "decode response: "+err.Error(), err)
	}
	return nil
}

func statusError(op string, status int, raw []byte) *Error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	msg = fmt.Sprintf("%d: %s", status, msg)

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return newError(op, KindTransient, msg, nil)
	case status == http.StatusNotFound:
		return newError(op, KindNotFound, msg, nil)
	case strings.EqualFold(eb.Code, "DUPLICATE_SIGNER"):
		return newError(op, KindDuplicateSigner, msg, nil)
	}
	return newError(op, KindRejected, msg, nil)
}

func requireTxHash(op string, r Receipt) (Receipt, error) {
	if strings.TrimSpace(r.TxHash) == "" {
		return Receipt{}, newError(op, KindTransient, "ledger returned an empty transaction hash", nil)
	}
	return r, nil
}

func (c *HTTPClient) CreateDistribution(ctx context.Context, anchor DistributionAnchor) (Receipt, error) {
	const op = "createDistribution"
	var r Receipt
	if err := c.do(ctx, op, http.MethodPost, "/distributions", anchor, &r); err != nil {
		return Receipt{}, err
	}
	if r.TokenId == "" {
		return Receipt{}, newError(op, KindTransient, "ledger returned no token id", nil)
	}
	c.remember(anchor.DistributionId, r.TokenId)
	return requireTxHash(op, r)
}

func (c *HTTPClient) RegisterSigner(ctx context.Context, tokenId string, signerName string, credential string) (Receipt, error) {
	const op = "registerSigner"
	in := map[string]string{"name": signerName, "credential": credential}
	var r Receipt
	if err := c.do(ctx, op, http.MethodPost, "/tokens/"+url.PathEscape(tokenId)+"/signers", in, &r); err != nil {
		return Receipt{}, err
	}
	return requireTxHash(op, r)
}

func (c *HTTPClient) Sign(ctx context.Context, tokenId string, credential string) (Receipt, error) {
	const op = "sign"
	in := map[string]string{"credential": credential}
	var r Receipt
	if err := c.do(ctx, op, http.MethodPost, "/tokens/"+url.PathEscape(tokenId)+"/signatures", in, &r); err != nil {
		return Receipt{}, err
	}
	return requireTxHash(op, r)
}

func (c *HTTPClient) AdminSign(ctx context.Context, tokenId string, adminName string, notes string) (Receipt, error) {
	const op = "adminSign"
	in := map[string]string{"admin_name": adminName, "notes": notes}
	var r Receipt
	if err := c.do(ctx, op, http.MethodPost, "/tokens/"+url.PathEscape(tokenId)+"/admin-signature", in, &r); err != nil {
		return Receipt{}, err
	}
	return requireTxHash(op, r)
}

func (c *HTTPClient) ResolveToken(ctx context.Context, distributionId string) (string, error) {
	c.mu.RLock()
	tokenId, ok := c.tokens[distributionId]
	c.mu.RUnlock()
	if ok {
		return tokenId, nil
	}

	v, err, _ := c.group.Do(distributionId, func() (interface{}, error) {
		const op = "resolveToken"
		var out struct {
			TokenId string `json:"token_id"`
		}
		if err := c.do(ctx, op, http.MethodGet, "/distributions/"+url.PathEscape(distributionId)+"/token", nil, &out); err != nil {
			return "", err
		}
		if out.TokenId == "" {
			return "", newError(op, KindNotFound, "distribution "+distributionId+" has no token", nil)
		}
		c.remember(distributionId, out.TokenId)
		return out.TokenId, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *HTTPClient) ListSigners(ctx context.Context, tokenId string) ([]SignerEntry, error) {
	var out struct {
		Signers []SignerEntry `json:"signers"`
	}
	if err := c.do(ctx, "listSigners", http.MethodGet, "/tokens/"+url.PathEscape(tokenId)+"/signers", nil, &out); err != nil {
		return nil, err
	}
	return out.Signers, nil
}

func (c *HTTPClient) remember(distributionId string, tokenId string) {
	if distributionId == "" || tokenId == "" {
		return
	}
	c.mu.Lock()
	c.tokens[distributionId] = tokenId
	c.mu.Unlock()
}
