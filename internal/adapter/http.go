package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/iamtxena/trade-nexus-sub001/internal/risk"
)

type HTTPAdapterConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPAdapter talks to the execution provider's REST API.
type HTTPAdapter struct {
	client *resty.Client
}

func NewHTTPAdapter(cfg HTTPAdapterConfig) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &HTTPAdapter{client: client}
}

type providerResult struct {
	ProviderRef string `json:"provider_ref"`
	State       string `json:"state"`
	Message     string `json:"message"`
}

type providerDeployment struct {
	Scope              string  `json:"scope"`
	ProviderRef        string  `json:"provider_ref"`
	Capital            float64 `json:"capital"`
	PnlAdjustedCapital float64 `json:"pnl_adjusted_capital"`
}

func (a *HTTPAdapter) CreateDeployment(ctx context.Context, req DeployRequest, idempotencyKey string) (Result, error) {
	body := map[string]any{
		"scope":        req.Scope,
		"strategy_ref": req.StrategyRef,
		"capital":      req.Capital,
	}
	return a.execute(ctx, http.MethodPost, "/v1/deployments", idempotencyKey, body)
}

func (a *HTTPAdapter) StopDeployment(ctx context.Context, scope, providerRef, idempotencyKey string) (Result, error) {
	body := map[string]any{"scope": scope}
	return a.execute(ctx, http.MethodPost, fmt.Sprintf("/v1/deployments/%s/stop", providerRef), idempotencyKey, body)
}

func (a *HTTPAdapter) PlaceOrder(ctx context.Context, req OrderRequest, idempotencyKey string) (Result, error) {
	body := map[string]any{
		"scope":  req.Scope,
		"symbol": req.Symbol,
		"side":   req.Side,
		"qty":    req.Qty,
		"price":  req.Price,
	}
	return a.execute(ctx, http.MethodPost, "/v1/orders", idempotencyKey, body)
}

func (a *HTTPAdapter) CancelOrder(ctx context.Context, scope, providerRef, idempotencyKey string) (Result, error) {
	body := map[string]any{"scope": scope}
	return a.execute(ctx, http.MethodPost, fmt.Sprintf("/v1/orders/%s/cancel", providerRef), idempotencyKey, body)
}

func (a *HTTPAdapter) GetDeploymentState(ctx context.Context, scope, providerRef string) (string, error) {
	return a.getState(ctx, fmt.Sprintf("/v1/deployments/%s", providerRef), scope)
}

func (a *HTTPAdapter) GetOrderState(ctx context.Context, scope, providerRef string) (string, error) {
	return a.getState(ctx, fmt.Sprintf("/v1/orders/%s", providerRef), scope)
}

func (a *HTTPAdapter) ActiveDeployments(ctx context.Context) ([]risk.DeploymentStatus, error) {
	resp, err := a.client.R().SetContext(ctx).Get("/v1/deployments?state=running")
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode(), resp.String())
	}
	var out struct {
		Deployments []providerDeployment `json:"deployments"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode deployments response: %w", err)
	}
	deployments := make([]risk.DeploymentStatus, 0, len(out.Deployments))
	for _, d := range out.Deployments {
		deployments = append(deployments, risk.DeploymentStatus{
			Scope:              d.Scope,
			ProviderRef:        d.ProviderRef,
			Capital:            d.Capital,
			PnlAdjustedCapital: d.PnlAdjustedCapital,
		})
	}
	return deployments, nil
}

func (a *HTTPAdapter) execute(ctx context.Context, method, path, idempotencyKey string, body map[string]any) (Result, error) {
	req := a.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(body)
	var resp *resty.Response
	var err error
	switch method {
	case http.MethodPost:
		resp, err = req.Post(path)
	default:
		resp, err = req.Get(path)
	}
	if err != nil {
		return Result{}, classifyTransport(err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return Result{}, classifyStatus(resp.StatusCode(), resp.String())
	}
	var result providerResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return Result{}, fmt.Errorf("decode provider response: %w", err)
	}
	if result.ProviderRef == "" {
		return Result{}, &Error{Message: "provider response missing provider_ref", Retryable: false}
	}
	return Result{ProviderRef: result.ProviderRef, State: NormalizeState(result.State)}, nil
}

func (a *HTTPAdapter) getState(ctx context.Context, path, scope string) (string, error) {
	resp, err := a.client.R().SetContext(ctx).SetQueryParam("scope", scope).Get(path)
	if err != nil {
		return "", classifyTransport(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", classifyStatus(resp.StatusCode(), resp.String())
	}
	var result providerResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	return NormalizeState(result.State), nil
}

// Transport errors, timeouts included, are retryable. The provider dedupes
// redelivered commands by idempotency key.
func classifyTransport(err error) error {
	return &Error{Message: err.Error(), Retryable: true}
}

func classifyStatus(status int, body string) error {
	return &Error{
		StatusCode: status,
		Message:    body,
		Retryable:  status >= 500 || status == http.StatusTooManyRequests,
	}
}
