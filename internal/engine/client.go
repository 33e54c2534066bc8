package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"footprint-service/internal/entity"
)

var (
	// ErrUnavailable marks transient engine failures (network, timeout, 5xx).
	// The worker retries these.
	ErrUnavailable = errors.New("lci engine unavailable")

	// ErrEngineData marks a reply the engine produced but we cannot use
	// (malformed body, missing reference data). Not retried.
	ErrEngineData = errors.New("lci engine data error")

	ErrFactorNotFound = errors.New("gwp factor not found")
)

// InventoryFlow is one raw LCI flow as returned by the engine: a named
// substance in a flow category with an amount and unit.
type InventoryFlow struct {
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
	Unit     string  `json:"unit"`
}

// Client is the contract the worker pool consumes. CalculateInventory turns a
// described product system into raw inventory flows; GWPFactor resolves a gas
// formula against a pinned factor table version.
type Client interface {
	CalculateInventory(ctx context.Context, in entity.CalculationInput) ([]InventoryFlow, string, error)
	GWPFactor(ctx context.Context, gas, factorVersion string) (float64, error)
}

type httpClient struct {
	baseURL string
	http    *http.Client
	factors *FactorTable
}

// NewHTTPClient builds the production client. Inventory calculation goes over
// the wire; GWP factors resolve from the embedded versioned tables so that a
// pinned factorVersion keeps meaning the same numbers forever.
func NewHTTPClient(baseURL string, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		factors: DefaultFactorTable(),
	}
}

type inventoryRequest struct {
	Subject    entity.CalculationInput `json:"subject"`
	ResultUnit string                  `json:"result_unit"`
}

type inventoryResponse struct {
	EngineVersion string          `json:"engine_version"`
	Flows         []InventoryFlow `json:"flows"`
	Error         string          `json:"error,omitempty"`
}

func (c *httpClient) CalculateInventory(ctx context.Context, in entity.CalculationInput) ([]InventoryFlow, string, error) {
	body, err := json.Marshal(inventoryRequest{Subject: in, ResultUnit: "kg"})
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode request: %v", ErrEngineData, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/inventory", bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// network level failures, including context deadline, are transient
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", fmt.Errorf("%w: engine returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("%w: engine returned %d: %s", ErrEngineData, resp.StatusCode, msg)
	}

	var out inventoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("%w: decode response: %v", ErrEngineData, err)
	}
	if out.Error != "" {
		return nil, "", fmt.Errorf("%w: %s", ErrEngineData, out.Error)
	}
	if len(out.Flows) == 0 {
		return nil, "", fmt.Errorf("%w: engine returned no flows", ErrEngineData)
	}
	return out.Flows, out.EngineVersion, nil
}

func (c *httpClient) GWPFactor(_ context.Context, gas, factorVersion string) (float64, error) {
	f, ok := c.factors.Lookup(gas, factorVersion)
	if !ok {
		return 0, fmt.Errorf("%w: gas=%s version=%s", ErrFactorNotFound, gas, factorVersion)
	}
	return f, nil
}
