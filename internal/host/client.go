// Package host provides a read-only client for the attack-emulation
// platform's REST API, used to resolve operation ids from lifecycle events
// into full action records.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"purpletrace/internal/schema"
)

// Client accesses the emulation platform API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	validator  *schema.Validator
}

// ClientConfig holds configuration for the platform client.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL: "http://localhost:8888",
		Timeout: 10 * time.Second,
	}
}

// NewClient creates a new platform client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		validator: schema.NewValidator(),
	}
}

// operationWire mirrors the platform's operation payload.
type operationWire struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Group  string     `json:"group"`
	State  string     `json:"state"`
	Chain  []linkWire `json:"chain"`
	Agents []struct {
		Paw string `json:"paw"`
	} `json:"host_group"`
}

type linkWire struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Ability *struct {
		TechniqueID   string `json:"technique_id"`
		TechniqueName string `json:"technique_name"`
		Tactic        string `json:"tactic"`
		Name          string `json:"name"`
	} `json:"ability"`
	Executor *struct {
		Name     string `json:"name"`
		Platform string `json:"platform"`
	} `json:"executor"`
	Output   string `json:"output"`
	Finished string `json:"finish"`
}

// GetOperation fetches one operation with its executed chain.
func (c *Client) GetOperation(ctx context.Context, id string) (*schema.Operation, error) {
	if !schema.ValidOperationID(id) {
		return nil, fmt.Errorf("invalid operation id format")
	}

	resp, err := c.doRequest(ctx, "GET", "/api/v2/operations/"+id)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	defer resp.Body.Close()

	var wire operationWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode operation response: %w", err)
	}

	// Records are validated once, here at the boundary; downstream code
	// trusts the shape.
	op := wire.toRecord()
	if err := c.validator.Validate(op); err != nil {
		return nil, fmt.Errorf("operation failed boundary validation: %w", err)
	}

	return op, nil
}

// toRecord converts the wire payload into the boundary-validated record
// shape. Absent optional fields simply contribute nothing.
func (w *operationWire) toRecord() *schema.Operation {
	op := &schema.Operation{
		ID:         w.ID,
		Name:       w.Name,
		Group:      w.Group,
		State:      w.State,
		AgentCount: len(w.Agents),
	}

	for _, lw := range w.Chain {
		link := schema.Link{
			ID:         lw.ID,
			Status:     lw.Status,
			OutputPath: lw.Output,
		}
		if lw.Ability != nil {
			link.Ability = &schema.Ability{
				TechniqueID:   lw.Ability.TechniqueID,
				TechniqueName: lw.Ability.TechniqueName,
				Tactic:        lw.Ability.Tactic,
				Name:          lw.Ability.Name,
			}
		}
		if lw.Executor != nil {
			link.Executor = lw.Executor.Name
			link.Platform = lw.Executor.Platform
		}
		if lw.Finished != "" {
			if t, err := time.Parse(time.RFC3339, lw.Finished); err == nil {
				link.Finished = t
			}
		}
		op.Chain = append(op.Chain, link)
	}

	return op
}

// doRequest performs an HTTP request against the platform API.
func (c *Client) doRequest(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
