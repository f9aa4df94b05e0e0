// Package truenas creates iSCSI extents and targets through the TrueNAS REST API.
package truenas

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/rs/zerolog"
)

// ISCSIClient is the subset of the TrueNAS iSCSI API used for provisioning.
type ISCSIClient interface {
	CreateExtent(ctx context.Context, spec models.ExtentSpec) (*models.Extent, error)
	CreateTarget(ctx context.Context, name string) (*models.ISCSITarget, error)
	AssociateExtent(ctx context.Context, targetID, extentID, lunID int) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx API response.
type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("truenas API %s returned status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Client implements ISCSIClient over HTTP.
type Client struct {
	httpClient HTTPClient
	baseURL    string
	apiKey     string
	logger     zerolog.Logger
}

var _ ISCSIClient = (*Client)(nil)

// NewClient creates an API client for cfg. Insecure disables certificate verification
// for appliances with self-signed certificates.
func NewClient(logger zerolog.Logger, cfg models.TrueNASConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed appliances
	}
	return NewClientWithHTTP(logger, &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
	}, cfg.URL, cfg.APIKey)
}

// NewClientWithHTTP creates an API client with a custom HTTP client (for testing).
func NewClientWithHTTP(logger zerolog.Logger, httpClient HTTPClient, baseURL, apiKey string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger,
	}
}

type extentRequest struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Disk       string  `json:"disk"`
	BlockSize  int     `json:"blocksize"`
	NAA        *string `json:"naa"`
	RPM        string  `json:"rpm"`
	PBlockSize bool    `json:"pblocksize"`
}

type targetRequest struct {
	Name string `json:"name"`
}

type targetExtentRequest struct {
	Target int `json:"target"`
	Extent int `json:"extent"`
	LunID  int `json:"lunid"`
}

// CreateExtent creates a DISK extent for a zvol.
func (c *Client) CreateExtent(ctx context.Context, spec models.ExtentSpec) (*models.Extent, error) {
	var extent models.Extent
	err := c.post(ctx, "/api/v2.0/iscsi/extent/", extentRequest{
		Name:       spec.Name,
		Type:       "DISK",
		Disk:       spec.Disk,
		BlockSize:  512,
		RPM:        spec.RPM,
		PBlockSize: !spec.DisablePBlockSize,
	}, &extent)
	if err != nil {
		return nil, err
	}
	return &extent, nil
}

// CreateTarget creates an iSCSI target.
func (c *Client) CreateTarget(ctx context.Context, name string) (*models.ISCSITarget, error) {
	var target models.ISCSITarget
	if err := c.post(ctx, "/api/v2.0/iscsi/target/", targetRequest{Name: name}, &target); err != nil {
		return nil, err
	}
	return &target, nil
}

// AssociateExtent maps an extent to a target at lunID.
func (c *Client) AssociateExtent(ctx context.Context, targetID, extentID, lunID int) error {
	return c.post(ctx, "/api/v2.0/iscsi/targetextent/", targetExtentRequest{
		Target: targetID,
		Extent: extentID,
		LunID:  lunID,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug().Str("path", path).Msg("calling TrueNAS API")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
