// ABOUTME: HTTP client for the Dragonfly package scanning API.
// ABOUTME: Lists scan results, looks up single releases and files malicious package reports.

package dragonfly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jfeddern/anubis/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const maxErrorBody = 512

// HTTPError is returned for any non-2xx answer from the scanning or auth endpoints
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func newHTTPError(method, rawURL string, resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{
		Method:     method,
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// Config holds the Dragonfly endpoint and credentials
type Config struct {
	BaseURL      string
	AuthURL      string
	Audience     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	Timeout      time.Duration
}

// Client implements the scan service against the Dragonfly API
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a Dragonfly client. Requests carry a bearer token from the password grant.
func NewClient(config Config, logger *logrus.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid Dragonfly base URL %q: %w", config.BaseURL, err)
	}
	if _, err := url.ParseRequestURI(config.AuthURL); err != nil {
		return nil, fmt.Errorf("invalid Dragonfly auth URL %q: %w", config.AuthURL, err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	authClient := &http.Client{Timeout: config.Timeout}
	source := newPasswordTokenSource(config, authClient, logger)

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &oauth2.Transport{
				Source: source,
				Base:   http.DefaultTransport,
			},
		},
		logger: logger,
	}, nil
}

// Name returns the name of this scan source
func (c *Client) Name() string {
	return "dragonfly"
}

// GetScannedPackages lists scan results matching the query in upstream order
func (c *Client) GetScannedPackages(ctx context.Context, query types.ScanQuery) ([]types.PackageScanResult, error) {
	params := url.Values{}
	if query.Name != "" {
		params.Set("name", query.Name)
	}
	if query.Version != "" {
		params.Set("version", query.Version)
	}
	if query.Since != nil {
		params.Set("since", strconv.FormatInt(query.Since.Unix(), 10))
	}

	var batch types.ScanBatch
	if err := c.do(ctx, http.MethodGet, "/package", params, nil, &batch); err != nil {
		return nil, fmt.Errorf("failed to list scanned packages: %w", err)
	}

	logger := c.logger.WithField("operation", "get_scanned_packages")
	for _, err := range batch.Skipped {
		logger.WithError(err).Warn("Skipping undecodable scan result")
	}
	logger.WithFields(logrus.Fields{
		"result_count":  len(batch.Results),
		"skipped_count": len(batch.Skipped),
	}).Debug("Listed scanned packages")

	return batch.Results, nil
}

// GetPackage returns the first scan result for a release, or nil when there is none
func (c *Client) GetPackage(ctx context.Context, name, version string) (*types.PackageScanResult, error) {
	results, err := c.GetScannedPackages(ctx, types.ScanQuery{Name: name, Version: version})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// ReportPackage files a malicious package report
func (c *Client) ReportPackage(ctx context.Context, report types.PackageReport) error {
	if err := c.do(ctx, http.MethodPost, "/report", nil, report, nil); err != nil {
		return fmt.Errorf("failed to report %s %s: %w", report.Name, report.Version, err)
	}

	c.logger.WithFields(logrus.Fields{
		"operation": "report_package",
		"package":   report.Name,
		"version":   report.Version,
		"use_email": report.UseEmail,
	}).Info("Reported package to Dragonfly")

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newHTTPError(method, c.baseURL+path, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
