// ABOUTME: Unit tests for the scan results endpoint.
// ABOUTME: Tests JSON response structure, filtering, summaries and query parameter validation.

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jfeddern/anubis/internal/engine"
	"github.com/jfeddern/anubis/internal/types"

	"github.com/sirupsen/logrus"
)

func scanResult(name, version string, status types.ScanStatus, score *int, rules ...string) types.PackageScanResult {
	return types.PackageScanResult{
		Name:     name,
		Version:  version,
		Status:   status,
		Score:    score,
		Rules:    rules,
		QueuedAt: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
	}
}

func intPtr(v int) *int {
	return &v
}

func TestScansHandler(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	provider := &MockScanDataProvider{data: engine.ScanData{
		Results: []types.PackageScanResult{
			scanResult("evil-requests", "6.6.6", types.ScanStatusFinished, intPtr(15), "exfiltrate", "obfuscation"),
			scanResult("colorama-extra", "0.4.7", types.ScanStatusFinished, intPtr(9), "exfiltrate"),
			scanResult("numpy", "2.1.0", types.ScanStatusFinished, intPtr(0)),
			scanResult("slow-build", "1.0", types.ScanStatusPending, nil),
		},
		AlertsSent:    2,
		LastCycleTime: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		Watermark:     time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		Threshold:     8,
		Running:       true,
	}}

	handler := NewScansHandler(provider, logger)

	tests := []struct {
		name         string
		queryParams  string
		expectedCode int
		checkFunc    func(*testing.T, *ScansResponse)
	}{
		{
			name:         "basic request",
			queryParams:  "",
			expectedCode: http.StatusOK,
			checkFunc: func(t *testing.T, resp *ScansResponse) {
				if len(resp.Packages) != 4 {
					t.Errorf("Expected 4 packages, got %d", len(resp.Packages))
				}
				if resp.Summary.TotalPackages != 4 {
					t.Errorf("Expected 4 total packages, got %d", resp.Summary.TotalPackages)
				}
				if resp.Summary.FlaggedPackages != 2 {
					t.Errorf("Expected 2 flagged packages, got %d", resp.Summary.FlaggedPackages)
				}
				if resp.Summary.StatusBreakdown["finished"] != 3 || resp.Summary.StatusBreakdown["pending"] != 1 {
					t.Errorf("Unexpected status breakdown %v", resp.Summary.StatusBreakdown)
				}
				if resp.LastCycle == nil || *resp.LastCycle != "2025-01-15T10:00:00Z" {
					t.Errorf("Expected last cycle timestamp, got %v", resp.LastCycle)
				}
				if !resp.Running {
					t.Errorf("Expected running loop")
				}
			},
		},
		{
			name:         "top rules ordered by package count",
			queryParams:  "",
			expectedCode: http.StatusOK,
			checkFunc: func(t *testing.T, resp *ScansResponse) {
				if len(resp.Summary.TopRules) != 2 {
					t.Fatalf("Expected 2 rules, got %d", len(resp.Summary.TopRules))
				}
				top := resp.Summary.TopRules[0]
				if top.Name != "exfiltrate" || top.PackageCount != 2 || top.MaxScore != 15 {
					t.Errorf("Unexpected top rule %+v", top)
				}
			},
		},
		{
			name:         "name filter",
			queryParams:  "?name=REQUESTS",
			expectedCode: http.StatusOK,
			checkFunc: func(t *testing.T, resp *ScansResponse) {
				if len(resp.Packages) != 1 || resp.Packages[0].Name != "evil-requests" {
					t.Errorf("Expected only evil-requests, got %v", resp.Packages)
				}
				if resp.Summary.TotalPackages != 4 {
					t.Errorf("Summary should cover the whole cycle, got %d", resp.Summary.TotalPackages)
				}
			},
		},
		{
			name:         "min score filter skips unscored packages",
			queryParams:  "?min_score=9",
			expectedCode: http.StatusOK,
			checkFunc: func(t *testing.T, resp *ScansResponse) {
				if len(resp.Packages) != 2 {
					t.Errorf("Expected 2 packages, got %d", len(resp.Packages))
				}
			},
		},
		{
			name:         "status filter",
			queryParams:  "?status=pending",
			expectedCode: http.StatusOK,
			checkFunc: func(t *testing.T, resp *ScansResponse) {
				if len(resp.Packages) != 1 || resp.Packages[0].Score != nil {
					t.Errorf("Expected one unscored pending package, got %v", resp.Packages)
				}
			},
		},
		{
			name:         "limit parameter",
			queryParams:  "?limit=1",
			expectedCode: http.StatusOK,
			checkFunc: func(t *testing.T, resp *ScansResponse) {
				if len(resp.Packages) != 1 {
					t.Errorf("Expected 1 package due to limit, got %d", len(resp.Packages))
				}
			},
		},
		{
			name:         "pretty output",
			queryParams:  "?pretty=1",
			expectedCode: http.StatusOK,
			checkFunc: func(t *testing.T, resp *ScansResponse) {
				if len(resp.Packages) != 4 {
					t.Errorf("Expected 4 packages, got %d", len(resp.Packages))
				}
			},
		},
		{name: "invalid status", queryParams: "?status=done", expectedCode: http.StatusBadRequest},
		{name: "negative min score", queryParams: "?min_score=-1", expectedCode: http.StatusBadRequest},
		{name: "invalid limit", queryParams: "?limit=abc", expectedCode: http.StatusBadRequest},
		{name: "limit too large", queryParams: "?limit=10001", expectedCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest("GET", "/scans"+tt.queryParams, nil)
			if err != nil {
				t.Fatal(err)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if status := rr.Code; status != tt.expectedCode {
				t.Errorf("Expected status code %d, got %d", tt.expectedCode, status)
			}

			if tt.expectedCode == http.StatusOK {
				if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("Expected JSON content type, got %q", ct)
				}

				var response ScansResponse
				if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
					t.Fatalf("Failed to unmarshal response: %v", err)
				}

				tt.checkFunc(t, &response)
			}
		})
	}
}

func TestScansHandlerBeforeFirstCycle(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := CreateScansHandler(&MockScanDataProvider{}, logger)

	req := httptest.NewRequest("GET", "/scans", nil)
	rr := httptest.NewRecorder()
	handler(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, rr.Code)
	}

	var response ScansResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.LastCycle != nil {
		t.Errorf("Expected null last_cycle before any cycle, got %q", *response.LastCycle)
	}
	if len(response.Packages) != 0 {
		t.Errorf("Expected no packages, got %d", len(response.Packages))
	}
}

// Mock implementation for testing
type MockScanDataProvider struct {
	data engine.ScanData
}

func (m *MockScanDataProvider) GetScanData() engine.ScanData {
	return m.data
}
