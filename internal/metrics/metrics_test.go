// ABOUTME: Tests for the Prometheus metrics handler over scan engine snapshots.
// ABOUTME: Tests gauge generation, stale series removal, and label sanitization.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jfeddern/anubis/internal/engine"
	"github.com/jfeddern/anubis/internal/types"

	"github.com/sirupsen/logrus"
)

type MockScanDataProvider struct {
	data engine.ScanData
}

func (m *MockScanDataProvider) GetScanData() engine.ScanData {
	return m.data
}

func scored(name, version string, status types.ScanStatus, score int, rules ...string) types.PackageScanResult {
	return types.PackageScanResult{
		Name:    name,
		Version: version,
		Status:  status,
		Score:   &score,
		Rules:   rules,
	}
}

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ServeHTTP() returned status %d, want %d", w.Code, http.StatusOK)
	}
	return w.Body.String()
}

func TestNewMetricsHandler(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	provider := &MockScanDataProvider{}
	handler := NewMetricsHandler(provider, logger)

	if handler.provider != provider {
		t.Errorf("NewMetricsHandler() provider = %v, want %v", handler.provider, provider)
	}
	if handler.logger != logger {
		t.Errorf("NewMetricsHandler() logger mismatch")
	}
}

func TestMetricsHandler_ServeHTTP(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	provider := &MockScanDataProvider{data: engine.ScanData{
		Results: []types.PackageScanResult{
			scored("evil", "6.6.6", types.ScanStatusFinished, 15, "exfiltrate", "obfuscation"),
			scored("fine", "1.0.0", types.ScanStatusFinished, 2),
			{Name: "slow", Version: "0.1", Status: types.ScanStatusPending},
		},
		AlertsSent:    1,
		LastCycleTime: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		Watermark:     time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		Threshold:     10,
		Cycles:        4,
		Failures:      1,
		Running:       true,
	}}

	body := scrape(t, NewMetricsHandler(provider, logger))

	expected := []string{
		`anubis_package_score{name="evil",status="finished",version="6.6.6"} 15`,
		`anubis_package_score{name="fine",status="finished",version="1.0.0"} 2`,
		`anubis_package_flagged{name="evil",version="6.6.6"} 1`,
		`anubis_package_flagged{name="fine",version="1.0.0"} 0`,
		`anubis_package_flagged{name="slow",version="0.1"} 0`,
		`anubis_package_rule_match{name="evil",rule="exfiltrate",version="6.6.6"} 1`,
		`anubis_package_rule_match{name="evil",rule="obfuscation",version="6.6.6"} 1`,
		`anubis_scan_info{info_type="threshold"} 10`,
		`anubis_scan_info{info_type="packages_scanned"} 3`,
		`anubis_scan_info{info_type="alerts_sent"} 1`,
		`anubis_scan_info{info_type="cycles_total"} 4`,
		`anubis_scan_info{info_type="cycle_failures_total"} 1`,
		`anubis_scan_info{info_type="running"} 1`,
		`anubis_scan_info{info_type="last_cycle_timestamp"}`,
		`anubis_scan_info{info_type="watermark_timestamp"}`,
	}
	for _, metric := range expected {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric not found in response: %s", metric)
		}
	}

	if strings.Contains(body, `anubis_package_score{name="slow"`) {
		t.Errorf("Unscored package should not expose a score")
	}
}

func TestMetricsHandler_DropsStaleResults(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	provider := &MockScanDataProvider{data: engine.ScanData{
		Results:   []types.PackageScanResult{scored("old", "1.0", types.ScanStatusFinished, 3)},
		Threshold: 5,
	}}
	handler := NewMetricsHandler(provider, logger)

	if body := scrape(t, handler); !strings.Contains(body, `name="old"`) {
		t.Fatalf("Expected first scrape to contain old package")
	}

	provider.data = engine.ScanData{
		Results:   []types.PackageScanResult{scored("new", "2.0", types.ScanStatusFinished, 3)},
		Threshold: 5,
	}

	body := scrape(t, handler)
	if strings.Contains(body, `name="old"`) {
		t.Errorf("Stale package from previous cycle still exported")
	}
	if !strings.Contains(body, `name="new"`) {
		t.Errorf("Expected current package in response")
	}
	if strings.Contains(body, `info_type="last_cycle_timestamp"`) {
		t.Errorf("Last cycle timestamp exported before any cycle completed")
	}
}

func TestCreateMetricsHandler(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := CreateMetricsHandler(&MockScanDataProvider{}, logger)

	body := scrape(t, handler)
	if !strings.Contains(body, `anubis_scan_info{info_type="running"} 0`) {
		t.Errorf("Expected idle loop to report running=0")
	}
}

func TestSanitizeLabelValue(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "normal string",
			input:    "normal-value",
			expected: "normal-value",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "unknown",
		},
		{
			name:     "string with newlines",
			input:    "line1\nline2\rline3",
			expected: "line1 line2 line3",
		},
		{
			name:     "string with tabs",
			input:    "value\twith\ttabs",
			expected: "value with tabs",
		},
		{
			name:     "very long string",
			input:    strings.Repeat("a", 250),
			expected: strings.Repeat("a", 200) + "...",
		},
		{
			name:     "string with leading/trailing whitespace",
			input:    "  trimmed  ",
			expected: "trimmed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeLabelValue(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeLabelValue(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
