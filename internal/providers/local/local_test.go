// ABOUTME: Tests for the local file-based scan service.
// ABOUTME: Tests JSON file parsing, query filtering, report recording and error handling.

package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jfeddern/anubis/internal/types"
	"github.com/sirupsen/logrus"
)

const resultsFixture = `[
	{
		"scan_id": "1",
		"name": "foo",
		"version": "1.0",
		"status": "finished",
		"score": 9,
		"rules": [{"name": "exec_base64"}],
		"inspector_url": "https://inspector.pypi.io/project/foo/1.0/",
		"queued_at": "2025-01-15T09:58:00",
		"pending_at": "2025-01-15T09:59:00",
		"finished_at": "2025-01-15T10:00:30",
		"reported_at": null
	},
	{
		"scan_id": "2",
		"name": "bar",
		"version": "2.0",
		"status": "finished",
		"score": 3,
		"rules": [],
		"inspector_url": "https://inspector.pypi.io/project/bar/2.0/",
		"queued_at": "2025-01-15T09:50:00",
		"pending_at": "2025-01-15T09:51:00",
		"finished_at": "2025-01-15T09:52:00",
		"reported_at": null
	},
	{
		"scan_id": "3",
		"name": "Foo",
		"version": "1.1",
		"status": "pending",
		"score": null,
		"rules": [],
		"inspector_url": "",
		"queued_at": "2025-01-15T10:01:00",
		"pending_at": "2025-01-15T10:01:05",
		"finished_at": null,
		"reported_at": null
	}
]`

func writeFixture(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "scans.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	return path
}

func newTestProvider(path string) *LocalProvider {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewLocalProvider(path, logger)
}

func TestLocalProviderName(t *testing.T) {
	provider := newTestProvider("scans.json")

	if provider.Name() != "local" {
		t.Errorf("Expected name 'local', got '%s'", provider.Name())
	}
}

func TestLocalProviderGetScannedPackages(t *testing.T) {
	provider := newTestProvider(writeFixture(t, resultsFixture))
	since := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		query    types.ScanQuery
		expected []string
	}{
		{
			name:     "no filter",
			query:    types.ScanQuery{},
			expected: []string{"foo 1.0", "bar 2.0", "Foo 1.1"},
		},
		{
			name:     "since excludes older and unfinished scans",
			query:    types.ScanQuery{Since: &since},
			expected: []string{"foo 1.0"},
		},
		{
			name:     "name is case insensitive",
			query:    types.ScanQuery{Name: "FOO"},
			expected: []string{"foo 1.0", "Foo 1.1"},
		},
		{
			name:     "name and version",
			query:    types.ScanQuery{Name: "foo", Version: "1.1"},
			expected: []string{"Foo 1.1"},
		},
		{
			name:     "no match",
			query:    types.ScanQuery{Name: "left-pad"},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := provider.GetScannedPackages(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if results == nil {
				t.Fatal("Expected non-nil results")
			}

			if len(results) != len(tt.expected) {
				t.Fatalf("Expected %d results, got %d", len(tt.expected), len(results))
			}
			for i, result := range results {
				if result.String() != tt.expected[i] {
					t.Errorf("Result %d = %q, want %q", i, result.String(), tt.expected[i])
				}
			}
		})
	}
}

func TestLocalProviderFileErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{
			name: "file does not exist",
			path: func(t *testing.T) string { return "/nonexistent/path/scans.json" },
		},
		{
			name: "file is directory",
			path: func(t *testing.T) string { return t.TempDir() },
		},
		{
			name: "not a list",
			path: func(t *testing.T) string { return writeFixture(t, `{"invalid": "json"}`) },
		},
		{
			name: "malformed JSON",
			path: func(t *testing.T) string { return writeFixture(t, `[invalid json`) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newTestProvider(tt.path(t))

			results, err := provider.GetScannedPackages(context.Background(), types.ScanQuery{})
			if err == nil {
				t.Error("Expected error but got none")
			}
			if results != nil {
				t.Error("Expected nil results on error")
			}
		})
	}
}

func TestLocalProviderSkipsUndecodableRecords(t *testing.T) {
	provider := newTestProvider(writeFixture(t, `[
		{"name":"a","version":"1","status":"lost","queued_at":"2025-01-15T10:00:00"},
		{"name":"b","version":"2","status":"queued","queued_at":"2025-01-15T10:00:00"}
	]`))

	results, err := provider.GetScannedPackages(context.Background(), types.ScanQuery{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 1 || results[0].Name != "b" {
		t.Errorf("Expected only the decodable record, got %+v", results)
	}
}

func TestLocalProviderGetPackage(t *testing.T) {
	provider := newTestProvider(writeFixture(t, resultsFixture))

	result, err := provider.GetPackage(context.Background(), "bar", "2.0")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result == nil || result.ScanID != "2" {
		t.Fatalf("Expected scan 2, got %+v", result)
	}

	result, err = provider.GetPackage(context.Background(), "bar", "9.9")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil for unknown version, got %+v", result)
	}
}

func TestLocalProviderReportPackage(t *testing.T) {
	provider := newTestProvider(writeFixture(t, resultsFixture))

	info := "Typosquat of colorama"
	report := types.PackageReport{Name: "foo", Version: "1.0", AdditionalInformation: &info}
	if err := provider.ReportPackage(context.Background(), report); err != nil {
		t.Fatalf("ReportPackage failed: %v", err)
	}

	reports := provider.Reports()
	if len(reports) != 1 {
		t.Fatalf("Expected 1 recorded report, got %d", len(reports))
	}
	if *reports[0].AdditionalInformation != info {
		t.Errorf("Recorded additional information %q, want %q", *reports[0].AdditionalInformation, info)
	}
}

func TestLocalProviderContextCancellation(t *testing.T) {
	provider := newTestProvider(writeFixture(t, resultsFixture))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := provider.GetScannedPackages(ctx, types.ScanQuery{}); err == nil {
		t.Error("Expected error for cancelled context")
	}
	if err := provider.ReportPackage(ctx, types.PackageReport{Name: "foo", Version: "1.0"}); err == nil {
		t.Error("Expected error for cancelled context")
	}
	if len(provider.Reports()) != 0 {
		t.Error("Cancelled report must not be recorded")
	}
}
