// ABOUTME: Unit tests for the mock scan service.
// ABOUTME: Validates deterministic result windows, filtering and report recording.

package mock

import (
	"context"
	"testing"
	"time"

	"github.com/jfeddern/anubis/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScanner(now time.Time) *MockScanner {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	scanner := NewMockScanner(logger)
	scanner.now = func() time.Time { return now }
	return scanner
}

func TestMockScanner_Name(t *testing.T) {
	assert.Equal(t, "mock", newScanner(time.Now()).Name())
}

func TestMockScanner_GetScannedPackages(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 5, 20, 0, time.UTC)
	scanner := newScanner(now)
	ctx := context.Background()

	since := time.Date(2025, 1, 15, 10, 2, 10, 0, time.UTC)
	results, err := scanner.GetScannedPackages(ctx, types.ScanQuery{Since: &since})
	require.NoError(t, err)

	// 10:03, 10:04 and 10:05
	require.Len(t, results, 3)
	for _, result := range results {
		require.NotNil(t, result.FinishedAt)
		assert.False(t, result.FinishedAt.Before(since))
		assert.False(t, result.FinishedAt.After(now))
		assert.Equal(t, types.ScanStatusFinished, result.Status)
		assert.NotNil(t, result.Score)
	}

	again, err := scanner.GetScannedPackages(ctx, types.ScanQuery{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, results, again, "results must be deterministic")

	// The next window does not repeat releases already returned
	next := now
	scanner.now = func() time.Time { return now.Add(time.Minute) }
	following, err := scanner.GetScannedPackages(ctx, types.ScanQuery{Since: &next})
	require.NoError(t, err)
	require.Len(t, following, 1)
	assert.Equal(t, 10*60+6, following[0].FinishedAt.Hour()*60+following[0].FinishedAt.Minute())
}

func TestMockScanner_EmptyWindow(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 5, 20, 0, time.UTC)
	scanner := newScanner(now)

	since := time.Date(2025, 1, 15, 10, 5, 0, 0, time.UTC)
	results, err := scanner.GetScannedPackages(context.Background(), types.ScanQuery{Since: &since})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestMockScanner_GetPackage(t *testing.T) {
	scanner := newScanner(time.Date(2025, 1, 15, 10, 5, 20, 0, time.UTC))
	ctx := context.Background()

	tests := []struct {
		name        string
		pkg         string
		version     string
		expectFound bool
		expectScore int
	}{
		{"exact match", "requests-toolbelt2", "0.0.1", true, 10},
		{"case insensitive name", "Colourama", "0.4.7", true, 8},
		{"name only", "numpy", "", true, 0},
		{"wrong version", "numpy", "0.0.0", false, 0},
		{"unknown package", "left-pad", "1.0.0", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := scanner.GetPackage(ctx, tt.pkg, tt.version)
			require.NoError(t, err)

			if !tt.expectFound {
				assert.Nil(t, result)
				return
			}
			require.NotNil(t, result)
			assert.Equal(t, tt.expectScore, *result.Score)
			assert.NotEmpty(t, result.InspectorURL)
		})
	}
}

func TestMockScanner_ReportPackage(t *testing.T) {
	scanner := newScanner(time.Now())

	require.NoError(t, scanner.ReportPackage(context.Background(), types.PackageReport{Name: "colourama", Version: "0.4.7"}))
	require.NoError(t, scanner.ReportPackage(context.Background(), types.PackageReport{Name: "discord-token-util", Version: "3.0.2", UseEmail: true}))

	reports := scanner.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "colourama", reports[0].Name)
	assert.True(t, reports[1].UseEmail)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, scanner.ReportPackage(ctx, types.PackageReport{Name: "x", Version: "1"}), context.Canceled)
	assert.Len(t, scanner.Reports(), 2)
}
