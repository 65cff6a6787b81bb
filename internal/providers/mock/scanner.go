// ABOUTME: Mock scan service for local testing and development.
// ABOUTME: Produces deterministic scan results per minute of wall clock and records reports in memory.

package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jfeddern/anubis/internal/types"
	"github.com/sirupsen/logrus"
)

type profile struct {
	name    string
	version string
	score   int
	rules   []string
}

// catalog is cycled through one entry per minute
var catalog = []profile{
	{name: "requests-toolbelt2", version: "0.0.1", score: 10, rules: []string{"exec_base64", "setup_py_network"}},
	{name: "numpy", version: "2.1.0", score: 0},
	{name: "colourama", version: "0.4.7", score: 8, rules: []string{"windows_startup_persistence"}},
	{name: "flask-session-helper", version: "1.2.0", score: 3, rules: []string{"subprocess_call"}},
	{name: "discord-token-util", version: "3.0.2", score: 12, rules: []string{"discord_token_grabber", "webhook_exfiltration"}},
	{name: "pydantic-settings", version: "2.4.0", score: 0},
	{name: "aiohttp-proxy-pool", version: "0.9.1", score: 5, rules: []string{"obfuscated_eval"}},
	{name: "boto3-stubs-lite", version: "1.35.0", score: 1},
}

// MockScanner implements the scan service with synthetic data
type MockScanner struct {
	logger *logrus.Logger
	now    func() time.Time

	mutex   sync.Mutex
	reports []types.PackageReport
}

// NewMockScanner creates a new mock scan service
func NewMockScanner(logger *logrus.Logger) *MockScanner {
	return &MockScanner{
		logger: logger,
		now:    time.Now,
	}
}

// Name returns the name of this scan source
func (m *MockScanner) Name() string {
	return "mock"
}

// GetScannedPackages returns one synthetic result for every minute boundary after query.Since
func (m *MockScanner) GetScannedPackages(ctx context.Context, query types.ScanQuery) ([]types.PackageScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := m.now().UTC().Truncate(time.Minute)
	since := now.Add(-time.Hour)
	if query.Since != nil {
		since = query.Since.UTC()
	}

	results := []types.PackageScanResult{}
	for minute := since.Truncate(time.Minute).Add(time.Minute); !minute.After(now); minute = minute.Add(time.Minute) {
		entry := catalog[int(minute.Unix()/60)%len(catalog)]
		if !matches(entry, query) {
			continue
		}
		results = append(results, entry.result(minute))
	}

	m.logger.WithFields(logrus.Fields{
		"since":        since,
		"result_count": len(results),
	}).Debug("Generated mock scan results")

	return results, nil
}

// GetPackage returns the catalog entry for a release, finished one minute ago
func (m *MockScanner) GetPackage(ctx context.Context, name, version string) (*types.PackageScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, entry := range catalog {
		if matches(entry, types.ScanQuery{Name: name, Version: version}) {
			result := entry.result(m.now().UTC().Truncate(time.Minute).Add(-time.Minute))
			return &result, nil
		}
	}
	return nil, nil
}

// ReportPackage records the report
func (m *MockScanner) ReportPackage(ctx context.Context, report types.PackageReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	m.reports = append(m.reports, report)
	m.mutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"package":   report.Name,
		"version":   report.Version,
		"use_email": report.UseEmail,
	}).Info("Recorded mock package report")
	return nil
}

// Reports returns the reports received so far
func (m *MockScanner) Reports() []types.PackageReport {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]types.PackageReport, len(m.reports))
	copy(out, m.reports)
	return out
}

func matches(entry profile, query types.ScanQuery) bool {
	if query.Name != "" && !strings.EqualFold(entry.name, query.Name) {
		return false
	}
	if query.Version != "" && entry.version != query.Version {
		return false
	}
	return true
}

func (p profile) result(finishedAt time.Time) types.PackageScanResult {
	score := p.score
	queuedAt := finishedAt.Add(-45 * time.Second)
	pendingAt := finishedAt.Add(-30 * time.Second)

	rules := make([]string, len(p.rules))
	copy(rules, p.rules)

	return types.PackageScanResult{
		ScanID:       p.name + "-" + p.version + "-" + finishedAt.Format("200601021504"),
		Name:         p.name,
		Version:      p.version,
		Status:       types.ScanStatusFinished,
		Score:        &score,
		Rules:        rules,
		InspectorURL: "https://inspector.pypi.io/project/" + p.name + "/" + p.version + "/",
		QueuedAt:     queuedAt,
		PendingAt:    &pendingAt,
		FinishedAt:   &finishedAt,
	}
}
