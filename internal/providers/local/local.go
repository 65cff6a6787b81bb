// ABOUTME: Local file-based scan service for development and testing purposes.
// ABOUTME: Reads scan results in the scanning service wire format from a JSON file.

package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/jfeddern/anubis/internal/types"
	"github.com/sirupsen/logrus"
)

// LocalProvider implements the scan service on top of a JSON file of scan results
type LocalProvider struct {
	resultsFile string
	logger      *logrus.Logger

	mutex   sync.Mutex
	reports []types.PackageReport
}

// NewLocalProvider creates a new local file-based provider
func NewLocalProvider(resultsFile string, logger *logrus.Logger) *LocalProvider {
	return &LocalProvider{
		resultsFile: resultsFile,
		logger:      logger,
	}
}

// Name returns the provider name
func (l *LocalProvider) Name() string {
	return "local"
}

// GetScannedPackages reads the results file on every call and filters it by the query
func (l *LocalProvider) GetScannedPackages(ctx context.Context, query types.ScanQuery) ([]types.PackageScanResult, error) {
	logger := l.logger.WithField("operation", "get_scanned_packages_local")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := l.load()
	if err != nil {
		return nil, err
	}

	results := []types.PackageScanResult{}
	for _, result := range all {
		if matches(result, query) {
			results = append(results, result)
		}
	}

	logger.WithFields(logrus.Fields{
		"total":   len(all),
		"matched": len(results),
	}).Debug("Read scan results from file")

	return results, nil
}

// GetPackage returns the first matching result or nil
func (l *LocalProvider) GetPackage(ctx context.Context, name, version string) (*types.PackageScanResult, error) {
	results, err := l.GetScannedPackages(ctx, types.ScanQuery{Name: name, Version: version})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// ReportPackage logs and records the report; nothing leaves the process
func (l *LocalProvider) ReportPackage(ctx context.Context, report types.PackageReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mutex.Lock()
	l.reports = append(l.reports, report)
	l.mutex.Unlock()

	l.logger.WithFields(logrus.Fields{
		"operation": "report_package_local",
		"package":   report.Name,
		"version":   report.Version,
		"use_email": report.UseEmail,
	}).Info("Recorded package report")
	return nil
}

// Reports returns the reports received so far
func (l *LocalProvider) Reports() []types.PackageReport {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	out := make([]types.PackageReport, len(l.reports))
	copy(out, l.reports)
	return out
}

func (l *LocalProvider) load() ([]types.PackageScanResult, error) {
	data, err := os.ReadFile(l.resultsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read scan results file '%s': %w", l.resultsFile, err)
	}

	var batch types.ScanBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse scan results JSON: %w", err)
	}
	for _, err := range batch.Skipped {
		l.logger.WithError(err).WithField("file", l.resultsFile).Warn("Skipping undecodable scan result")
	}
	return batch.Results, nil
}

func matches(result types.PackageScanResult, query types.ScanQuery) bool {
	if query.Name != "" && !strings.EqualFold(result.Name, query.Name) {
		return false
	}
	if query.Version != "" && result.Version != query.Version {
		return false
	}
	if query.Since != nil {
		if result.FinishedAt == nil || result.FinishedAt.Before(*query.Since) {
			return false
		}
	}
	return true
}
