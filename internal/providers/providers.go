// ABOUTME: Provider interfaces for scanning services.
// ABOUTME: A scan service both lists scan results and files reports against them.

package providers

import (
	"context"

	"github.com/jfeddern/anubis/internal/engine"
	"github.com/jfeddern/anubis/internal/types"
)

// ScanService is a scan source that can also receive malicious package reports
type ScanService interface {
	engine.ScanSource
	ReportPackage(ctx context.Context, report types.PackageReport) error
}
