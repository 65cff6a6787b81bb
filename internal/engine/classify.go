// ABOUTME: Score-threshold classification of scan results.
// ABOUTME: Selects which results in a batch are escalated to alerts.

package engine

import "github.com/jfeddern/anubis/internal/types"

// Classify returns the results at or above threshold, in upstream order. The input is not modified.
func Classify(results []types.PackageScanResult, threshold int) []types.PackageScanResult {
	flagged := make([]types.PackageScanResult, 0, len(results))
	for _, result := range results {
		if result.Flagged(threshold) {
			flagged = append(flagged, result)
		}
	}
	return flagged
}
