// ABOUTME: HTTP handler for the scan results endpoint.
// ABOUTME: Serves the last successful cycle as JSON with filtering and a rule summary.

package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jfeddern/anubis/internal/engine"
	"github.com/jfeddern/anubis/internal/types"

	"github.com/sirupsen/logrus"
)

type ScanDataProvider interface {
	GetScanData() engine.ScanData
}

type ScansHandler struct {
	provider ScanDataProvider
	logger   *logrus.Logger
}

type ScansResponse struct {
	Packages  []types.PackageScanResult `json:"packages"`
	Summary   ScanSummary               `json:"summary"`
	LastCycle *string                   `json:"last_cycle"`
	Watermark string                    `json:"watermark"`
	Running   bool                      `json:"running"`
}

type ScanSummary struct {
	TotalPackages   int            `json:"total_packages"`
	FlaggedPackages int            `json:"flagged_packages"`
	AlertsSent      int            `json:"alerts_sent"`
	Threshold       int            `json:"threshold"`
	StatusBreakdown map[string]int `json:"status_breakdown"`
	TopRules        []RuleSummary  `json:"top_rules"`
}

type RuleSummary struct {
	Name         string `json:"name"`
	PackageCount int    `json:"package_count"`
	MaxScore     int    `json:"max_score"`
}

func NewScansHandler(provider ScanDataProvider, logger *logrus.Logger) *ScansHandler {
	return &ScansHandler{
		provider: provider,
		logger:   logger,
	}
}

func (s *ScansHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.WithField("endpoint", "/scans")

	data := s.provider.GetScanData()

	query := r.URL.Query()
	nameFilter := strings.ToLower(strings.TrimSpace(query.Get("name")))
	statusFilter := types.ScanStatus(strings.ToLower(strings.TrimSpace(query.Get("status"))))
	minScoreParam := strings.TrimSpace(query.Get("min_score"))
	limitParam := strings.TrimSpace(query.Get("limit"))

	if statusFilter != "" && !statusFilter.Valid() {
		http.Error(w, "Invalid status filter. Must be one of: queued, pending, finished, failed", http.StatusBadRequest)
		return
	}

	minScore := -1
	if minScoreParam != "" {
		parsed, err := strconv.Atoi(minScoreParam)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid min_score parameter. Must be a non-negative integer", http.StatusBadRequest)
			return
		}
		minScore = parsed
	}

	limit := 0
	if limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit parameter. Must be a positive integer", http.StatusBadRequest)
			return
		}
		if parsed > 10000 {
			http.Error(w, "Limit parameter too large. Maximum allowed is 10000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	// Package names on PyPI are far shorter; longer filters are rejected outright
	if len(nameFilter) > 200 {
		http.Error(w, "Name filter too long. Maximum allowed is 200 characters", http.StatusBadRequest)
		return
	}

	logger.WithFields(logrus.Fields{
		"name_filter":    nameFilter,
		"status_filter":  string(statusFilter),
		"min_score":      minScore,
		"limit":          limit,
		"total_packages": len(data.Results),
	}).Debug("Processing scans request")

	filtered := make([]types.PackageScanResult, 0, len(data.Results))
	statusBreakdown := make(map[string]int)
	flagged := 0
	rules := make(map[string]*RuleSummary)

	for _, result := range data.Results {
		// Summary always covers the whole cycle
		statusBreakdown[string(result.Status)]++
		if result.Flagged(data.Threshold) {
			flagged++
		}
		for _, rule := range result.Rules {
			summary, exists := rules[rule]
			if !exists {
				summary = &RuleSummary{Name: rule}
				rules[rule] = summary
			}
			summary.PackageCount++
			if result.Score != nil && *result.Score > summary.MaxScore {
				summary.MaxScore = *result.Score
			}
		}

		if nameFilter != "" && !strings.Contains(strings.ToLower(result.Name), nameFilter) {
			continue
		}
		if statusFilter != "" && result.Status != statusFilter {
			continue
		}
		if minScore >= 0 && (result.Score == nil || *result.Score < minScore) {
			continue
		}
		if limit > 0 && len(filtered) >= limit {
			continue
		}
		filtered = append(filtered, result)
	}

	topRules := make([]RuleSummary, 0, len(rules))
	for _, rule := range rules {
		topRules = append(topRules, *rule)
	}
	sort.Slice(topRules, func(i, j int) bool {
		if topRules[i].PackageCount != topRules[j].PackageCount {
			return topRules[i].PackageCount > topRules[j].PackageCount
		}
		if topRules[i].MaxScore != topRules[j].MaxScore {
			return topRules[i].MaxScore > topRules[j].MaxScore
		}
		return topRules[i].Name < topRules[j].Name
	})
	if len(topRules) > 10 {
		topRules = topRules[:10]
	}

	response := ScansResponse{
		Packages: filtered,
		Summary: ScanSummary{
			TotalPackages:   len(data.Results),
			FlaggedPackages: flagged,
			AlertsSent:      data.AlertsSent,
			Threshold:       data.Threshold,
			StatusBreakdown: statusBreakdown,
			TopRules:        topRules,
		},
		Watermark: data.Watermark.UTC().Format(time.RFC3339),
		Running:   data.Running,
	}
	if !data.LastCycleTime.IsZero() {
		lastCycle := data.LastCycleTime.UTC().Format(time.RFC3339)
		response.LastCycle = &lastCycle
	}

	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	if query.Get("pretty") != "" {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(response); err != nil {
		logger.WithError(err).Error("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	logger.WithFields(logrus.Fields{
		"filtered_packages": len(filtered),
		"flagged_packages":  flagged,
		"top_rules":         len(topRules),
	}).Info("Served scans response")
}

// CreateScansHandler creates a standard HTTP handler
func CreateScansHandler(provider ScanDataProvider, logger *logrus.Logger) http.HandlerFunc {
	return NewScansHandler(provider, logger).ServeHTTP
}
