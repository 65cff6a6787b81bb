// ABOUTME: Common types shared across the Anubis system.
// ABOUTME: Defines package scan results, report payloads, and scan queries.

package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ScanStatus is the lifecycle stage of an upstream scan
type ScanStatus string

const (
	ScanStatusQueued   ScanStatus = "queued"
	ScanStatusPending  ScanStatus = "pending"
	ScanStatusFinished ScanStatus = "finished"
	ScanStatusFailed   ScanStatus = "failed"
)

// Valid reports whether s is one of the known scan statuses
func (s ScanStatus) Valid() bool {
	switch s {
	case ScanStatusQueued, ScanStatusPending, ScanStatusFinished, ScanStatusFailed:
		return true
	}
	return false
}

// PackageScanResult is the upstream scan record for one package release
type PackageScanResult struct {
	ScanID       string     `json:"scan_id"`
	Name         string     `json:"name"`
	Version      string     `json:"version"`
	Status       ScanStatus `json:"status"`
	Score        *int       `json:"score"`
	Rules        []string   `json:"rules"`
	InspectorURL string     `json:"inspector_url"`
	QueuedAt     time.Time  `json:"queued_at"`
	PendingAt    *time.Time `json:"pending_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	ReportedAt   *time.Time `json:"reported_at"`
}

// String renders the result the way the scan summary lists it
func (p PackageScanResult) String() string {
	return p.Name + " " + p.Version
}

// Key identifies a package release
func (p PackageScanResult) Key() string {
	return PackageKey(p.Name, p.Version)
}

// Flagged reports whether the result should be escalated at the given threshold.
// Only finished scans carry a meaningful score.
func (p PackageScanResult) Flagged(threshold int) bool {
	if p.Status != ScanStatusFinished || p.Score == nil {
		return false
	}
	return *p.Score >= threshold
}

// RegistryURL links to the release on PyPI
func (p PackageScanResult) RegistryURL() string {
	return fmt.Sprintf("https://pypi.org/project/%s/%s", p.Name, p.Version)
}

// PackageKey builds the name@version key used for caching and locking
func PackageKey(name, version string) string {
	return strings.ToLower(name) + "@" + version
}

// wireRule is a matched rule as the scanning service encodes it
type wireRule struct {
	Name string `json:"name"`
}

type wireScanResult struct {
	ScanID       string     `json:"scan_id"`
	Name         string     `json:"name"`
	Version      string     `json:"version"`
	Status       ScanStatus `json:"status"`
	Score        *int       `json:"score"`
	Rules        []wireRule `json:"rules"`
	InspectorURL string     `json:"inspector_url"`
	QueuedAt     string     `json:"queued_at"`
	PendingAt    *string    `json:"pending_at"`
	FinishedAt   *string    `json:"finished_at"`
	ReportedAt   *string    `json:"reported_at"`
}

// UnmarshalJSON decodes the scanning service's wire format
func (p *PackageScanResult) UnmarshalJSON(data []byte) error {
	var w wireScanResult
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	if !w.Status.Valid() {
		return fmt.Errorf("unknown scan status %q for %s %s", w.Status, w.Name, w.Version)
	}

	queuedAt, err := ParseTimestamp(w.QueuedAt)
	if err != nil {
		return fmt.Errorf("invalid queued_at: %w", err)
	}

	result := PackageScanResult{
		ScanID:       w.ScanID,
		Name:         w.Name,
		Version:      w.Version,
		Status:       w.Status,
		Score:        w.Score,
		Rules:        make([]string, 0, len(w.Rules)),
		InspectorURL: w.InspectorURL,
		QueuedAt:     queuedAt,
	}
	for _, r := range w.Rules {
		result.Rules = append(result.Rules, r.Name)
	}

	for _, field := range []struct {
		name string
		raw  *string
		dst  **time.Time
	}{
		{"pending_at", w.PendingAt, &result.PendingAt},
		{"finished_at", w.FinishedAt, &result.FinishedAt},
		{"reported_at", w.ReportedAt, &result.ReportedAt},
	} {
		if field.raw == nil || *field.raw == "" {
			continue
		}
		ts, err := ParseTimestamp(*field.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
		*field.dst = &ts
	}

	*p = result
	return nil
}

// ScanBatch is a decoded list of scan results. Records that cannot be decoded are set
// aside in Skipped so one bad record does not fail the whole list.
type ScanBatch struct {
	Results []PackageScanResult
	Skipped []error
}

func (b *ScanBatch) UnmarshalJSON(data []byte) error {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	b.Results = make([]PackageScanResult, 0, len(records))
	b.Skipped = nil
	for i, record := range records {
		var result PackageScanResult
		if err := json.Unmarshal(record, &result); err != nil {
			b.Skipped = append(b.Skipped, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		b.Results = append(b.Results, result)
	}
	return nil
}

// MarshalJSON encodes the result in the same wire format it is read from
func (p PackageScanResult) MarshalJSON() ([]byte, error) {
	w := wireScanResult{
		ScanID:       p.ScanID,
		Name:         p.Name,
		Version:      p.Version,
		Status:       p.Status,
		Score:        p.Score,
		Rules:        make([]wireRule, 0, len(p.Rules)),
		InspectorURL: p.InspectorURL,
		QueuedAt:     p.QueuedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, r := range p.Rules {
		w.Rules = append(w.Rules, wireRule{Name: r})
	}
	format := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.UTC().Format(time.RFC3339Nano)
		return &s
	}
	w.PendingAt = format(p.PendingAt)
	w.FinishedAt = format(p.FinishedAt)
	w.ReportedAt = format(p.ReportedAt)
	return json.Marshal(w)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts ISO-8601 timestamps with or without a zone; zone-less values are UTC
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// PackageReport is the payload sent to the reporting endpoint
type PackageReport struct {
	Name                  string  `json:"name"`
	Version               string  `json:"version"`
	InspectorURL          *string `json:"inspector_url"`
	AdditionalInformation *string `json:"additional_information"`
	Recipient             *string `json:"recipient"`
	UseEmail              bool    `json:"use_email"`
}

// ScanQuery filters scan results; zero values are not sent
type ScanQuery struct {
	Name    string
	Version string
	Since   *time.Time
}
