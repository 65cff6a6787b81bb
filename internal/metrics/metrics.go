// ABOUTME: Prometheus metrics exposition for the scan engine state.
// ABOUTME: Rebuilds per-package gauges from the last successful cycle on every scrape.

package metrics

import (
	"net/http"
	"strings"

	"github.com/jfeddern/anubis/internal/engine"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type ScanDataProvider interface {
	GetScanData() engine.ScanData
}

type MetricsHandler struct {
	provider ScanDataProvider
	logger   *logrus.Logger

	packageScore   *prometheus.GaugeVec
	packageFlagged *prometheus.GaugeVec
	ruleMatch      *prometheus.GaugeVec
	scanInfo       *prometheus.GaugeVec
}

func NewMetricsHandler(provider ScanDataProvider, logger *logrus.Logger) *MetricsHandler {
	return &MetricsHandler{
		provider: provider,
		logger:   logger,

		packageScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anubis_package_score",
				Help: "Malicious score of packages scanned in the last cycle",
			},
			[]string{"name", "version", "status"},
		),

		packageFlagged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anubis_package_flagged",
				Help: "Whether a package scanned in the last cycle met the alert threshold (1=YES, 0=NO)",
			},
			[]string{"name", "version"},
		),

		ruleMatch: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anubis_package_rule_match",
				Help: "YARA rules matched by packages scanned in the last cycle",
			},
			[]string{"name", "version", "rule"},
		),

		scanInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anubis_scan_info",
				Help: "Information about the scan loop",
			},
			[]string{"info_type"},
		),
	}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Fresh registry per scrape so results from older cycles never linger
	registry := prometheus.NewRegistry()
	registry.MustRegister(m.packageScore)
	registry.MustRegister(m.packageFlagged)
	registry.MustRegister(m.ruleMatch)
	registry.MustRegister(m.scanInfo)

	m.packageScore.Reset()
	m.packageFlagged.Reset()
	m.ruleMatch.Reset()
	m.scanInfo.Reset()

	data := m.provider.GetScanData()

	for _, result := range data.Results {
		name := sanitizeLabelValue(result.Name)
		version := sanitizeLabelValue(result.Version)

		if result.Score != nil {
			m.packageScore.WithLabelValues(name, version, sanitizeLabelValue(string(result.Status))).Set(float64(*result.Score))
		}

		flagged := float64(0)
		if result.Flagged(data.Threshold) {
			flagged = 1
		}
		m.packageFlagged.WithLabelValues(name, version).Set(flagged)

		for _, rule := range result.Rules {
			m.ruleMatch.WithLabelValues(name, version, sanitizeLabelValue(rule)).Set(1)
		}
	}

	running := float64(0)
	if data.Running {
		running = 1
	}

	m.scanInfo.WithLabelValues("threshold").Set(float64(data.Threshold))
	m.scanInfo.WithLabelValues("watermark_timestamp").Set(float64(data.Watermark.Unix()))
	m.scanInfo.WithLabelValues("packages_scanned").Set(float64(len(data.Results)))
	m.scanInfo.WithLabelValues("alerts_sent").Set(float64(data.AlertsSent))
	m.scanInfo.WithLabelValues("cycles_total").Set(float64(data.Cycles))
	m.scanInfo.WithLabelValues("cycle_failures_total").Set(float64(data.Failures))
	m.scanInfo.WithLabelValues("running").Set(running)
	if !data.LastCycleTime.IsZero() {
		m.scanInfo.WithLabelValues("last_cycle_timestamp").Set(float64(data.LastCycleTime.Unix()))
	}

	m.logger.WithField("packages", len(data.Results)).Debug("Serving metrics")

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler.ServeHTTP(w, r)
}

// sanitizeLabelValue cleans strings for use as Prometheus labels
func sanitizeLabelValue(value string) string {
	if value == "" {
		return "unknown"
	}

	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\t", " ")

	if len(value) > 200 {
		value = value[:200] + "..."
	}

	return strings.TrimSpace(value)
}

// CreateMetricsHandler creates a standard HTTP handler that can be mounted on a router
func CreateMetricsHandler(provider ScanDataProvider, logger *logrus.Logger) http.HandlerFunc {
	return NewMetricsHandler(provider, logger).ServeHTTP
}
