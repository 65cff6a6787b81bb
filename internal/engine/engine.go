// ABOUTME: Scan polling engine that drives the periodic scan-and-triage cycle.
// ABOUTME: Tracks the since-watermark and threshold, and hands results to the notifier.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfeddern/anubis/internal/cache"
	"github.com/jfeddern/anubis/internal/types"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyRunning  = errors.New("scan loop is already running")
	ErrNotRunning      = errors.New("scan loop is not running")
	ErrPackageNotFound = errors.New("package not found")
)

// ScanSource abstracts the upstream scanning service
type ScanSource interface {
	Name() string
	GetScannedPackages(ctx context.Context, query types.ScanQuery) ([]types.PackageScanResult, error)
	GetPackage(ctx context.Context, name, version string) (*types.PackageScanResult, error)
}

// Notifier renders classified results into the alerts and logs channels
type Notifier interface {
	SendAlert(ctx context.Context, result types.PackageScanResult) error
	SendSummary(ctx context.Context, results []types.PackageScanResult) error
}

// ErrorReporter forwards errors to an external error-tracking collector
type ErrorReporter interface {
	CaptureError(err error, fields map[string]string)
}

// WatermarkStore persists the since-watermark between restarts
type WatermarkStore interface {
	Load(ctx context.Context) (time.Time, bool, error)
	Save(ctx context.Context, watermark time.Time) error
}

// Config holds configuration for the whole service
type Config struct {
	Mode           string // "single" or "cluster"
	Provider       string // "dragonfly", "mock" or "local"
	Port           int
	ScanInterval   time.Duration
	Threshold      int
	WatermarkStore string

	DragonflyBaseURL      string
	DragonflyAuthURL      string
	DragonflyAudience     string
	DragonflyClientID     string
	DragonflyClientSecret string
	DragonflyUsername     string
	DragonflyPassword     string
	ScanResultsFile       string

	DiscordToken       string
	GuildID            string
	AlertsChannelID    string
	LogsChannelID      string
	ReportingChannelID string
	AlertsRoleID       string
	SecurityRoleID     string
	ReportRecipient    string

	SentryDSN      string
	Environment    string
	LeaseName      string
	LeaseNamespace string
}

// CycleError carries the context of a failed scan cycle
type CycleError struct {
	Since   time.Time
	Now     time.Time
	Package string
	Err     error
}

func (e *CycleError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("scan cycle since %s failed at %s: %v", e.Since.Format(time.RFC3339), e.Package, e.Err)
	}
	return fmt.Sprintf("scan cycle since %s failed: %v", e.Since.Format(time.RFC3339), e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// ScanData is a snapshot of the engine state after the last successful cycle
type ScanData struct {
	Results       []types.PackageScanResult
	AlertsSent    int
	LastCycleTime time.Time
	Watermark     time.Time
	Threshold     int
	Cycles        int
	Failures      int
	Running       bool
}

type loopHandle struct {
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// Engine runs scan cycles against a scan source on a fixed interval
type Engine struct {
	source   ScanSource
	notifier Notifier
	errors   ErrorReporter
	store    WatermarkStore
	lookups  *cache.TTLCache[*types.PackageScanResult]
	config   *Config
	logger   *logrus.Logger
	now      func() time.Time

	threshold atomic.Int64

	// cycleMutex serializes cycles so no two run against the same watermark
	cycleMutex sync.Mutex

	mutex         sync.RWMutex
	watermark     time.Time
	restored      bool
	lastResults   []types.PackageScanResult
	lastAlerts    int
	lastCycleTime time.Time
	cycles        int
	failures      int

	runMutex sync.Mutex
	loop     *loopHandle
}

// NewEngine creates a new scan engine. The watermark starts one interval in the past.
func NewEngine(ctx context.Context, source ScanSource, notifier Notifier, errs ErrorReporter, store WatermarkStore, config *Config, logger *logrus.Logger) *Engine {
	e := &Engine{
		source:   source,
		notifier: notifier,
		errors:   errs,
		store:    store,
		lookups:  cache.New[*types.PackageScanResult](ctx, "lookups", 5*time.Minute, logger),
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
	e.threshold.Store(int64(config.Threshold))
	e.watermark = e.now().Add(-config.ScanInterval)
	return e
}

// Start launches the scan loop; the first cycle runs immediately
func (e *Engine) Start(ctx context.Context) error {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()

	if e.loop != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	handle := &loopHandle{
		stop:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.loop = handle

	go e.run(loopCtx, handle)
	return nil
}

// Stop asks the loop to exit after the in-flight cycle, or cancels that cycle when force is set
func (e *Engine) Stop(force bool) error {
	e.runMutex.Lock()
	handle := e.loop
	e.runMutex.Unlock()

	if handle == nil {
		return ErrNotRunning
	}

	handle.stopOnce.Do(func() { close(handle.stop) })
	if force {
		handle.cancel()
	}

	e.logger.WithFields(logrus.Fields{
		"component": "scan_engine",
		"force":     force,
	}).Info("Scan loop stop requested")
	return nil
}

// Running reports whether the scan loop goroutine is alive
func (e *Engine) Running() bool {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()
	return e.loop != nil
}

// Wait blocks until the current loop exits or ctx is done
func (e *Engine) Wait(ctx context.Context) error {
	e.runMutex.Lock()
	handle := e.loop
	e.runMutex.Unlock()

	if handle == nil {
		return nil
	}

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context, handle *loopHandle) {
	logger := e.logger.WithField("component", "scan_engine")

	defer func() {
		e.runMutex.Lock()
		if e.loop == handle {
			e.loop = nil
		}
		e.runMutex.Unlock()
		handle.cancel()
		close(handle.done)
	}()

	e.restoreWatermark(ctx)

	ticker := time.NewTicker(e.config.ScanInterval)
	defer ticker.Stop()

	logger.WithField("interval", e.config.ScanInterval).Info("Starting periodic scan loop")

	e.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scan loop cancelled")
			return
		case <-handle.stop:
			logger.Info("Scan loop stopped")
			return
		case <-ticker.C:
			// A stop requested during the previous cycle wins over a pending tick
			select {
			case <-handle.stop:
				logger.Info("Scan loop stopped")
				return
			default:
			}
			e.tick(ctx)
		}
	}
}

func (e *Engine) restoreWatermark(ctx context.Context) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.restored {
		return
	}
	e.restored = true

	stored, ok, err := e.store.Load(ctx)
	if err != nil {
		e.logger.WithError(err).Error("Failed to load stored watermark, using default lookback")
		e.errors.CaptureError(fmt.Errorf("failed to load watermark: %w", err), map[string]string{"operation": "restore_watermark"})
		return
	}
	if ok {
		e.watermark = stored
		e.logger.WithField("watermark", stored).Info("Restored stored watermark")
		return
	}

	// Nothing stored yet: look back one interval from now, not from when the engine was built
	e.watermark = e.now().Add(-e.config.ScanInterval)
}

// ReloadWatermark makes the next loop start read the stored watermark again. Used when
// another replica may have advanced it in the meantime.
func (e *Engine) ReloadWatermark() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.restored = false
}

// tick runs one cycle and swallows its error after reporting it
func (e *Engine) tick(ctx context.Context) {
	now := e.now()
	err := e.RunCycle(ctx, now)
	if err == nil {
		return
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		e.logger.WithField("now", now).Info("Scan cycle cancelled")
		return
	}

	fields := map[string]string{
		"operation": "scan_cycle",
		"now":       now.UTC().Format(time.RFC3339),
	}
	var cycleErr *CycleError
	if errors.As(err, &cycleErr) {
		fields["since"] = cycleErr.Since.UTC().Format(time.RFC3339)
		if cycleErr.Package != "" {
			fields["package"] = cycleErr.Package
		}
	}

	e.logger.WithError(err).WithFields(logrus.Fields{
		"since":   fields["since"],
		"package": fields["package"],
	}).Error("Scan cycle failed")
	e.errors.CaptureError(err, fields)
}

// RunCycle fetches results finished since the watermark, alerts on the flagged ones, posts the summary
// and only then advances the watermark to now.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) error {
	e.cycleMutex.Lock()
	defer e.cycleMutex.Unlock()

	since := e.Watermark()
	logger := e.logger.WithFields(logrus.Fields{
		"operation": "scan_cycle",
		"since":     since,
	})
	startTime := time.Now()

	fail := func(pkg string, err error) error {
		e.mutex.Lock()
		e.failures++
		e.mutex.Unlock()
		return &CycleError{Since: since, Now: now, Package: pkg, Err: err}
	}

	results, err := e.source.GetScannedPackages(ctx, types.ScanQuery{Since: &since})
	if err != nil {
		return fail("", fmt.Errorf("failed to fetch scan results: %w", err))
	}

	logger.WithField("result_count", len(results)).Info("Fetched scan results")

	// Read at classification time so a threshold change applies to this cycle
	threshold := e.Threshold()
	alerts := Classify(results, threshold)

	for _, result := range alerts {
		if err := e.notifier.SendAlert(ctx, result); err != nil {
			return fail(result.String(), fmt.Errorf("failed to send alert: %w", err))
		}
		logger.WithFields(logrus.Fields{
			"package": result.String(),
			"score":   *result.Score,
		}).Info("Sent malicious package alert")
	}

	if err := e.notifier.SendSummary(ctx, results); err != nil {
		return fail("", fmt.Errorf("failed to send scan summary: %w", err))
	}

	if err := e.store.Save(ctx, now); err != nil {
		return fail("", fmt.Errorf("failed to persist watermark: %w", err))
	}

	for i := range results {
		result := results[i]
		e.lookups.Set(result.Key(), &result)
	}

	e.mutex.Lock()
	e.watermark = now
	e.lastResults = results
	e.lastAlerts = len(alerts)
	e.lastCycleTime = now
	e.cycles++
	e.mutex.Unlock()

	logger.WithFields(logrus.Fields{
		"duration":         time.Since(startTime),
		"packages_scanned": len(results),
		"alerts_sent":      len(alerts),
		"threshold":        threshold,
		"watermark":        now,
	}).Info("Scan cycle completed")

	return nil
}

// Watermark returns the low-water mark for the next cycle
func (e *Engine) Watermark() time.Time {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.watermark
}

// Threshold returns the score at which results are escalated
func (e *Engine) Threshold() int {
	return int(e.threshold.Load())
}

// SetThreshold changes the alert threshold starting with the next classification
func (e *Engine) SetThreshold(threshold int) {
	previous := e.threshold.Swap(int64(threshold))
	e.logger.WithFields(logrus.Fields{
		"previous":  previous,
		"threshold": threshold,
	}).Info("Score threshold updated")
}

// Lookup returns the scan record for a package release. An empty version selects the
// first record upstream returns for the name.
func (e *Engine) Lookup(ctx context.Context, name, version string) (*types.PackageScanResult, error) {
	if version != "" {
		if cached, ok := e.lookups.Get(types.PackageKey(name, version)); ok {
			return cached, nil
		}
	}

	result, err := e.source.GetPackage(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s %s: %w", name, version, err)
	}
	if result == nil {
		return nil, ErrPackageNotFound
	}

	e.lookups.Set(result.Key(), result)
	return result, nil
}

// Forget drops the cached record of a release so the next lookup reads upstream again.
// Called after a report changes the upstream record.
func (e *Engine) Forget(name, version string) {
	e.lookups.Delete(types.PackageKey(name, version))
}

// GetScanData returns a copy of the last successful cycle's state
func (e *Engine) GetScanData() ScanData {
	running := e.Running()

	e.mutex.RLock()
	defer e.mutex.RUnlock()

	results := make([]types.PackageScanResult, len(e.lastResults))
	copy(results, e.lastResults)

	return ScanData{
		Results:       results,
		AlertsSent:    e.lastAlerts,
		LastCycleTime: e.lastCycleTime,
		Watermark:     e.watermark,
		Threshold:     e.Threshold(),
		Cycles:        e.cycles,
		Failures:      e.failures,
		Running:       running,
	}
}
