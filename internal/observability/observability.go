// ABOUTME: Error sinks for failures that are swallowed after logging, such as failed scan cycles.
// ABOUTME: Forwards to Sentry when a DSN is configured and only logs otherwise.

package observability

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// Reporter captures errors together with string context
type Reporter interface {
	CaptureError(err error, fields map[string]string)
	Flush(timeout time.Duration) bool
}

// New returns a Sentry reporter for a non-empty DSN and a log-only reporter otherwise
func New(dsn, environment, release string, logger *logrus.Logger) (Reporter, error) {
	if dsn == "" {
		logger.Info("No Sentry DSN configured, errors are only logged")
		return NewLogReporter(logger), nil
	}

	reporter, err := newSentryReporter(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.WithField("environment", environment).Info("Sentry error reporting enabled")
	return reporter, nil
}

type SentryReporter struct {
	hub    *sentry.Hub
	logger *logrus.Logger
}

func newSentryReporter(options sentry.ClientOptions, logger *logrus.Logger) (*SentryReporter, error) {
	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sentry client: %w", err)
	}

	return &SentryReporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// CaptureError sends err to Sentry with fields attached as tags
func (r *SentryReporter) CaptureError(err error, fields map[string]string) {
	if err == nil {
		return
	}

	var eventID *sentry.EventID
	r.hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range fields {
			scope.SetTag(key, value)
		}
		eventID = r.hub.CaptureException(err)
	})

	entry := r.logger.WithError(err).WithField("component", "observability")
	if eventID != nil {
		entry = entry.WithField("sentry_event_id", string(*eventID))
	}
	entry.Debug("Captured error")
}

func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// LogReporter only logs captured errors
type LogReporter struct {
	logger *logrus.Logger
}

func NewLogReporter(logger *logrus.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) CaptureError(err error, fields map[string]string) {
	if err == nil {
		return
	}

	logFields := logrus.Fields{"component": "observability"}
	for key, value := range fields {
		logFields[key] = value
	}
	r.logger.WithError(err).WithFields(logFields).Error("Captured error")
}

func (r *LogReporter) Flush(timeout time.Duration) bool {
	return true
}
