// ABOUTME: Report workflow state machine, independent of any chat platform.
// ABOUTME: Drives one package report from form to submission, with a single-use fallback to the other transport.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jfeddern/anubis/internal/providers/dragonfly"
	"github.com/jfeddern/anubis/internal/types"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyReported      = errors.New("package has already been reported from this message")
	ErrSubmissionInProgress = errors.New("a report for this package is already being submitted")
	ErrNoFallback           = errors.New("no fallback is pending for this report")
	ErrFallbackResolved     = errors.New("fallback prompt has already been answered")
	ErrMissingField         = errors.New("required field is missing")
)

const maxTitleLength = 45

// Form field identifiers
const (
	FieldAdditionalInformation = "additional_information"
	FieldInspectorURL          = "inspector_url"
	FieldRecipient             = "recipient"
)

// Transport is the delivery mechanism for a report
type Transport string

const (
	TransportAPI   Transport = "api"
	TransportEmail Transport = "email"
)

// Other returns the alternate transport offered on fallback
func (t Transport) Other() Transport {
	if t == TransportEmail {
		return TransportAPI
	}
	return TransportEmail
}

func ParseTransport(value string) (Transport, error) {
	switch Transport(value) {
	case TransportAPI, TransportEmail:
		return Transport(value), nil
	}
	return "", fmt.Errorf("unknown transport %q", value)
}

type State int

const (
	StateIdle State = iota
	StateFormOpen
	StateSubmitting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFormOpen:
		return "form_open"
	case StateSubmitting:
		return "submitting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Actor is the user acting on a workflow
type Actor struct {
	ID      string
	Name    string
	Mention string
}

// FormValues holds raw form input; empty strings mean the field was left blank
type FormValues struct {
	AdditionalInformation string
	InspectorURL          string
	Recipient             string
}

type Field struct {
	ID          string
	Label       string
	Placeholder string
	Default     string
	Required    bool
	Long        bool
}

// Form describes the report modal for one transport
type Form struct {
	WorkflowID string
	Transport  Transport
	Title      string
	Fields     []Field
}

// FallbackPrompt offers retrying a failed report over the other transport
type FallbackPrompt struct {
	WorkflowID string
	Failed     Transport
	Offered    Transport
	Err        error
}

// Outcome is the result of a submission. Exactly one of Reported or Fallback is set.
type Outcome struct {
	Reported bool
	Fallback *FallbackPrompt
}

// AuditEntry is one filed report as recorded in the reporting audit log
type AuditEntry struct {
	Actor                 Actor
	Name                  string
	Version               string
	Transport             Transport
	AdditionalInformation *string
	InspectorURL          *string
}

// Reporter files reports upstream
type Reporter interface {
	ReportPackage(ctx context.Context, report types.PackageReport) error
}

// Auditor records who reported what
type Auditor interface {
	LogReport(ctx context.Context, entry AuditEntry) error
}

type Dependencies struct {
	Reporter         Reporter
	Auditor          Auditor
	Locks            *Locks
	DefaultRecipient string
	Logger           *logrus.Logger
}

// Workflow is the report state for one notification message
type Workflow struct {
	id   string
	scan types.PackageScanResult
	deps Dependencies

	mutex            sync.Mutex
	state            State
	values           FormValues
	fallback         *FallbackPrompt
	fallbackResolved bool
}

func New(id string, scan types.PackageScanResult, deps Dependencies) *Workflow {
	return &Workflow{
		id:    id,
		scan:  scan,
		deps:  deps,
		state: StateIdle,
	}
}

func (w *Workflow) ID() string {
	return w.id
}

func (w *Workflow) Scan() types.PackageScanResult {
	return w.scan
}

func (w *Workflow) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

// Open moves the workflow to FormOpen and returns the form for transport
func (w *Workflow) Open(transport Transport) (Form, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	switch w.state {
	case StateDone:
		return Form{}, ErrAlreadyReported
	case StateSubmitting:
		return Form{}, ErrSubmissionInProgress
	}

	w.state = StateFormOpen
	return w.form(transport, w.values), nil
}

// Submit files the report. An HTTP failure yields a fallback prompt instead of an error;
// any other failure is returned unchanged.
func (w *Workflow) Submit(ctx context.Context, actor Actor, transport Transport, values FormValues) (*Outcome, error) {
	w.mutex.Lock()
	switch w.state {
	case StateDone:
		w.mutex.Unlock()
		return nil, ErrAlreadyReported
	case StateSubmitting:
		w.mutex.Unlock()
		return nil, ErrSubmissionInProgress
	}
	w.values = values
	if err := w.validate(transport, values); err != nil {
		w.state = StateFormOpen
		w.mutex.Unlock()
		return nil, err
	}
	w.state = StateSubmitting
	w.fallback = nil
	w.fallbackResolved = false
	w.mutex.Unlock()

	report := w.buildReport(transport, values)
	logger := w.deps.Logger.WithFields(logrus.Fields{
		"component":   "report_workflow",
		"workflow_id": w.id,
		"package":     w.scan.String(),
		"transport":   string(transport),
		"actor":       actor.Name,
	})

	logger.WithFields(logrus.Fields{
		"additional_information": deref(report.AdditionalInformation),
		"inspector_url":          deref(report.InspectorURL),
	}).Info("User reported package")

	if err := w.deps.Auditor.LogReport(ctx, AuditEntry{
		Actor:                 actor,
		Name:                  w.scan.Name,
		Version:               w.scan.Version,
		Transport:             transport,
		AdditionalInformation: report.AdditionalInformation,
		InspectorURL:          report.InspectorURL,
	}); err != nil {
		logger.WithError(err).Warn("Failed to write report audit entry")
	}

	err := w.report(ctx, report)

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if err == nil {
		w.state = StateDone
		logger.Info("Package report submitted")
		return &Outcome{Reported: true}, nil
	}

	w.state = StateFailed

	var httpErr *dragonfly.HTTPError
	if errors.As(err, &httpErr) {
		w.fallback = &FallbackPrompt{
			WorkflowID: w.id,
			Failed:     transport,
			Offered:    transport.Other(),
			Err:        err,
		}
		logger.WithError(err).WithField("status_code", httpErr.StatusCode).Warn("Report failed upstream, offering fallback transport")
		return &Outcome{Fallback: w.fallback}, nil
	}

	logger.WithError(err).Error("Report failed")
	return nil, err
}

// ResolveFallback answers the pending fallback prompt. Confirming opens the form for the
// other transport, declining reopens the failed one; both keep the previous inputs.
func (w *Workflow) ResolveFallback(confirm bool) (Form, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.fallback == nil {
		return Form{}, ErrNoFallback
	}
	if w.fallbackResolved {
		return Form{}, ErrFallbackResolved
	}
	w.fallbackResolved = true

	transport := w.fallback.Failed
	if confirm {
		transport = w.fallback.Offered
	}

	w.state = StateFormOpen
	return w.form(transport, w.values), nil
}

func (w *Workflow) report(ctx context.Context, report types.PackageReport) error {
	release, err := w.deps.Locks.Acquire(ctx, w.scan.Key())
	if err != nil {
		return fmt.Errorf("failed to acquire report lock for %s: %w", w.scan.String(), err)
	}
	defer release()

	return w.deps.Reporter.ReportPackage(ctx, report)
}

func (w *Workflow) validate(transport Transport, values FormValues) error {
	if w.additionalInformationRequired(transport) && strings.TrimSpace(values.AdditionalInformation) == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldAdditionalInformation)
	}
	if w.scan.InspectorURL == "" && strings.TrimSpace(values.InspectorURL) == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldInspectorURL)
	}
	return nil
}

func (w *Workflow) additionalInformationRequired(transport Transport) bool {
	return transport == TransportAPI || len(w.scan.Rules) == 0
}

func (w *Workflow) buildReport(transport Transport, values FormValues) types.PackageReport {
	report := types.PackageReport{
		Name:                  w.scan.Name,
		Version:               w.scan.Version,
		AdditionalInformation: optional(values.AdditionalInformation),
		InspectorURL:          optional(values.InspectorURL),
		UseEmail:              transport == TransportEmail,
	}
	if report.InspectorURL == nil {
		report.InspectorURL = optional(w.scan.InspectorURL)
	}
	if transport == TransportEmail {
		report.Recipient = optional(values.Recipient)
		if report.Recipient == nil {
			report.Recipient = optional(w.deps.DefaultRecipient)
		}
	}
	return report
}

func (w *Workflow) form(transport Transport, previous FormValues) Form {
	inspectorURL := previous.InspectorURL
	if inspectorURL == "" {
		inspectorURL = w.scan.InspectorURL
	}

	fields := []Field{
		{
			ID:          FieldAdditionalInformation,
			Label:       "Additional information",
			Placeholder: "Additional information",
			Default:     previous.AdditionalInformation,
			Required:    w.additionalInformationRequired(transport),
			Long:        true,
		},
		{
			ID:          FieldInspectorURL,
			Label:       "Inspector URL",
			Placeholder: "Inspector URL",
			Default:     inspectorURL,
			Required:    w.scan.InspectorURL == "",
		},
	}

	if transport == TransportEmail {
		recipient := previous.Recipient
		if recipient == "" {
			recipient = w.deps.DefaultRecipient
		}
		fields = append(fields, Field{
			ID:          FieldRecipient,
			Label:       "Recipient",
			Placeholder: "Recipient's Email Address",
			Default:     recipient,
		})
	}

	return Form{
		WorkflowID: w.id,
		Transport:  transport,
		Title:      Title(w.scan.Name, w.scan.Version),
		Fields:     fields,
	}
}

// Title builds the modal title, truncated to the platform limit
func Title(name, version string) string {
	title := []rune(fmt.Sprintf("Confirm report for %s v%s", name, version))
	if len(title) >= maxTitleLength {
		return string(title[:maxTitleLength-3]) + "..."
	}
	return string(title)
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
