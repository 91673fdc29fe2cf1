package service

import (
	"context"
	"fmt"
	"gstinvoice-backend/internal/components/assert"
	"gstinvoice-backend/internal/components/chrono"
	"gstinvoice-backend/internal/components/notify"
	"gstinvoice-backend/internal/components/retry"
	"gstinvoice-backend/internal/components/storage"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/db"
	"gstinvoice-backend/internal/invoice"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("gstinvoice/service")
var meter = otel.Meter("gstinvoice/service")

var runCounter, _ = meter.Int64Counter("runs", metric.WithDescription("finished retrieval runs"))
var attemptCounter, _ = meter.Int64Counter("attempts", metric.WithDescription("vendor attempts"))

const (
	report_vendor_panic    = "vendor.panic"
	report_storage_save    = "storage.save"
	report_notify_failure  = "notify.failure"
	report_db_query        = "db.query"
	report_cooldown_wait   = "cooldown.wait"
	report_identity_failed = "identity.failed"
	report_runs_in_flight  = "runs-in-flight"
)

const defaultIdentityCooldown = 10 * time.Second

// Vendor retrieves the invoices of one airline portal.
//
// note: fault injection point
type Vendor interface {
	Name() string
	// MaxAttempts is how many times a failed Retrieve is repeated with the same identity.
	MaxAttempts() int
	// Retrieve performs a single attempt, it owns every resource it opens.
	Retrieve(ctx context.Context, job invoice.Job) ([]invoice.Document, error)
}

type Service struct {
	vendors         map[string]Vendor
	storage         storage.API
	db              *db.Queries
	makeTx          db.MakeTx
	notify          notify.API
	clock           chrono.API
	tel             telemetry.API
	cooldown        time.Duration
	continueOnBlock bool
	newRunId        func() string
	inFlight        *atomic.Int64
}

type serviceConfig struct {
	vendors         []Vendor
	notify          notify.API
	clock           chrono.API
	tel             telemetry.API
	cooldown        *time.Duration
	continueOnBlock bool
	newRunId        func() string
}

type Option func(cfg *serviceConfig)

func WithVendor(v Vendor) Option {
	return func(cfg *serviceConfig) {
		cfg.vendors = append(cfg.vendors, v)
	}
}

func WithNotifier(n notify.API) Option {
	return func(cfg *serviceConfig) {
		cfg.notify = n
	}
}

func WithClock(clock chrono.API) Option {
	return func(cfg *serviceConfig) {
		cfg.clock = clock
	}
}

func WithCustomTelemetryAPI(tel telemetry.API) Option {
	return func(cfg *serviceConfig) {
		cfg.tel = tel
	}
}

// WithIdentityCooldown sets the minimum time between attempts with different identities.
func WithIdentityCooldown(d time.Duration) Option {
	return func(cfg *serviceConfig) {
		cfg.cooldown = &d
	}
}

// WithContinueOnBlock keeps trying the remaining identities after the portal
// blocked the network, by default the run stops.
func WithContinueOnBlock(enabled bool) Option {
	return func(cfg *serviceConfig) {
		cfg.continueOnBlock = enabled
	}
}

func withRunIds(newRunId func() string) Option {
	return func(cfg *serviceConfig) {
		cfg.newRunId = newRunId
	}
}

func NewService(store storage.API, qry *db.Queries, makeTx db.MakeTx, options ...Option) (Service, error) {
	assert.NotNil(store, "storage")
	assert.NotNil(qry, "db")
	assert.NotNil(makeTx, "makeTx")

	cfg := serviceConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	s := Service{
		vendors:  map[string]Vendor{},
		storage:  store,
		db:       qry,
		makeTx:   makeTx,
		notify:   notify.Noop{},
		tel:      telemetry.SlogAPI{},
		cooldown: defaultIdentityCooldown,
		newRunId: uuid.NewString,
		inFlight: &atomic.Int64{},
	}
	if cfg.notify != nil {
		s.notify = cfg.notify
	}
	if cfg.tel != nil {
		s.tel = cfg.tel
	}
	if cfg.cooldown != nil {
		s.cooldown = *cfg.cooldown
	}
	if cfg.newRunId != nil {
		s.newRunId = cfg.newRunId
	}
	s.continueOnBlock = cfg.continueOnBlock
	s.tel = telemetry.NewScopedAPI("service", s.tel)

	if cfg.clock != nil {
		s.clock = cfg.clock
	} else {
		clock, err := chrono.NewStandardImpl()
		if err != nil {
			return Service{}, err
		}
		s.clock = clock
	}

	for _, v := range cfg.vendors {
		assert.NotNil(v, "vendor")
		name := strings.ToLower(v.Name())
		if _, exists := s.vendors[name]; exists {
			return Service{}, fmt.Errorf("vendor %s registered twice", name)
		}
		s.vendors[name] = v
	}
	return s, nil
}

// Vendors lists the names of every registered vendor.
func (s Service) Vendors() []string {
	names := make([]string, 0, len(s.vendors))
	for name := range s.vendors {
		names = append(names, name)
	}
	return names
}

type Request struct {
	Vendor        string   `json:"vendor"`
	Pnr           string   `json:"pnr"`
	InvoiceNumber string   `json:"invoice_number"`
	Date          string   `json:"date"`
	Identities    []string `json:"identities"`
	ProxyPort     string   `json:"proxy_port"`
}

func identitiesOf(req Request) []invoice.Identity {
	var out []invoice.Identity
	for _, id := range req.Identities {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, invoice.Identity(id))
	}
	// vendors without identities still need to run once
	if len(out) == 0 {
		out = []invoice.Identity{""}
	}
	return out
}

// Retrieve runs the whole retrieval for a request, trying every identity in
// order until one of them produces invoices. It never fails, every problem
// is described by the returned Result.
func (s Service) Retrieve(ctx context.Context, req Request) Result {
	ctx, span := tracer.Start(ctx, "Retrieve")
	defer span.End()

	runId := s.newRunId()
	vendorName := strings.ToLower(strings.TrimSpace(req.Vendor))
	span.SetAttributes(
		attribute.String("run_id", runId),
		attribute.String("vendor", vendorName),
	)

	s.tel.ReportCount(report_runs_in_flight, s.inFlight.Add(1))
	defer func() {
		s.tel.ReportCount(report_runs_in_flight, s.inFlight.Add(-1))
	}()

	vendor, ok := s.vendors[vendorName]
	if !ok {
		span.SetStatus(codes.Error, "unknown vendor")
		return failureResult(runId, vendorName, invoice.INVALID_DATA, []Failure{{
			Code:   invoice.INVALID_DATA,
			Detail: fmt.Sprintf("unknown vendor %q", req.Vendor),
		}})
	}

	key := invoice.NewKey(req.Pnr, req.InvoiceNumber, req.Date)
	s.recordStart(ctx, runId, vendorName, key)

	result := s.run(ctx, runId, vendor, key, identitiesOf(req), req.ProxyPort)

	runCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vendor", vendorName),
		attribute.Bool("success", result.Success),
		attribute.String("message", result.Message),
	))
	if !result.Success {
		span.SetStatus(codes.Error, result.Message)
		s.notifyFailure(ctx, runId, vendorName, key, result)
	}
	s.recordFinish(ctx, runId, result)
	return result
}

func (s Service) run(ctx context.Context, runId string, vendor Vendor, key invoice.Key, identities []invoice.Identity, proxyPort string) Result {
	var failures []Failure
	lastCode := invoice.PORTAL_ISSUE
	for i, identity := range identities {
		if i > 0 {
			// the run ended while waiting, the last failure stays the reported one
			err := retry.Sleep(ctx, s.cooldown)
			if err != nil {
				s.tel.ReportDebug(report_cooldown_wait, err)
				break
			}
		}

		job := invoice.Job{
			RunId:     runId,
			Key:       key,
			Identity:  identity,
			ProxyPort: proxyPort,
		}
		docs, attempts, err := s.runIdentity(ctx, vendor, job)
		if err == nil {
			var refs []string
			refs, err = s.persist(ctx, vendor.Name(), docs)
			if err == nil {
				return successResult(runId, vendor.Name(), refs, failures)
			}
			// storage problems do not depend on the identity
			failures = append(failures, newFailure(identity, attempts, err))
			lastCode = invoice.CodeOf(err)
			break
		}

		lastCode = invoice.CodeOf(err)
		if ctx.Err() != nil {
			lastCode = invoice.PORTAL_ISSUE
		}
		failures = append(failures, newFailure(identity, attempts, err))
		s.tel.ReportDebug(report_identity_failed, string(identity), lastCode)

		if ctx.Err() != nil {
			break
		}
		if lastCode == invoice.IP_BLOCKED && !s.continueOnBlock {
			break
		}
	}

	return failureResult(runId, vendor.Name(), lastCode, failures)
}

// runIdentity repeats the vendor pipeline for one identity until it
// succeeds, fails terminally or runs out of attempts.
func (s Service) runIdentity(ctx context.Context, vendor Vendor, job invoice.Job) ([]invoice.Document, int, error) {
	maxAttempts := max(1, vendor.MaxAttempts())

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		job.Attempt = attempt
		docs, err := s.attempt(ctx, vendor, job)
		if err == nil {
			return docs, attempt, nil
		}
		lastErr = err

		code := invoice.CodeOf(err)
		s.recordAttempt(ctx, job, code, err)
		if code.Terminal() || ctx.Err() != nil {
			return nil, attempt, err
		}
	}
	return nil, maxAttempts, lastErr
}

func (s Service) attempt(ctx context.Context, vendor Vendor, job invoice.Job) (docs []invoice.Document, err error) {
	ctx, span := tracer.Start(ctx, "attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("vendor", vendor.Name()),
		attribute.Int("attempt", job.Attempt),
	)

	defer func() {
		if recovered := recover(); recovered != nil {
			s.tel.ReportBroken(report_vendor_panic, vendor.Name(), recovered)
			docs = nil
			err = invoice.New(invoice.PORTAL_ISSUE, "vendor panicked: %v", recovered)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(invoice.CodeOf(err)))
		}
		attemptCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("vendor", vendor.Name()),
			attribute.Bool("success", err == nil),
		))
	}()

	docs, err = vendor.Retrieve(ctx, job)
	if err == nil && len(docs) == 0 {
		err = invoice.New(invoice.PORTAL_ISSUE, "vendor returned no documents")
	}
	return docs, err
}

// persist saves every document, the run counts as a success as long as one
// of them could be saved.
func (s Service) persist(ctx context.Context, vendorName string, docs []invoice.Document) ([]string, error) {
	ctx, span := tracer.Start(ctx, "persist")
	defer span.End()

	refs := []string{}
	var lastErr error
	for _, doc := range docs {
		ref, err := s.storage.Save(ctx, doc.Content, doc.Filename, vendorName)
		if err != nil {
			s.tel.ReportWarning(report_storage_save, err, doc.Filename)
			lastErr = err
			continue
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		span.SetStatus(codes.Error, "nothing saved")
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("save documents: %w", lastErr))
	}
	return refs, nil
}

func (s Service) notifyFailure(ctx context.Context, runId, vendorName string, key invoice.Key, result Result) {
	// bad input from the caller is not something operators can fix
	if result.Message == string(invoice.INVALID_DATA) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	failure := notify.Failure{
		RunId:    runId,
		Vendor:   vendorName,
		Pnr:      key.Pnr,
		Code:     result.Message,
		Attempts: len(result.Data.Failures),
	}
	if n := len(result.Data.Failures); n > 0 {
		failure.Detail = result.Data.Failures[n-1].Detail
	}
	err := s.notify.NotifyFailure(ctx, failure)
	if err != nil {
		s.tel.ReportWarning(report_notify_failure, err, runId)
	}
}
