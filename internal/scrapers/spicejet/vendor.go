package spicejet

import (
	"context"
	"errors"
	"fmt"
	"gstinvoice-backend/internal/components/assert"
	"gstinvoice-backend/internal/components/chrono"
	"gstinvoice-backend/internal/components/session"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/invoice"
	"strings"
	"time"

	"github.com/mazen160/go-random"
)

const Name = "spicejet"

const report_vendor_filename = "vendor.filename"

type Config struct {
	BaseUrl        string `json:"base_url"`
	Proxy          string `json:"proxy"`
	LookupAttempts int    `json:"lookup_attempts"`
	FetchAttempts  int    `json:"fetch_attempts"`
	RetryDelayMs   int    `json:"retry_delay_ms"`
	DumpDir        string `json:"dump_dir"`
}

func (c Config) withDefaults() Config {
	if c.BaseUrl == "" {
		c.BaseUrl = "https://gst.spicejet.com"
	}
	if c.LookupAttempts <= 0 {
		c.LookupAttempts = 5
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = 3
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = 3000
	}
	return c
}

// Vendor downloads pdf invoices from the spicejet gst portal, the portal
// needs no identity or token.
type Vendor struct {
	config  Config
	manager session.Manager
	client  client
	clock   chrono.API
	tel     telemetry.API
}

func NewVendor(config Config, clock chrono.API, tel telemetry.API) Vendor {
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "telemetry")
	config = config.withDefaults()
	tel = telemetry.NewScopedAPI("spicejet", tel)

	return Vendor{
		config: config,
		manager: session.NewManager(session.Profile{
			Vendor:  Name,
			BaseUrl: config.BaseUrl,
			DumpDir: config.DumpDir,
		}, tel),
		client: client{
			lookupAttempts: config.LookupAttempts,
			fetchAttempts:  config.FetchAttempts,
			delay:          time.Duration(config.RetryDelayMs) * time.Millisecond,
			tel:            tel,
		},
		clock: clock,
		tel:   tel,
	}
}

func (v Vendor) Name() string {
	return Name
}

func (v Vendor) MaxAttempts() int {
	return 1
}

// filename is 10 random characters followed by the current time,
// the portal gives its pdfs no meaningful name.
func (v Vendor) filename() (string, error) {
	stem, err := random.String(10)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"%s_%s.pdf",
		strings.ToUpper(stem),
		v.clock.Now().Format("02.01.2006_15.04.05"),
	), nil
}

func (v Vendor) Retrieve(ctx context.Context, job invoice.Job) ([]invoice.Document, error) {
	if job.Key.Empty() {
		return nil, invoice.New(invoice.INVALID_DATA, "neither pnr nor invoice number given")
	}

	sess, err := v.manager.Open(ctx, session.Proxy{BaseUrl: v.config.Proxy, Port: job.ProxyPort})
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	records, err := v.client.Locate(ctx, sess, job.Key)
	if err != nil {
		return nil, fmt.Errorf("locate: %w", err)
	}

	var docs []invoice.Document
	var failures []error
	var lastCode invoice.Code
	for _, r := range records {
		doc, err := v.retrieveRecord(ctx, sess, r)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", r.InvoiceNo, err))
			lastCode = invoice.CodeOf(err)
			if invoice.IsCanceled(err) {
				break
			}
			continue
		}
		docs = append(docs, doc)
	}

	if len(docs) == 0 {
		return nil, &invoice.Error{Code: lastCode, Err: errors.Join(failures...)}
	}
	return docs, nil
}

func (v Vendor) retrieveRecord(ctx context.Context, sess *session.Session, r record) (invoice.Document, error) {
	content, err := v.client.Fetch(ctx, sess, r)
	if err != nil {
		return invoice.Document{}, err
	}
	name, err := v.filename()
	if err != nil {
		v.tel.ReportBroken(report_vendor_filename, err)
		return invoice.Document{}, invoice.Wrap(invoice.PORTAL_ISSUE, err)
	}
	return invoice.Document{
		Candidate:   r.InvoiceNo,
		Filename:    name,
		ContentType: "application/pdf",
		Content:     content,
	}, nil
}
