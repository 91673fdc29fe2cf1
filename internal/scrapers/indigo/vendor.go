package indigo

import (
	"context"
	"errors"
	"fmt"
	"gstinvoice-backend/internal/components/assert"
	"gstinvoice-backend/internal/components/session"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/invoice"
	"time"
)

const Name = "indigo"

const report_vendor_candidate = "vendor.candidate"

type Config struct {
	BaseUrl     string `json:"base_url"`
	WarmupUrl   string `json:"warmup_url"`
	ResourceUrl string `json:"resource_url"`
	// Proxy is the base proxy url, the port of each run replaces its port.
	Proxy         string `json:"proxy"`
	FetchAttempts int    `json:"fetch_attempts"`
	// FetchDelayMs is waited between fetch attempts.
	FetchDelayMs     int    `json:"fetch_delay_ms"`
	BypassCloudflare bool   `json:"bypass_cloudflare"`
	DumpDir          string `json:"dump_dir"`
}

func (c Config) withDefaults() Config {
	if c.BaseUrl == "" {
		c.BaseUrl = "https://book.goindigo.in"
	}
	if c.WarmupUrl == "" {
		c.WarmupUrl = "https://www.goindigo.in/view-gst-invoice.html"
	}
	if c.ResourceUrl == "" {
		c.ResourceUrl = "https://book.goindigo.in/"
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = 3
	}
	if c.FetchDelayMs <= 0 {
		c.FetchDelayMs = 3000
	}
	return c
}

var portalHeaders = map[string]string{
	"accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"accept-language":           "en-US,en;q=0.5",
	"referer":                   "https://www.goindigo.in/",
	"upgrade-insecure-requests": "1",
	"sec-fetch-dest":            "document",
	"sec-fetch-mode":            "navigate",
	"sec-fetch-site":            "none",
	"sec-fetch-user":            "?1",
}

// Vendor retrieves html invoices from the indigo gst portal.
type Vendor struct {
	config  Config
	manager session.Manager
	client  client
	tel     telemetry.API
}

func NewVendor(config Config, tel telemetry.API) Vendor {
	assert.NotNil(tel, "telemetry")
	config = config.withDefaults()
	tel = telemetry.NewScopedAPI("indigo", tel)

	return Vendor{
		config: config,
		manager: session.NewManager(session.Profile{
			Vendor:           Name,
			BaseUrl:          config.BaseUrl,
			WarmupPath:       config.WarmupUrl,
			Headers:          portalHeaders,
			BypassCloudflare: config.BypassCloudflare,
			DumpDir:          config.DumpDir,
		}, tel),
		client: client{
			fetchAttempts: config.FetchAttempts,
			fetchDelay:    time.Duration(config.FetchDelayMs) * time.Millisecond,
			resourceUrl:   config.ResourceUrl,
			tel:           tel,
		},
		tel: tel,
	}
}

func (v Vendor) Name() string {
	return Name
}

func (v Vendor) MaxAttempts() int {
	return 1
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

	candidates, err := v.client.Locate(ctx, sess, job.Key, job.Identity)
	if err != nil {
		return nil, fmt.Errorf("locate: %w", err)
	}
	token, err := v.client.AuthToken(ctx, sess, job.Key, job.Identity)
	if err != nil {
		return nil, fmt.Errorf("auth token: %w", err)
	}

	prefix := job.Key.Pnr
	if prefix == "" {
		prefix = job.Key.InvoiceNumber
	}

	var docs []invoice.Document
	var failures []error
	var lastCode invoice.Code
	for _, candidate := range candidates.List() {
		content, err := v.retrieveCandidate(ctx, sess, token, candidate)
		if err != nil {
			v.tel.ReportWarning(report_vendor_candidate, candidate, err)
			failures = append(failures, fmt.Errorf("%s: %w", candidate, err))
			lastCode = invoice.CodeOf(err)
			if invoice.IsCanceled(err) {
				break
			}
			continue
		}
		docs = append(docs, invoice.Document{
			Candidate:   candidate,
			Filename:    fmt.Sprintf("%s-%s.html", prefix, candidate),
			ContentType: "text/html",
			Content:     content,
		})
	}

	if len(docs) == 0 {
		return nil, &invoice.Error{Code: lastCode, Err: errors.Join(failures...)}
	}
	return docs, nil
}

func (v Vendor) retrieveCandidate(ctx context.Context, sess *session.Session, token, candidate string) ([]byte, error) {
	raw, err := v.client.Fetch(ctx, sess, token, candidate)
	if err != nil {
		return nil, err
	}
	return v.client.Render(ctx, sess, raw)
}
