package alliance

import (
	"context"
	"fmt"
	"gstinvoice-backend/internal/components/assert"
	"gstinvoice-backend/internal/components/captcha"
	"gstinvoice-backend/internal/components/retry"
	"gstinvoice-backend/internal/components/session"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/invoice"
	"gstinvoice-backend/pkg/htmlutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const Name = "alliance"

const (
	report_vendor_form     = "vendor.form"
	report_vendor_download = "vendor.download"
)

type Config struct {
	PortalUrl   string `json:"portal_url"`
	DownloadDir string `json:"download_dir"`
	Proxy       string `json:"proxy"`
	ChromePath  string `json:"chrome_path"`
	ShowBrowser bool   `json:"show_browser"`
	// StepTimeoutMs bounds every interaction with the page.
	StepTimeoutMs int `json:"step_timeout_ms"`
	// DownloadTimeoutMs bounds how long the downloaded file may take to appear.
	DownloadTimeoutMs int `json:"download_timeout_ms"`
	Attempts          int `json:"attempts"`
}

func (c Config) withDefaults() Config {
	if c.PortalUrl == "" {
		c.PortalUrl = "https://allianceair.co.in/gst/"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(os.TempDir(), "gstinvoice", Name)
	}
	if c.StepTimeoutMs <= 0 {
		c.StepTimeoutMs = 15_000
	}
	if c.DownloadTimeoutMs <= 0 {
		c.DownloadTimeoutMs = 15_000
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	return c
}

// Solver is implemented by *captcha.Solver.
type Solver interface {
	Solve(ctx context.Context, image []byte) (*captcha.Challenge, error)
}

// Vendor fills the captcha protected gst form of alliance air in a browser.
type Vendor struct {
	config Config
	solver Solver
	open   formOpener
	tel    telemetry.API
}

func NewVendor(config Config, solver Solver, tel telemetry.API) Vendor {
	assert.NotNil(solver, "captcha solver")
	assert.NotNil(tel, "telemetry")
	config = config.withDefaults()
	tel = telemetry.NewScopedAPI("alliance", tel)

	return Vendor{
		config: config,
		solver: solver,
		open:   browserFormOpener(config, tel),
		tel:    tel,
	}
}

func (v Vendor) Name() string {
	return Name
}

// MaxAttempts is larger than the http portals since a wrongly solved captcha
// or a slow page should not use up the identity.
func (v Vendor) MaxAttempts() int {
	return v.config.Attempts
}

func (v Vendor) Retrieve(ctx context.Context, job invoice.Job) ([]invoice.Document, error) {
	if job.Key.Pnr == "" || job.Key.Date == "" {
		return nil, invoice.New(invoice.INVALID_DATA, "both pnr and date of journey are required")
	}

	runDir := filepath.Join(v.config.DownloadDir, job.RunId)
	dir := filepath.Join(runDir, strconv.Itoa(job.Attempt))
	defer func() {
		os.RemoveAll(dir)
		// only succeeds once no other attempt of the run holds files
		os.Remove(runDir)
	}()

	f, err := v.open(ctx, dir, session.Proxy{BaseUrl: v.config.Proxy, Port: job.ProxyPort})
	if err != nil {
		return nil, invoice.Wrap(invoice.FAILED_TO_INIT_SESSION, err)
	}
	defer f.Close()

	err = f.Open(ctx)
	if err != nil {
		v.tel.ReportWarning(report_vendor_form, fmt.Errorf("open: %w", err))
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("open form: %w", err))
	}
	err = f.Fill(ctx, job.Key.Date, job.Key.Pnr)
	if err != nil {
		v.tel.ReportWarning(report_vendor_form, fmt.Errorf("fill: %w", err))
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("fill form: %w", err))
	}
	image, err := f.CaptchaImage(ctx)
	if err != nil {
		v.tel.ReportWarning(report_vendor_form, fmt.Errorf("captcha image: %w", err))
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("captcha image: %w", err))
	}

	challenge, err := v.solver.Solve(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("solve captcha: %w", err)
	}

	label, err := v.submit(ctx, f, challenge.Text())
	// the verdict on the captcha is known as soon as the download link shows up,
	// a canceled run says nothing about it
	if ctx.Err() == nil {
		challenge.Report(context.WithoutCancel(ctx), err == nil)
	}
	if err != nil {
		return nil, err
	}

	content, err := v.waitForFile(ctx, f.DownloadDir(), label+".pdf")
	if err != nil {
		v.tel.ReportWarning(report_vendor_download, err, label)
		return nil, err
	}

	return []invoice.Document{{
		Candidate:   label,
		Filename:    label + ".pdf",
		ContentType: "application/pdf",
		Content:     content,
	}}, nil
}

func (v Vendor) submit(ctx context.Context, f form, code string) (string, error) {
	err := f.Submit(ctx, code)
	if err != nil {
		return "", invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("submit form: %w", err))
	}
	label, err := f.Download(ctx)
	if err != nil {
		return "", invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("download: %w", err))
	}
	label = htmlutil.CleanText(label)
	if label == "" || strings.ContainsAny(label, `/\`) {
		return "", invoice.New(invoice.PORTAL_ISSUE, "no download offered, the captcha was probably wrong")
	}
	return label, nil
}

func (v Vendor) waitForFile(ctx context.Context, dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name)
	err := retry.Poll(ctx, 250*time.Millisecond, time.Duration(v.config.DownloadTimeoutMs)*time.Millisecond, func() (bool, error) {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return info.Size() > 0, nil
	})
	if err != nil {
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("wait for %s: %w", name, err))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, invoice.Wrap(invoice.PORTAL_ISSUE, err)
	}
	return content, nil
}
