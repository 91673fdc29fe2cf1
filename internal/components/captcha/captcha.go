package captcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"gstinvoice-backend/internal/components/assert"
	"gstinvoice-backend/internal/components/retry"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/invoice"
	"html"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	report_solver_submit = "solver.submit"
	report_solver_poll   = "solver.poll"
	report_solver_report = "challenge.report"
)

const (
	responseNotReady   = "CAPCHA_NOT_READY"
	responseUnsolvable = "ERROR_CAPTCHA_UNSOLVABLE"
	responseReported   = "OK_REPORT_RECORDED"
)

type Config struct {
	BaseUrl string `json:"base_url"`
	ApiKey  string `json:"api_key"`
	// PollInterval is waited before every poll, the service needs some time
	// to get a human to solve the image.
	PollInterval time.Duration `json:"poll_interval"`
	MaxPolls     int           `json:"max_polls"`
}

func (c Config) withDefaults() Config {
	if c.BaseUrl == "" {
		c.BaseUrl = "http://2captcha.com"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 3
	}
	return c
}

// Solver turns captcha images into text using a 2captcha compatible service.
type Solver struct {
	client *resty.Client
	config Config
	tel    telemetry.API
}

func NewSolver(config Config, tel telemetry.API) *Solver {
	assert.NotNil(tel, "telemetry")
	assert.NotEmptyStr(config.ApiKey, "captcha api key")
	config = config.withDefaults()

	client := resty.New()
	client.SetBaseURL(config.BaseUrl)
	client.SetTimeout(30 * time.Second)
	telemetry.InstrumentResty(client, telemetry.NewScopedAPI("http", tel))

	return &Solver{
		client: client,
		config: config,
		tel:    tel,
	}
}

type submitResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve uploads the image and polls for the solution, the returned Challenge
// must be reported on once its text was used.
func (s *Solver) Solve(ctx context.Context, image []byte) (*Challenge, error) {
	ticket, err := s.submit(ctx, image)
	if err != nil {
		s.tel.ReportBroken(report_solver_submit, err)
		return nil, err
	}

	for poll := 1; poll <= s.config.MaxPolls; poll++ {
		err = retry.Sleep(ctx, s.config.PollInterval)
		if err != nil {
			return nil, err
		}

		text, done, err := s.poll(ctx, ticket)
		if err != nil {
			return nil, err
		}
		if done {
			return &Challenge{solver: s, ticket: ticket, text: text}, nil
		}
		s.tel.ReportDebug("captcha not ready", ticket, poll)
	}

	return nil, invoice.New(
		invoice.RETRY_EXCEEDED,
		"captcha %s not solved after %d polls", ticket, s.config.MaxPolls,
	)
}

func (s *Solver) submit(ctx context.Context, image []byte) (string, error) {
	res, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"key":      s.config.ApiKey,
			"method":   "base64",
			"body":     base64.StdEncoding.EncodeToString(image),
			"json":     "1",
			"regsense": "1",
		}).
		Post("/in.php")
	if err != nil {
		return "", invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("submit captcha: %w", err))
	}

	var parsed submitResponse
	err = json.Unmarshal(res.Body(), &parsed)
	if err != nil {
		return "", invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("parse submit response: %w", err))
	}
	if parsed.Status != 1 || parsed.Request == "" {
		return "", invoice.New(invoice.PORTAL_ISSUE, "captcha service rejected image: %s", parsed.Request)
	}
	return parsed.Request, nil
}

func (s *Solver) poll(ctx context.Context, ticket string) (text string, done bool, err error) {
	res, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"key":    s.config.ApiKey,
			"action": "get",
			"id":     ticket,
		}).
		Post("/res.php")
	if err != nil {
		s.tel.ReportWarning(report_solver_poll, err, ticket)
		return "", false, invoice.Wrap(invoice.PORTAL_ISSUE, fmt.Errorf("poll captcha: %w", err))
	}

	body := strings.TrimSpace(res.String())
	switch {
	case body == responseUnsolvable:
		return "", false, invoice.New(invoice.CAPTCHA_UNSOLVABLE, "captcha %s", ticket)
	case body == responseNotReady:
		return "", false, nil
	case strings.HasPrefix(body, "OK|"):
		return html.UnescapeString(strings.TrimPrefix(body, "OK|")), true, nil
	}
	return "", false, invoice.New(invoice.PORTAL_ISSUE, "unexpected captcha response: %s", body)
}

func (s *Solver) feedback(ctx context.Context, ticket string, good bool) error {
	action := "reportbad"
	if good {
		action = "reportgood"
	}
	res, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"key":    s.config.ApiKey,
			"action": action,
			"id":     ticket,
		}).
		Post("/res.php")
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if strings.TrimSpace(res.String()) != responseReported {
		return fmt.Errorf("%s: unexpected response %q", action, res.String())
	}
	return nil
}

// Challenge is a solved captcha waiting for the verdict of the portal.
type Challenge struct {
	solver   *Solver
	ticket   string
	text     string
	reported atomic.Bool
}

// Text is the solution as the portals expect it, upper case.
func (c *Challenge) Text() string {
	return strings.ToUpper(c.text)
}

// Report tells the service if the solution was accepted, only the first
// call does anything.
func (c *Challenge) Report(ctx context.Context, good bool) {
	if !c.reported.CompareAndSwap(false, true) {
		return
	}
	err := c.solver.feedback(ctx, c.ticket, good)
	if err != nil {
		c.solver.tel.ReportWarning(report_solver_report, err, c.ticket)
	}
}
