package session

import (
	"context"
	"fmt"
	"gstinvoice-backend/internal/components/assert"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/invoice"
	"net"
	"net/http/cookiejar"
	"net/url"
	"sync/atomic"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_manager_open   = "manager.open"
	report_manager_warmup = "manager.warmup"
	report_open_sessions  = "open_sessions"
)

const (
	defaultUserAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:109.0) Gecko/20100101 Firefox/112.0"
	defaultRequestTimeout = 30 * time.Second
	defaultRequestsPerSec = 2
)

// Profile describes how to talk to one portal.
type Profile struct {
	Vendor  string
	BaseUrl string
	// WarmupPath is requested when the session opens so the portal hands out
	// its cookies, leave empty to skip.
	WarmupPath       string
	Headers          map[string]string
	UserAgent        string
	Timeout          time.Duration
	BypassCloudflare bool
	// RateLimit is the maximum amount of requests per second, 0 uses the default.
	RateLimit float64
	// DumpDir writes every http exchange to a directory when set.
	DumpDir string
}

// Proxy is an upstream proxy, Port replaces the port of BaseUrl so that
// rotating proxy providers can hand out a different exit ip per run.
type Proxy struct {
	BaseUrl string `json:"base_url"`
	Port    string `json:"port"`
}

func (p Proxy) Empty() bool {
	return p.BaseUrl == ""
}

// URL returns the proxy url with the port substituted.
func (p Proxy) URL() (string, error) {
	parsed, err := url.Parse(p.BaseUrl)
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("proxy url %q has no host", p.BaseUrl)
	}
	if p.Port != "" {
		parsed.Host = net.JoinHostPort(parsed.Hostname(), p.Port)
	}
	return parsed.String(), nil
}

type Manager struct {
	profile Profile
	tel       telemetry.API
	openCount *int64
}

func NewManager(profile Profile, tel telemetry.API) Manager {
	assert.NotNil(tel, "telemetry")
	assert.NotEmptyStr(profile.BaseUrl, "session base url")

	if profile.UserAgent == "" {
		profile.UserAgent = defaultUserAgent
	}
	if profile.Timeout <= 0 {
		profile.Timeout = defaultRequestTimeout
	}
	if profile.RateLimit <= 0 {
		profile.RateLimit = defaultRequestsPerSec
	}

	var openCount int64
	return Manager{
		profile:   profile,
		tel:       telemetry.NewScopedAPI(fmt.Sprintf("session_%s", profile.Vendor), tel),
		openCount: &openCount,
	}
}

// Session is a cookie holding http client owned by a single attempt.
type Session struct {
	Http *resty.Client

	manager Manager
	closed  bool
}

// Open creates a new session and warms it up, any failure is reported as
// FAILED_TO_INIT_SESSION.
func (m Manager) Open(ctx context.Context, proxy Proxy) (*Session, error) {
	sess, err := m.open(ctx, proxy)
	if err != nil {
		m.tel.ReportBroken(report_manager_open, err)
		return nil, invoice.Wrap(invoice.FAILED_TO_INIT_SESSION, err)
	}
	return sess, nil
}

func (m Manager) open(ctx context.Context, proxy Proxy) (*Session, error) {
	client := resty.New()
	client.SetBaseURL(m.profile.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.SetHeader("user-agent", m.profile.UserAgent)
	client.SetHeaders(m.profile.Headers)
	client.SetTimeout(m.profile.Timeout)

	if !proxy.Empty() {
		proxyUrl, err := proxy.URL()
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		client.SetProxy(proxyUrl)
	}
	// the proxy must be configured on the plain *http.Transport before it is wrapped
	if m.profile.BypassCloudflare {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}

	// max burst >= limit just means that no requests will be dropped
	limit := m.profile.RateLimit
	rateLimiter := rate.NewLimiter(rate.Limit(limit), max(1, int(limit)))
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	var instrumentOpts []telemetry.RestyOption
	if m.profile.DumpDir != "" {
		instrumentOpts = append(instrumentOpts, telemetry.WithMessageDump(m.profile.DumpDir))
	}
	telemetry.InstrumentResty(client, telemetry.NewScopedAPI("http", m.tel), instrumentOpts...)

	if m.profile.WarmupPath != "" {
		res, err := client.R().
			SetContext(ctx).
			Get(m.profile.WarmupPath)
		if err != nil {
			client.GetClient().CloseIdleConnections()
			return nil, fmt.Errorf("warmup: %w", err)
		}
		if res.IsError() {
			m.tel.ReportWarning(report_manager_warmup, res.Status())
		}
	}

	m.tel.ReportCount(report_open_sessions, m.track(1))
	return &Session{Http: client, manager: m}, nil
}

func (m Manager) track(delta int64) int64 {
	return atomic.AddInt64(m.openCount, delta)
}

// Close drops every idle connection and cookie of the session, calling it
// more than once does nothing.
func (s *Session) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	s.Http.GetClient().CloseIdleConnections()
	s.Http.SetCookieJar(nil)
	s.manager.tel.ReportCount(report_open_sessions, s.manager.track(-1))
}
