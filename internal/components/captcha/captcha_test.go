package captcha

import (
	"context"
	"encoding/base64"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/invoice"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mutex     sync.Mutex
	responses []string
	polls     int
	reports   []string
	images    []string
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	err := r.ParseForm()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.Form.Get("key") != "secret" {
		w.Write([]byte(`{"status":0,"request":"ERROR_WRONG_USER_KEY"}`))
		return
	}

	switch r.URL.Path {
	case "/in.php":
		f.images = append(f.images, r.Form.Get("body"))
		w.Write([]byte(`{"status":1,"request":"4242"}`))
	case "/res.php":
		if r.Form.Get("id") != "4242" {
			w.Write([]byte("ERROR_WRONG_CAPTCHA_ID"))
			return
		}
		action := r.Form.Get("action")
		if action == "get" {
			res := f.responses[f.polls]
			f.polls++
			w.Write([]byte(res))
			return
		}
		f.reports = append(f.reports, action)
		w.Write([]byte("OK_REPORT_RECORDED"))
	}
}

func newTestSolver(t *testing.T, service *fakeService) *Solver {
	server := httptest.NewServer(service)
	t.Cleanup(server.Close)
	return NewSolver(Config{
		BaseUrl:      server.URL,
		ApiKey:       "secret",
		PollInterval: time.Millisecond,
		MaxPolls:     3,
	}, telemetry.NewRecorder())
}

func TestSolve(t *testing.T) {
	service := &fakeService{responses: []string{"CAPCHA_NOT_READY", "OK|ab&amp;3x"}}
	solver := newTestSolver(t, service)

	challenge, err := solver.Solve(context.Background(), []byte("png"))
	require.NoError(t, err)
	require.Equal(t, "AB&3X", challenge.Text())
	require.Equal(t, 2, service.polls)
	require.Equal(t, []string{base64.StdEncoding.EncodeToString([]byte("png"))}, service.images)
}

func TestSolveUnsolvableStopsPolling(t *testing.T) {
	service := &fakeService{responses: []string{"ERROR_CAPTCHA_UNSOLVABLE", "OK|late"}}
	solver := newTestSolver(t, service)

	_, err := solver.Solve(context.Background(), []byte("png"))
	require.Equal(t, invoice.CAPTCHA_UNSOLVABLE, invoice.CodeOf(err))
	require.Equal(t, 1, service.polls)
}

func TestSolvePollBudget(t *testing.T) {
	service := &fakeService{responses: []string{"CAPCHA_NOT_READY", "CAPCHA_NOT_READY", "CAPCHA_NOT_READY", "OK|never"}}
	solver := newTestSolver(t, service)

	_, err := solver.Solve(context.Background(), []byte("png"))
	require.Equal(t, invoice.RETRY_EXCEEDED, invoice.CodeOf(err))
	require.Equal(t, 3, service.polls)
}

func TestSolveCanceled(t *testing.T) {
	service := &fakeService{responses: []string{"OK|abc"}}
	solver := newTestSolver(t, service)
	solver.config.PollInterval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := solver.Solve(ctx, []byte("png"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, service.polls)
}

func TestReportAtMostOnce(t *testing.T) {
	service := &fakeService{responses: []string{"OK|abc"}}
	solver := newTestSolver(t, service)

	challenge, err := solver.Solve(context.Background(), []byte("png"))
	require.NoError(t, err)

	challenge.Report(context.Background(), false)
	challenge.Report(context.Background(), true)
	challenge.Report(context.Background(), false)
	require.Equal(t, []string{"reportbad"}, service.reports)
}
