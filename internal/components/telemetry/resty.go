package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	report_resty_request  = "resty.request"
	report_resty_response = "resty.response"
	report_resty_dump     = "resty.dump"
)

type instrumentResty struct {
	tel       API
	idcounter *uint64
	dumpDir   string
}

type RestyOption func(i *instrumentResty)

// WithMessageDump writes every complete HTTP exchange into `dir`, one file per request id.
// This is meant for debugging portal layouts locally and should not be enabled in production.
func WithMessageDump(dir string) RestyOption {
	return func(i *instrumentResty) {
		i.dumpDir = dir
	}
}

func InstrumentResty(client *resty.Client, tel API, options ...RestyOption) {
	var idcounter uint64
	i := instrumentResty{tel: tel, idcounter: &idcounter}
	for _, opt := range options {
		opt(&i)
	}
	if i.dumpDir != "" {
		err := os.MkdirAll(i.dumpDir, 0777)
		if err != nil {
			tel.ReportWarning(report_resty_dump, fmt.Errorf("create dump dir: %w", err), i.dumpDir)
			i.dumpDir = ""
		}
	}

	client.OnBeforeRequest(i.onBeforeRequest)
	client.OnAfterResponse(i.onAfterResponse)
	client.OnError(i.onError)
}

type reqCtxKeyType int

var reqCtxKey reqCtxKeyType

type reqCtx struct {
	id uint64
	// startTime does not need to rely on chrono because it does not depend on the
	// absolute time, just the difference in time.
	startTime time.Time
}

func (i instrumentResty) onBeforeRequest(_ *resty.Client, req *resty.Request) error {
	start := time.Now()
	ctx := req.Context()

	id := atomic.AddUint64(i.idcounter, 1)
	ctx = context.WithValue(ctx, reqCtxKey, reqCtx{
		id:        id,
		startTime: start,
	})
	i.tel.ReportDebug(report_resty_request, id, req.Method, req.URL)

	req.SetContext(ctx)
	return nil
}

func (i instrumentResty) onAfterResponse(_ *resty.Client, res *resty.Response) error {
	end := time.Now()
	ctx := res.Request.Context()

	// a middleware registered before this one may have rejected the request
	// in which case there is no request context.
	rc, _ := ctx.Value(reqCtxKey).(reqCtx)
	duration := end.Sub(rc.startTime)

	i.tel.ReportDebug(
		report_resty_response,
		rc.id,
		duration.String(),
		res.Status(),
	)

	if i.dumpDir != "" {
		i.dump(rc.id, formatHttpMessage(res))
	}

	return nil
}

func (i instrumentResty) onError(req *resty.Request, err error) {
	end := time.Now()
	ctx := req.Context()

	rc, _ := ctx.Value(reqCtxKey).(reqCtx)
	duration := end.Sub(rc.startTime)

	i.tel.ReportWarning(
		report_resty_response,
		err,
		req.Method,
		req.URL,
		duration,
	)

	if i.dumpDir != "" && req.RawRequest != nil {
		i.dump(rc.id, formatHttpRequest(req))
	}
}

func (i instrumentResty) dump(id uint64, contents string) {
	path := filepath.Join(i.dumpDir, strconv.FormatUint(id, 10))
	err := os.WriteFile(path, []byte(contents), 0600)
	if err != nil {
		i.tel.ReportWarning(report_resty_dump, fmt.Errorf("write message: %w", err), path)
	}
}

func formatHeaders(headers http.Header) string {
	var out strings.Builder
	for k, vals := range headers {
		for _, v := range vals {
			out.WriteString(fmt.Sprintf("%s: %s\n", k, v))
		}
	}
	return strings.TrimSuffix(out.String(), "\n")
}

func formatRequestBody(req *http.Request) string {
	if req.GetBody == nil {
		return "<NO BODY AVAILABLE>"
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Sprintf("failed to get request body: %s", err.Error())
	}
	if body == nil {
		return "<NO BODY AVAILABLE>"
	}
	readBody, err := io.ReadAll(body)
	if err != nil {
		return fmt.Sprintf("failed to read request body: %s", err.Error())
	}
	return string(readBody)
}

// 1: request method
// 2: request url
// 3: request headers in ("Key: Value" format)
// 4: request body
// 5: response status
// 6: response url
// 7: response headers in ("Key: Value" format)
// 8: response body
const messageInfoTemplate = `---- REQUEST ----

%s %s

%s

%s

---- RESPONSE ----

%s %s

%s

%s`

func formatHttpMessage(res *resty.Response) string {
	if res.Request.RawRequest == nil || res.RawResponse == nil {
		return fmt.Sprintf("%s %s -> %s", res.Request.Method, res.Request.URL, res.Status())
	}

	requestHeaders := formatHeaders(res.Request.RawRequest.Header)
	responseHeaders := formatHeaders(res.Header())

	responseUrl := res.Request.URL
	redirected, err := res.RawResponse.Location()
	if err == nil {
		responseUrl = redirected.String()
	}

	return fmt.Sprintf(
		messageInfoTemplate,

		res.Request.Method, res.Request.URL,
		requestHeaders,
		formatRequestBody(res.Request.RawRequest),

		strconv.Itoa(res.StatusCode()), responseUrl,
		responseHeaders,
		res.String(),
	)
}

// 1: request method
// 2: request url
// 3: request headers in ("Key: Value" format)
// 4: request body
const requestInfoTemplate = `---- REQUEST ----

%s %s

%s

%s`

func formatHttpRequest(req *resty.Request) string {
	return fmt.Sprintf(
		requestInfoTemplate,
		req.Method,
		req.URL,
		formatHeaders(req.Header),
		formatRequestBody(req.RawRequest),
	)
}
