package telemetry

import (
	"fmt"
)

// API is where components send their logs and counters. Tests swap in a
// Recorder to assert that a failure was actually reported.
//
// Ids name the component that misbehaved, not the line that did, e.g.
// "client.locate" for a failed invoice lookup in the indigo scraper.
// Details go into params or a wrapped error. Ids are lowercase, dotted
// between a component and its step, and rely on ScopedAPI for the package.
type API interface {
	// ReportBroken is for failures someone has to fix.
	ReportBroken(id string, params ...any)
	// ReportWarning is for failures that are expected now and then
	// (a portal timing out, a captcha rejected) but worth looking at in bulk.
	ReportWarning(id string, params ...any)
	// ReportDebug is dropped unless debug logging is on.
	ReportDebug(msg string, params ...any)
	// ReportCount records the current value of a gauge, not an increment.
	ReportCount(id string, count int64)
}

// ScopedAPI prefixes every id with a namespace, usually the package name.
type ScopedAPI struct {
	namespace string
	inner     API
}

func NewScopedAPI(namespace string, inner API) ScopedAPI {
	return ScopedAPI{namespace: namespace, inner: inner}
}

func (s ScopedAPI) scoped(id string) string {
	return fmt.Sprintf("%s: %s", s.namespace, id)
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(s.scoped(id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(s.scoped(id), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(s.scoped(msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(s.scoped(id), count)
}
