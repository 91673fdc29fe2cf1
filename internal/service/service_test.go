package service

import (
	"context"
	"errors"
	"fmt"
	"gstinvoice-backend/internal/components/chrono"
	"gstinvoice-backend/internal/components/notify"
	"gstinvoice-backend/internal/components/storage"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/db"
	"gstinvoice-backend/internal/invoice"
	"gstinvoice-backend/pkg/configutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type outcome func(job invoice.Job) ([]invoice.Document, error)

func succeed(candidates ...string) outcome {
	return func(job invoice.Job) ([]invoice.Document, error) {
		var docs []invoice.Document
		for _, c := range candidates {
			docs = append(docs, invoice.Document{
				Candidate: c,
				Filename:  c + "-rendered",
				Content:   []byte("<html>" + c + "</html>"),
			})
		}
		return docs, nil
	}
}

func fail(code invoice.Code) outcome {
	return func(job invoice.Job) ([]invoice.Document, error) {
		return nil, invoice.New(code, "scripted failure for %s", job.Identity)
	}
}

// fakeVendor replays a scripted outcome for every (identity, attempt) pair,
// attempts beyond the script repeat its last outcome.
type fakeVendor struct {
	name        string
	maxAttempts int
	script      map[invoice.Identity][]outcome

	mutex sync.Mutex
	calls []invoice.Job
}

func (v *fakeVendor) Name() string {
	return v.name
}

func (v *fakeVendor) MaxAttempts() int {
	return v.maxAttempts
}

func (v *fakeVendor) Retrieve(ctx context.Context, job invoice.Job) ([]invoice.Document, error) {
	v.mutex.Lock()
	v.calls = append(v.calls, job)
	v.mutex.Unlock()

	outcomes := v.script[job.Identity]
	if len(outcomes) == 0 {
		return nil, invoice.New(invoice.PORTAL_ISSUE, "no script for %q", job.Identity)
	}
	idx := min(job.Attempt, len(outcomes)) - 1
	return outcomes[idx](job)
}

func (v *fakeVendor) identitiesCalled() []invoice.Identity {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	var out []invoice.Identity
	for _, c := range v.calls {
		out = append(out, c.Identity)
	}
	return out
}

type memoryStorage struct {
	mutex sync.Mutex
	files map[string][]byte
	err   error
}

func (m *memoryStorage) Save(ctx context.Context, content []byte, filename, vendor string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	m.files[vendor+"/"+filename] = content
	return filename, nil
}

type notifyRecorder struct {
	mutex    sync.Mutex
	failures []notify.Failure
}

func (n *notifyRecorder) NotifyFailure(ctx context.Context, failure notify.Failure) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.failures = append(n.failures, failure)
	return nil
}

type harness struct {
	svc      Service
	store    *memoryStorage
	notifier *notifyRecorder
	tel      *telemetry.Recorder
}

func newHarness(t *testing.T, store storage.API, options ...Option) harness {
	t.Helper()

	sqlDB, err := configutil.Libsql{File: ":memory:"}.OpenDB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(context.Background(), sqlDB))

	mem, _ := store.(*memoryStorage)
	if store == nil {
		mem = &memoryStorage{}
		store = mem
	}

	h := harness{
		store:    mem,
		notifier: &notifyRecorder{},
		tel:      telemetry.NewRecorder(),
	}

	runIds := 0
	options = append([]Option{
		WithNotifier(h.notifier),
		WithCustomTelemetryAPI(h.tel),
		WithClock(chrono.FixedImpl{Time: time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)}),
		WithIdentityCooldown(0),
		withRunIds(func() string {
			runIds++
			return fmt.Sprintf("run-%d", runIds)
		}),
	}, options...)

	svc, err := NewService(store, db.New(sqlDB), db.NewMakeTx(sqlDB), options...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func TestFallbackToNextIdentity(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"a@x.com": {fail(invoice.INVALID_DATA)},
			"b@x.com": {succeed("INV100")},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{
		Vendor:     "x",
		Pnr:        "abc123",
		Identities: []string{"a@x.com", "b@x.com"},
	})

	require.True(t, result.Success)
	require.Equal(t, FILE_SAVED, result.Message)
	require.Equal(t, "x", result.Data.Vendor)
	require.Equal(t, []string{"INV100-rendered"}, result.Data.Artifacts)
	require.Len(t, result.Data.Failures, 1)
	require.Equal(t, invoice.INVALID_DATA, result.Data.Failures[0].Code)
	require.Equal(t, "a@x.com", result.Data.Failures[0].Identity)
	require.Equal(t, []byte("<html>INV100</html>"), h.store.files["x/INV100-rendered"])
	require.Empty(t, h.notifier.failures)

	record, err := h.svc.Run(context.Background(), result.Data.RunId)
	require.NoError(t, err)
	require.Equal(t, string(db.RUN_SUCCESS), record.State)
	require.Equal(t, "ABC123", record.Pnr)
	require.Equal(t, []string{"INV100-rendered"}, record.Artifacts)
	require.Len(t, record.Attempts, 1)
	require.Equal(t, "a@x.com", record.Attempts[0].Identity)
	require.Equal(t, string(invoice.INVALID_DATA), record.Attempts[0].Code)
}

func TestShortCircuitOnFirstSuccess(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"a@x.com": {succeed("INV1", "INV2")},
			"b@x.com": {succeed("INV3")},
			"c@x.com": {succeed("INV4")},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{
		Vendor:     "X",
		Pnr:        "ABC123",
		Identities: []string{"a@x.com", "b@x.com", "c@x.com"},
	})

	require.True(t, result.Success)
	require.Equal(t, []string{"INV1-rendered", "INV2-rendered"}, result.Data.Artifacts)
	require.Equal(t, []invoice.Identity{"a@x.com"}, vendor.identitiesCalled())
}

func TestNoIdentitiesRunsOnce(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"": {succeed("INV1")},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{
		Vendor:     "x",
		Pnr:        "ABC123",
		Identities: []string{"", "   "},
	})

	require.True(t, result.Success)
	require.Equal(t, []invoice.Identity{""}, vendor.identitiesCalled())
}

func TestStopOnBlock(t *testing.T) {
	newVendor := func() *fakeVendor {
		return &fakeVendor{
			name:        "x",
			maxAttempts: 3,
			script: map[invoice.Identity][]outcome{
				"a@x.com": {fail(invoice.IP_BLOCKED)},
				"b@x.com": {succeed("INV100")},
			},
		}
	}
	req := Request{
		Vendor:     "x",
		Pnr:        "ABC123",
		Identities: []string{"a@x.com", "b@x.com"},
	}

	t.Run("abort by default", func(t *testing.T) {
		vendor := newVendor()
		h := newHarness(t, nil, WithVendor(vendor))

		result := h.svc.Retrieve(context.Background(), req)
		require.False(t, result.Success)
		require.Equal(t, string(invoice.IP_BLOCKED), result.Message)
		require.Empty(t, result.Data.Artifacts)
		// blocked is terminal, the attempt loop does not repeat it either
		require.Equal(t, []invoice.Identity{"a@x.com"}, vendor.identitiesCalled())
		require.Len(t, h.notifier.failures, 1)
		require.Equal(t, string(invoice.IP_BLOCKED), h.notifier.failures[0].Code)
	})

	t.Run("continue when enabled", func(t *testing.T) {
		vendor := newVendor()
		h := newHarness(t, nil, WithVendor(vendor), WithContinueOnBlock(true))

		result := h.svc.Retrieve(context.Background(), req)
		require.True(t, result.Success)
		require.Equal(t, []string{"INV100-rendered"}, result.Data.Artifacts)
		require.Equal(t, []invoice.Identity{"a@x.com", "b@x.com"}, vendor.identitiesCalled())
	})
}

func TestLastFailureIsReported(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"a@x.com": {fail(invoice.FAILED_TO_INIT_SESSION)},
			"b@x.com": {fail(invoice.FAILED_TO_INIT_SESSION)},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{
		Vendor:     "x",
		Pnr:        "ABC123",
		Identities: []string{"a@x.com", "b@x.com"},
	})

	require.False(t, result.Success)
	require.Equal(t, string(invoice.FAILED_TO_INIT_SESSION), result.Message)
	require.Equal(t, []string{}, result.Data.Artifacts)
	require.Len(t, result.Data.Failures, 2)
	require.Equal(t, "b@x.com", result.Data.Failures[1].Identity)

	require.Len(t, h.notifier.failures, 1)
	require.Equal(t, "ABC123", h.notifier.failures[0].Pnr)
	require.Equal(t, 2, h.notifier.failures[0].Attempts)

	record, err := h.svc.LatestRun(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, string(db.RUN_FAILED), record.State)
	require.Equal(t, string(invoice.FAILED_TO_INIT_SESSION), record.Message)
	require.Len(t, record.Attempts, 2)
}

func TestInvalidDataIsNotNotified(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 3,
		script: map[invoice.Identity][]outcome{
			"a@x.com": {fail(invoice.INVALID_DATA)},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{
		Vendor:     "x",
		Pnr:        "ABC123",
		Identities: []string{"a@x.com"},
	})

	require.Equal(t, string(invoice.INVALID_DATA), result.Message)
	require.Len(t, vendor.calls, 1)
	require.Empty(t, h.notifier.failures)
}

func TestAttemptLoopRecovers(t *testing.T) {
	vendor := &fakeVendor{
		name:        "browser",
		maxAttempts: 3,
		script: map[invoice.Identity][]outcome{
			"": {
				fail(invoice.CAPTCHA_UNSOLVABLE),
				fail(invoice.PORTAL_ISSUE),
				succeed("PNR1"),
			},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{Vendor: "browser", Pnr: "ABC123"})
	require.True(t, result.Success)
	require.Len(t, vendor.calls, 3)
	for i, call := range vendor.calls {
		require.Equal(t, i+1, call.Attempt)
		require.Equal(t, "run-1", call.RunId)
	}

	record, err := h.svc.Run(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, record.Attempts, 2)
	require.Equal(t, string(invoice.CAPTCHA_UNSOLVABLE), record.Attempts[0].Code)
	require.EqualValues(t, 2, record.Attempts[1].Attempt)
}

func TestAttemptLoopIsBounded(t *testing.T) {
	vendor := &fakeVendor{
		name:        "browser",
		maxAttempts: 3,
		script: map[invoice.Identity][]outcome{
			"": {fail(invoice.CAPTCHA_UNSOLVABLE)},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{Vendor: "browser", Pnr: "ABC123"})
	require.False(t, result.Success)
	require.Equal(t, string(invoice.CAPTCHA_UNSOLVABLE), result.Message)
	require.Len(t, vendor.calls, 3)
	require.Equal(t, 3, result.Data.Failures[0].Attempts)
}

func TestPanicIsContained(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"a@x.com": {func(invoice.Job) ([]invoice.Document, error) {
				panic("selector returned nil")
			}},
			"b@x.com": {succeed("INV1")},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{
		Vendor:     "x",
		Pnr:        "ABC123",
		Identities: []string{"a@x.com", "b@x.com"},
	})
	require.True(t, result.Success)
	require.Equal(t, invoice.PORTAL_ISSUE, result.Data.Failures[0].Code)
	require.Contains(t, result.Data.Failures[0].Detail, "selector returned nil")
	require.True(t, h.tel.HasBroken(report_vendor_panic))
}

func TestEmptyDocumentsIsFailure(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"": {succeed()},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{Vendor: "x", Pnr: "ABC123"})
	require.False(t, result.Success)
	require.Equal(t, string(invoice.PORTAL_ISSUE), result.Message)
}

func TestStorageFailure(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"a@x.com": {succeed("INV1")},
			"b@x.com": {succeed("INV1")},
		},
	}
	store := &memoryStorage{err: errors.New("disk full")}
	h := newHarness(t, store, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{
		Vendor:     "x",
		Pnr:        "ABC123",
		Identities: []string{"a@x.com", "b@x.com"},
	})
	require.False(t, result.Success)
	require.Equal(t, string(invoice.PORTAL_ISSUE), result.Message)
	require.Contains(t, result.Data.Failures[0].Detail, "disk full")
	require.Equal(t, []invoice.Identity{"a@x.com"}, vendor.identitiesCalled())
}

func TestFilesystemStorage(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"": {succeed("INV1")},
		},
	}
	root := t.TempDir()
	fs, err := storage.NewFilesystem(root, telemetry.NewRecorder())
	require.NoError(t, err)
	h := newHarness(t, fs, WithVendor(vendor))

	result := h.svc.Retrieve(context.Background(), Request{Vendor: "x", Pnr: "ABC123"})
	require.True(t, result.Success)
	require.Len(t, result.Data.Artifacts, 1)

	content, err := os.ReadFile(filepath.Join(root, "x", "INV1-rendered"))
	require.NoError(t, err)
	require.Equal(t, "<html>INV1</html>", string(content))
}

func TestUnknownVendor(t *testing.T) {
	h := newHarness(t, nil)

	result := h.svc.Retrieve(context.Background(), Request{Vendor: "nope", Pnr: "ABC123"})
	require.False(t, result.Success)
	require.Equal(t, string(invoice.INVALID_DATA), result.Message)
	require.Equal(t, []string{}, result.Data.Artifacts)
}

func TestCanceledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 3,
		script: map[invoice.Identity][]outcome{
			"a@x.com": {func(invoice.Job) ([]invoice.Document, error) {
				cancel()
				return nil, invoice.Wrap(invoice.FAILED_TO_INIT_SESSION, context.Canceled)
			}},
			"b@x.com": {succeed("INV1")},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))

	result := h.svc.Retrieve(ctx, Request{
		Vendor:     "x",
		Pnr:        "ABC123",
		Identities: []string{"a@x.com", "b@x.com"},
	})
	require.False(t, result.Success)
	require.Equal(t, string(invoice.PORTAL_ISSUE), result.Message)
	require.Len(t, vendor.calls, 1)

	record, err := h.svc.Run(context.Background(), result.Data.RunId)
	require.NoError(t, err)
	require.Equal(t, string(db.RUN_FAILED), record.State)
	require.Len(t, record.Attempts, 1)
	require.Equal(t, "a@x.com", record.Attempts[0].Identity)
	require.Equal(t, string(invoice.FAILED_TO_INIT_SESSION), record.Attempts[0].Code)
	require.False(t, h.tel.HasBroken(report_db_query))
}

func TestIdentityCooldown(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"a@x.com": {fail(invoice.PORTAL_ISSUE)},
			"b@x.com": {fail(invoice.PORTAL_ISSUE)},
			"c@x.com": {succeed("INV1")},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor), WithIdentityCooldown(50*time.Millisecond))

	start := time.Now()
	result := h.svc.Retrieve(context.Background(), Request{
		Vendor:     "x",
		Pnr:        "ABC123",
		Identities: []string{"a@x.com", "b@x.com", "c@x.com"},
	})
	require.True(t, result.Success)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestIdentityCooldownUnderDeadline(t *testing.T) {
	newVendor := func() *fakeVendor {
		return &fakeVendor{
			name:        "x",
			maxAttempts: 1,
			script: map[invoice.Identity][]outcome{
				"a@x.com": {fail(invoice.FAILED_TO_INIT_SESSION)},
				"b@x.com": {succeed("INV1")},
			},
		}
	}
	req := Request{
		Vendor:     "x",
		Pnr:        "ABC123",
		Identities: []string{"a@x.com", "b@x.com"},
	}

	t.Run("cooldown fits in the deadline", func(t *testing.T) {
		vendor := newVendor()
		h := newHarness(t, nil, WithVendor(vendor), WithIdentityCooldown(20*time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		result := h.svc.Retrieve(ctx, req)
		require.True(t, result.Success)
		require.Equal(t, []invoice.Identity{"a@x.com", "b@x.com"}, vendor.identitiesCalled())
	})

	t.Run("deadline ends the cooldown", func(t *testing.T) {
		vendor := newVendor()
		h := newHarness(t, nil, WithVendor(vendor), WithIdentityCooldown(10*time.Second))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		result := h.svc.Retrieve(ctx, req)
		require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
		require.False(t, result.Success)
		require.Equal(t, string(invoice.FAILED_TO_INIT_SESSION), result.Message)
		require.Equal(t, []invoice.Identity{"a@x.com"}, vendor.identitiesCalled())
	})
}

func TestDuplicateVendor(t *testing.T) {
	sqlDB, err := configutil.Libsql{File: ":memory:"}.OpenDB()
	require.NoError(t, err)
	defer sqlDB.Close()

	_, err = NewService(
		&memoryStorage{},
		db.New(sqlDB),
		db.NewMakeTx(sqlDB),
		WithVendor(&fakeVendor{name: "x"}),
		WithVendor(&fakeVendor{name: "X"}),
	)
	require.Error(t, err)
}

func TestRunNotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Run(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = h.svc.LatestRun(context.Background(), "ABC123")
	require.ErrorIs(t, err, ErrRunNotFound)
}
