package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"gstinvoice-backend/internal/db"
	"gstinvoice-backend/internal/invoice"
)

var ErrRunNotFound = errors.New("run not found")

func (s Service) recordStart(ctx context.Context, runId, vendor string, key invoice.Key) {
	err := s.db.CreateRun(ctx, db.CreateRunParams{
		ID:            runId,
		Vendor:        vendor,
		Pnr:           key.Pnr,
		InvoiceNumber: key.InvoiceNumber,
		State:         string(db.RUN_PENDING),
		CreatedAt:     s.clock.Now().Unix(),
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, fmt.Errorf("create run: %w", err), runId)
	}
}

func (s Service) recordAttempt(ctx context.Context, job invoice.Job, code invoice.Code, cause error) {
	// attempts that failed because the run was canceled are still history
	err := s.db.CreateAttempt(context.WithoutCancel(ctx), db.CreateAttemptParams{
		RunID:     job.RunId,
		Identity:  string(job.Identity),
		Attempt:   int64(job.Attempt),
		Code:      string(code),
		Detail:    cause.Error(),
		CreatedAt: s.clock.Now().Unix(),
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, fmt.Errorf("create attempt: %w", err), job.RunId)
	}
}

func (s Service) recordFinish(ctx context.Context, runId string, result Result) {
	// the caller may have gone away, the outcome should still be written
	ctx = context.WithoutCancel(ctx)

	state := db.RUN_FAILED
	if result.Success {
		state = db.RUN_SUCCESS
	}
	artifacts, err := json.Marshal(result.Data.Artifacts)
	if err != nil {
		s.tel.ReportBroken(report_db_query, fmt.Errorf("encode artifacts: %w", err), runId)
		return
	}

	err = s.db.FinishRun(ctx, db.FinishRunParams{
		State:     string(state),
		Message:   result.Message,
		Artifacts: string(artifacts),
		UpdatedAt: s.clock.Now().Unix(),
		ID:        runId,
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, fmt.Errorf("finish run: %w", err), runId)
	}
}

type AttemptRecord struct {
	Identity string `json:"identity"`
	Attempt  int64  `json:"attempt"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
	At       int64  `json:"at"`
}

// RunRecord is the stored history of a run.
type RunRecord struct {
	Id            string          `json:"id"`
	Vendor        string          `json:"vendor"`
	Pnr           string          `json:"pnr"`
	InvoiceNumber string          `json:"invoice_number"`
	State         string          `json:"state"`
	Message       string          `json:"message"`
	Artifacts     []string        `json:"artifacts"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
	Attempts      []AttemptRecord `json:"attempts"`
}

// Run reads a run and all of its failed attempts.
func (s Service) Run(ctx context.Context, runId string) (RunRecord, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		return RunRecord{}, err
	}
	defer discard()

	run, err := tx.GetRun(ctx, runId)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	attempts, err := tx.GetAttempts(ctx, runId)
	if err != nil {
		return RunRecord{}, err
	}
	err = commit()
	if err != nil {
		return RunRecord{}, err
	}

	return newRunRecord(run, attempts)
}

// LatestRun reads the most recent run for a PNR.
func (s Service) LatestRun(ctx context.Context, pnr string) (RunRecord, error) {
	key := invoice.NewKey(pnr, "", "")
	run, err := s.db.GetLatestRunForPnr(ctx, key.Pnr)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	return s.Run(ctx, run.ID)
}

func newRunRecord(run db.Run, attempts []db.Attempt) (RunRecord, error) {
	record := RunRecord{
		Id:            run.ID,
		Vendor:        run.Vendor,
		Pnr:           run.Pnr,
		InvoiceNumber: run.InvoiceNumber,
		State:         run.State,
		Message:       run.Message,
		Artifacts:     []string{},
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
		Attempts:      []AttemptRecord{},
	}
	if run.Artifacts != "" {
		err := json.Unmarshal([]byte(run.Artifacts), &record.Artifacts)
		if err != nil {
			return RunRecord{}, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	for _, a := range attempts {
		record.Attempts = append(record.Attempts, AttemptRecord{
			Identity: a.Identity,
			Attempt:  a.Attempt,
			Code:     a.Code,
			Detail:   a.Detail,
			At:       a.CreatedAt,
		})
	}
	return record, nil
}
