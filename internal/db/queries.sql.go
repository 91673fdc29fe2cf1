package db

import (
	"context"
)

const createRun = `
insert into run (id, vendor, pnr, invoice_number, state, created_at, updated_at)
values (?, ?, ?, ?, ?, ?, ?)
`

type CreateRunParams struct {
	ID            string
	Vendor        string
	Pnr           string
	InvoiceNumber string
	State         string
	CreatedAt     int64
}

func (q *Queries) CreateRun(ctx context.Context, arg CreateRunParams) error {
	_, err := q.db.ExecContext(ctx, createRun,
		arg.ID,
		arg.Vendor,
		arg.Pnr,
		arg.InvoiceNumber,
		arg.State,
		arg.CreatedAt,
		arg.CreatedAt,
	)
	return err
}

const finishRun = `
update run set state = ?, message = ?, artifacts = ?, updated_at = ?
where id = ?
`

type FinishRunParams struct {
	State     string
	Message   string
	Artifacts string
	UpdatedAt int64
	ID        string
}

func (q *Queries) FinishRun(ctx context.Context, arg FinishRunParams) error {
	_, err := q.db.ExecContext(ctx, finishRun,
		arg.State,
		arg.Message,
		arg.Artifacts,
		arg.UpdatedAt,
		arg.ID,
	)
	return err
}

const createAttempt = `
insert into attempt (run_id, identity, attempt, code, detail, created_at)
values (?, ?, ?, ?, ?, ?)
`

type CreateAttemptParams struct {
	RunID     string
	Identity  string
	Attempt   int64
	Code      string
	Detail    string
	CreatedAt int64
}

func (q *Queries) CreateAttempt(ctx context.Context, arg CreateAttemptParams) error {
	_, err := q.db.ExecContext(ctx, createAttempt,
		arg.RunID,
		arg.Identity,
		arg.Attempt,
		arg.Code,
		arg.Detail,
		arg.CreatedAt,
	)
	return err
}

const getRun = `
select id, vendor, pnr, invoice_number, state, message, artifacts, created_at, updated_at
from run where id = ?
`

func (q *Queries) GetRun(ctx context.Context, id string) (Run, error) {
	row := q.db.QueryRowContext(ctx, getRun, id)
	var i Run
	err := row.Scan(
		&i.ID,
		&i.Vendor,
		&i.Pnr,
		&i.InvoiceNumber,
		&i.State,
		&i.Message,
		&i.Artifacts,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getLatestRunForPnr = `
select id, vendor, pnr, invoice_number, state, message, artifacts, created_at, updated_at
from run where pnr = ?
order by created_at desc, rowid desc
limit 1
`

func (q *Queries) GetLatestRunForPnr(ctx context.Context, pnr string) (Run, error) {
	row := q.db.QueryRowContext(ctx, getLatestRunForPnr, pnr)
	var i Run
	err := row.Scan(
		&i.ID,
		&i.Vendor,
		&i.Pnr,
		&i.InvoiceNumber,
		&i.State,
		&i.Message,
		&i.Artifacts,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getAttempts = `
select run_id, identity, attempt, code, detail, created_at
from attempt where run_id = ?
order by rowid asc
`

func (q *Queries) GetAttempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := q.db.QueryContext(ctx, getAttempts, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Attempt
	for rows.Next() {
		var i Attempt
		if err := rows.Scan(
			&i.RunID,
			&i.Identity,
			&i.Attempt,
			&i.Code,
			&i.Detail,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
