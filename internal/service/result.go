package service

import (
	"gstinvoice-backend/internal/invoice"
)

// FILE_SAVED is the message of every successful run.
const FILE_SAVED = "FILE_SAVED"

// Failure describes why a single identity did not produce any invoice.
type Failure struct {
	Identity string       `json:"identity"`
	Attempts int          `json:"attempts"`
	Code     invoice.Code `json:"code"`
	Detail   string       `json:"detail"`
}

type Data struct {
	RunId     string    `json:"run_id"`
	Vendor    string    `json:"vendor"`
	Artifacts []string  `json:"artifacts"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Result is the envelope returned for every run, successful or not.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    Data   `json:"data"`
}

func newFailure(identity invoice.Identity, attempts int, err error) Failure {
	return Failure{
		Identity: string(identity),
		Attempts: attempts,
		Code:     invoice.CodeOf(err),
		Detail:   err.Error(),
	}
}

func successResult(runId, vendor string, artifacts []string, failures []Failure) Result {
	return Result{
		Success: true,
		Message: FILE_SAVED,
		Data: Data{
			RunId:     runId,
			Vendor:    vendor,
			Artifacts: artifacts,
			Failures:  failures,
		},
	}
}

func failureResult(runId, vendor string, code invoice.Code, failures []Failure) Result {
	return Result{
		Success: false,
		Message: string(code),
		Data: Data{
			RunId:     runId,
			Vendor:    vendor,
			Artifacts: []string{},
			Failures:  failures,
		},
	}
}
