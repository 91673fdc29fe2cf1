package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const (
	report_http_encode = "http.encode"
	report_http_lookup = "http.lookup"
)

var errUnauthorized = errors.New("unauthorized")

type authorizer = func(ctx context.Context, header string) (context.Context, error)

// bearerAuthorizer accepts requests carrying "Bearer <token>", an empty token
// disables authentication.
func bearerAuthorizer(token string) authorizer {
	return func(ctx context.Context, header string) (context.Context, error) {
		if token == "" {
			return ctx, nil
		}
		given, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			return nil, errUnauthorized
		}
		return ctx, nil
	}
}

func withAuth(authorize authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := authorize(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type retrieveBody struct {
	Pnr           string   `json:"pnr"`
	InvoiceNumber string   `json:"invoice_number"`
	Date          string   `json:"date"`
	Identities    []string `json:"identities"`
	ProxyPort     string   `json:"proxy_port"`
}

// Handler exposes the service over HTTP:
//
//	POST /v1/invoices/{vendor}  runs a retrieval and responds with its Result
//	GET  /v1/runs/{id}          stored history of a run
//	GET  /v1/runs?pnr=          latest run for a PNR
//	GET  /healthz
func (s Service) Handler(token string) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/invoices/{vendor}", s.handleRetrieve)
	api.HandleFunc("GET /v1/runs/{id}", s.handleRun)
	api.HandleFunc("GET /v1/runs", s.handleLatestRun)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"vendors": s.Vendors(),
		})
	})
	mux.Handle("/", withAuth(bearerAuthorizer(token), api))
	return mux
}

func (s Service) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var body retrieveBody
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body)
	if err != nil {
		http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result := s.Retrieve(r.Context(), Request{
		Vendor:        r.PathValue("vendor"),
		Pnr:           body.Pnr,
		InvoiceNumber: body.InvoiceNumber,
		Date:          body.Date,
		Identities:    body.Identities,
		ProxyPort:     body.ProxyPort,
	})
	s.writeJSON(w, http.StatusOK, result)
}

func (s Service) handleRun(w http.ResponseWriter, r *http.Request) {
	record, err := s.Run(r.Context(), r.PathValue("id"))
	s.writeRecord(w, record, err)
}

func (s Service) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	pnr := r.URL.Query().Get("pnr")
	if pnr == "" {
		http.Error(w, "pnr is required", http.StatusBadRequest)
		return
	}
	record, err := s.LatestRun(r.Context(), pnr)
	s.writeRecord(w, record, err)
}

func (s Service) writeRecord(w http.ResponseWriter, record RunRecord, err error) {
	if errors.Is(err, ErrRunNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.tel.ReportBroken(report_http_lookup, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s Service) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(value)
	if err != nil {
		s.tel.ReportWarning(report_http_encode, err)
	}
}
