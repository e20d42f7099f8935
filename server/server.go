// Package server exposes a ledgerdb instance over HTTP: JSON endpoints for
// every ledger operation, Prometheus metrics, and an optional autosave loop.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rickcollette/ledgerdb"
	"github.com/rickcollette/ledgerdb/btree"
	"github.com/rickcollette/ledgerdb/ofx"
	"github.com/rickcollette/ledgerdb/record"
)

// Server routes HTTP requests to a ledger.
type Server struct {
	ledger *ledgerdb.Ledger
	log    zerolog.Logger
	router chi.Router
}

// New builds a server over l.
func New(l *ledgerdb.Ledger, log zerolog.Logger) *Server {
	s := &Server{ledger: l, log: log}
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Post("/records", s.handleInsert)
	r.Put("/records", s.handleUpdate)
	r.Delete("/records", s.handleDelete)
	r.Post("/records/delete-range", s.handleDeleteRange)
	r.Post("/adjust-key", s.handleAdjustKey)
	r.Post("/save", s.handleSave)
	r.Post("/load", s.handleLoad)

	r.Get("/accounts/{account}/records", s.handleList)
	r.Get("/accounts/{account}/record", s.handleRead)
	r.Get("/accounts/{account}/contains", s.handleContains)
	r.Get("/accounts/{account}/count", s.handleCount)
	r.Get("/accounts/{account}/balance", s.handleBalance)
	r.Post("/accounts/{account}/import", s.handleImport)

	r.Get("/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

// RunAutosave saves the ledger every interval until ctx is done. Transient
// storage faults are retried with capped exponential backoff; the on-disk
// state stays indeterminate only until the next successful save.
func (s *Server) RunAutosave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
			err := backoff.Retry(func() error { return s.ledger.Save() }, policy)
			if err != nil {
				s.log.Error().Err(err).Msg("autosave failed")
			}
		}
	}
}

type keyPayload struct {
	Account  string    `json:"account"`
	Date     time.Time `json:"date"`
	Sequence uint32    `json:"sequence"`
}

func (p keyPayload) key() record.Key {
	return record.NewKey(p.Account, p.Date, p.Sequence)
}

type recordPayload struct {
	Account     string          `json:"account"`
	Date        time.Time       `json:"date"`
	Sequence    uint32          `json:"sequence"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

func (p recordPayload) record() record.Record {
	return record.New(record.NewKey(p.Account, p.Date, p.Sequence), p.Description, p.Amount)
}

func payloadFor(r record.Record) recordPayload {
	return recordPayload{
		Account:     r.Key.Account,
		Date:        r.Key.Date,
		Sequence:    r.Key.Sequence,
		Description: r.Description,
		Amount:      r.Amount,
	}
}

type rangePayload struct {
	Start keyPayload `json:"start"`
	End   keyPayload `json:"end"`
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var p recordPayload
	if !s.decode(w, r, &p) {
		return
	}
	inserted, err := s.ledger.Insert(p.record())
	if err != nil {
		s.fail(w, err)
		return
	}
	if !inserted {
		s.error(w, http.StatusConflict, "record already exists")
		return
	}
	s.respond(w, http.StatusCreated, map[string]bool{"inserted": true})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var p recordPayload
	if !s.decode(w, r, &p) {
		return
	}
	updated, err := s.ledger.Update(p.record())
	if err != nil {
		s.fail(w, err)
		return
	}
	if !updated {
		s.error(w, http.StatusNotFound, "record not found")
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var p keyPayload
	if !s.decode(w, r, &p) {
		return
	}
	deleted, err := s.ledger.Delete(p.key())
	if err != nil {
		s.fail(w, err)
		return
	}
	if !deleted {
		s.error(w, http.StatusNotFound, "record not found")
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleDeleteRange(w http.ResponseWriter, r *http.Request) {
	var p rangePayload
	if !s.decode(w, r, &p) {
		return
	}
	deleted, err := s.ledger.DeleteRange(p.Start.key(), p.End.key())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleAdjustKey(w http.ResponseWriter, r *http.Request) {
	var p keyPayload
	if !s.decode(w, r, &p) {
		return
	}
	k, err := s.ledger.AdjustKey(p.key())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, keyPayload{Account: k.Account, Date: k.Date, Sequence: k.Sequence})
}

func (s *Server) handleSave(w http.ResponseWriter, _ *http.Request) {
	if err := s.ledger.Save(); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoad(w http.ResponseWriter, _ *http.Request) {
	if err := s.ledger.Load(); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryKey assembles a key for account from ?date=RFC3339&sequence=n.
func (s *Server) queryKey(w http.ResponseWriter, r *http.Request, account string) (record.Key, bool) {
	date, err := time.Parse(time.RFC3339, r.URL.Query().Get("date"))
	if err != nil {
		s.error(w, http.StatusBadRequest, "bad or missing date, want RFC 3339")
		return record.Key{}, false
	}
	seq := uint64(0)
	if raw := r.URL.Query().Get("sequence"); raw != "" {
		if seq, err = strconv.ParseUint(raw, 10, 32); err != nil {
			s.error(w, http.StatusBadRequest, "bad sequence")
			return record.Key{}, false
		}
	}
	return record.NewKey(account, date, uint32(seq)), true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	var (
		records []record.Record
		err     error
	)
	if r.URL.Query().Get("from") != "" || r.URL.Query().Get("to") != "" {
		start, end, ok := s.queryRange(w, r, account)
		if !ok {
			return
		}
		records, err = s.ledger.ListRange(start, end)
	} else {
		records, err = s.ledger.List(account)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]recordPayload, len(records))
	for i, rec := range records {
		out[i] = payloadFor(rec)
	}
	s.respond(w, http.StatusOK, out)
}

// queryRange assembles [from, to] keys from the from/to/from_sequence/
// to_sequence query parameters. A missing to_sequence means the whole final
// day is included.
func (s *Server) queryRange(w http.ResponseWriter, r *http.Request, account string) (record.Key, record.Key, bool) {
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		s.error(w, http.StatusBadRequest, "bad or missing from, want RFC 3339")
		return record.Key{}, record.Key{}, false
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		s.error(w, http.StatusBadRequest, "bad or missing to, want RFC 3339")
		return record.Key{}, record.Key{}, false
	}
	fromSeq := uint64(0)
	if raw := q.Get("from_sequence"); raw != "" {
		if fromSeq, err = strconv.ParseUint(raw, 10, 32); err != nil {
			s.error(w, http.StatusBadRequest, "bad from_sequence")
			return record.Key{}, record.Key{}, false
		}
	}
	toSeq := uint64(^uint32(0))
	if raw := q.Get("to_sequence"); raw != "" {
		if toSeq, err = strconv.ParseUint(raw, 10, 32); err != nil {
			s.error(w, http.StatusBadRequest, "bad to_sequence")
			return record.Key{}, record.Key{}, false
		}
	}
	return record.NewKey(account, from, uint32(fromSeq)), record.NewKey(account, to, uint32(toSeq)), true
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	k, ok := s.queryKey(w, r, account)
	if !ok {
		return
	}
	rec, found, err := s.ledger.Read(k)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found {
		s.error(w, http.StatusNotFound, "record not found")
		return
	}
	s.respond(w, http.StatusOK, payloadFor(rec))
}

func (s *Server) handleContains(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	k, ok := s.queryKey(w, r, account)
	if !ok {
		return
	}
	contains, err := s.ledger.Contains(k)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"contains": contains})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.ledger.Count(chi.URLParam(r, "account"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	k, ok := s.queryKey(w, r, account)
	if !ok {
		return
	}
	balance, err := s.ledger.BalanceAsOf(k)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]decimal.Decimal{"balance": balance})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	txns, err := ofx.Parse(r.Body)
	if err != nil {
		s.error(w, http.StatusBadRequest, err.Error())
		return
	}
	imported := 0
	for _, rec := range ofx.Records(account, txns) {
		key, err := s.ledger.AdjustKey(rec.Key)
		if err != nil {
			s.fail(w, err)
			return
		}
		rec.Key = key
		inserted, err := s.ledger.Insert(rec)
		if err != nil {
			s.fail(w, err)
			return
		}
		if inserted {
			imported++
		}
	}
	s.respond(w, http.StatusOK, map[string]int{"imported": imported})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"version": ledgerdb.Version})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.error(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) error(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}

// fail maps engine errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, btree.ErrSaturated):
		s.error(w, http.StatusConflict, err.Error())
	case errors.Is(err, btree.ErrInvariant):
		s.error(w, http.StatusInternalServerError, err.Error())
	default:
		s.error(w, http.StatusInternalServerError, err.Error())
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
