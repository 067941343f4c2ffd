package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"payrolld/internal/domain"
	"payrolld/internal/scheduler"
)

type payrollReq struct {
	Name           *string           `json:"payroll_name"`
	CompanyID      *string           `json:"company_id"`
	Currency       *string           `json:"currency"`
	Automatic      *bool             `json:"automatic"`
	CronExpression *string           `json:"cron_expression"`
	Frequency      *domain.Frequency `json:"frequency"`
	EmployeeIDs    []string          `json:"employee_ids"`
}

type payrollResp struct {
	domain.Payroll
	NextRun *time.Time `json:"next_run,omitempty"`
}

// apply copies the fields present in req onto p. Switching automation off
// drops the schedule descriptors, since any descriptor implies automatic.
// A fixed-frequency payroll without a last run date is anchored on today, so
// the sweep first picks it up one period later.
func (req payrollReq) apply(p *domain.Payroll, today time.Time) error {
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.CompanyID != nil {
		p.CompanyID = *req.CompanyID
	}
	if req.Currency != nil {
		p.Currency = strings.ToUpper(*req.Currency)
	}
	if req.CronExpression != nil {
		p.CronExpression = strings.TrimSpace(*req.CronExpression)
	}
	if req.Frequency != nil {
		p.Frequency = domain.Frequency(strings.ToUpper(string(*req.Frequency)))
	}
	if req.EmployeeIDs != nil {
		p.EmployeeIDs = req.EmployeeIDs
	}
	if req.Automatic != nil {
		p.Automatic = *req.Automatic
		if !p.Automatic {
			p.CronExpression = ""
			p.Frequency = domain.FrequencyNone
		}
	}

	if p.Name == "" {
		return errors.New("payroll_name is required")
	}
	if p.CronExpression != "" {
		if err := scheduler.ValidateCronExpression(p.CronExpression); err != nil {
			return err
		}
	}
	if err := scheduler.ValidateFrequency(p.Frequency); err != nil {
		return err
	}
	if p.Frequency != domain.FrequencyNone && p.LastRunDate == nil {
		anchor := domain.DateOf(today)
		p.LastRunDate = &anchor
	}
	p.Normalize()
	return nil
}

// scheduleChanged reports whether an update touched the fields the cron
// registry depends on.
func scheduleChanged(before, after domain.Payroll) bool {
	return before.Automatic != after.Automatic || before.CronExpression != after.CronExpression
}

func (s *Server) nextRun(payrollID string) *time.Time {
	next, ok := s.deps.Scheduler.Next(payrollID)
	if !ok || next.IsZero() {
		return nil
	}
	return &next
}

func (s *Server) respondPayroll(w http.ResponseWriter, code int, p domain.Payroll) {
	writeJSON(w, code, payrollResp{Payroll: p, NextRun: s.nextRun(p.ID)})
}

// syncSchedule brings the cron registry in line with a stored payroll.
func (s *Server) syncSchedule(p domain.Payroll) {
	if !p.Automatic {
		s.deps.Scheduler.Cancel(p.ID)
		return
	}
	if err := s.deps.Scheduler.Schedule(p); err != nil {
		s.logger.Error().Err(err).Str("payroll_id", p.ID).Msg("schedule payroll")
	}
}

func (s *Server) createPayroll(w http.ResponseWriter, r *http.Request) {
	var req payrollReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p := domain.Payroll{Currency: s.deps.Currency}
	if err := req.apply(&p, s.now()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.deps.Store.CreatePayroll(r.Context(), p)
	if err != nil {
		s.storeError(w, err, "create payroll")
		return
	}
	created, err := s.deps.Store.GetPayroll(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "load payroll")
		return
	}
	s.syncSchedule(created)
	s.respondPayroll(w, http.StatusCreated, created)
}

func (s *Server) listPayrolls(w http.ResponseWriter, r *http.Request) {
	payrolls, err := s.deps.Store.ListPayrolls(r.Context())
	if err != nil {
		s.storeError(w, err, "list payrolls")
		return
	}
	resp := make([]payrollResp, 0, len(payrolls))
	for _, p := range payrolls {
		resp = append(resp, payrollResp{Payroll: p, NextRun: s.nextRun(p.ID)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getPayroll(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetPayroll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "get payroll")
		return
	}
	s.respondPayroll(w, http.StatusOK, p)
}

func (s *Server) updatePayroll(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetPayroll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "get payroll")
		return
	}

	before := p

	var req payrollReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.apply(&p, s.now()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.deps.Store.UpdatePayroll(r.Context(), p); err != nil {
		s.storeError(w, err, "update payroll")
		return
	}
	updated, err := s.deps.Store.GetPayroll(r.Context(), p.ID)
	if err != nil {
		s.storeError(w, err, "load payroll")
		return
	}
	if scheduleChanged(before, updated) {
		s.syncSchedule(updated)
	}
	s.respondPayroll(w, http.StatusOK, updated)
}

// runPayroll triggers a run now. A failed run still answers 200; the
// payroll's payment_status carries the result.
func (s *Server) runPayroll(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Runner.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "run payroll")
		return
	}
	s.respondPayroll(w, http.StatusOK, p)
}
