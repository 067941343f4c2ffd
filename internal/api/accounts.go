package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"payrolld/internal/domain"
)

type createEmployeeReq struct {
	CompanyID     string          `json:"company_id"`
	Name          string          `json:"name"`
	Salary        decimal.Decimal `json:"salary"`
	AccountNumber string          `json:"account_number"`
	BankCode      string          `json:"bank_code"`
}

type createdResp struct {
	ID string `json:"id"`
}

func (s *Server) createEmployee(w http.ResponseWriter, r *http.Request) {
	var req createEmployeeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Salary.IsNegative() {
		http.Error(w, "salary must not be negative", http.StatusBadRequest)
		return
	}

	id, err := s.deps.Store.CreateEmployee(r.Context(), domain.Employee{
		CompanyID:     req.CompanyID,
		Name:          strings.TrimSpace(req.Name),
		Salary:        req.Salary,
		AccountNumber: req.AccountNumber,
		BankCode:      req.BankCode,
	})
	if err != nil {
		s.storeError(w, err, "create employee")
		return
	}
	writeJSON(w, http.StatusCreated, createdResp{ID: id})
}

func (s *Server) getEmployee(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Store.GetEmployee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "get employee")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type createAccountReq struct {
	EmployerID string `json:"employer_id"`
	Currency   string `json:"currency"`
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.EmployerID == "" {
		http.Error(w, "employer_id is required", http.StatusBadRequest)
		return
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = s.deps.Currency
	}

	number, err := s.deps.Store.CreateAccount(r.Context(), domain.VirtualAccount{EmployerID: req.EmployerID, Currency: currency})
	if err != nil {
		s.storeError(w, err, "create account")
		return
	}
	a, err := s.deps.Store.GetAccount(r.Context(), number)
	if err != nil {
		s.storeError(w, err, "load account")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetAccount(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		s.storeError(w, err, "get account")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type createFundingReq struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
}

// createFunding registers the reference a provider will later confirm for
// this account. The balance only moves once the reference resolves.
func (s *Server) createFunding(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if _, err := s.deps.Store.GetAccount(r.Context(), number); err != nil {
		s.storeError(w, err, "get account")
		return
	}

	var req createFundingReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Amount.IsNegative() {
		http.Error(w, "amount must not be negative", http.StatusBadRequest)
		return
	}

	ref, err := s.deps.Store.CreateFunding(r.Context(), domain.Funding{
		Reference:     strings.TrimSpace(req.Reference),
		AccountNumber: number,
		Amount:        req.Amount,
	})
	if err != nil {
		s.storeError(w, err, "create funding")
		return
	}
	f, err := s.deps.Store.GetFunding(r.Context(), ref)
	if err != nil {
		s.storeError(w, err, "load funding")
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) getFunding(w http.ResponseWriter, r *http.Request) {
	f, err := s.deps.Store.GetFunding(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		s.storeError(w, err, "get funding")
		return
	}
	writeJSON(w, http.StatusOK, f)
}
