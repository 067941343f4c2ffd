package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"payrolld/internal/domain"
	"payrolld/internal/gateway"
)

type staticEmployees []domain.Employee

func (s staticEmployees) ListPayrollEmployees(context.Context, string) ([]domain.Employee, error) {
	return s, nil
}

type fakeGateway struct {
	requests []gateway.TransferRequest
	failOn   string
}

func (g *fakeGateway) Transfer(_ context.Context, req gateway.TransferRequest) (gateway.TransferResponse, error) {
	g.requests = append(g.requests, req)
	if req.AccountNumber == g.failOn {
		return gateway.TransferResponse{}, gateway.ErrRejected
	}
	var resp gateway.TransferResponse
	resp.Status = true
	resp.Data.TransferCode = "TRF_" + req.AccountNumber
	return resp, nil
}

func TestProcessorProcess(t *testing.T) {
	start := time.Date(2026, time.October, 17, 0, 0, 0, 0, time.UTC)
	employees := staticEmployees{
		{ID: "e1", Name: "Ada", Salary: decimal.RequireFromString("1200.50"), AccountNumber: "111", BankCode: "058"},
		{ID: "e2", Name: "Bayo", Salary: decimal.RequireFromString("800"), AccountNumber: "222", BankCode: "011"},
	}

	testCases := []struct {
		name          string
		employees     staticEmployees
		failOn        string
		wantErr       error
		wantTransfers int
		wantTotal     string
	}{
		{name: "pays everyone", employees: employees, wantTransfers: 2, wantTotal: "2000.5"},
		{name: "no employees", employees: nil, wantErr: ErrNoEmployees, wantTransfers: 0, wantTotal: "0"},
		{name: "transfer rejected", employees: employees, failOn: "111", wantErr: gateway.ErrRejected, wantTransfers: 1, wantTotal: "2000.5"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{failOn: tc.failOn}
			pr := NewProcessor(tc.employees, gw, "NGN")
			p := &domain.Payroll{ID: "p1", Name: "October", PayPeriodStart: &start}

			err := pr.Process(context.Background(), p)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Process() error = %v, want %v", err, tc.wantErr)
			}
			if len(gw.requests) != tc.wantTransfers {
				t.Fatalf("transfers = %d, want %d", len(gw.requests), tc.wantTransfers)
			}
			if p.TotalSalary.String() != tc.wantTotal {
				t.Errorf("TotalSalary = %s, want %s", p.TotalSalary, tc.wantTotal)
			}
			if len(gw.requests) > 0 {
				req := gw.requests[0]
				if req.Reference != "p1-20261017-e1" || req.Currency != "NGN" {
					t.Errorf("first transfer = %+v", req)
				}
			}
		})
	}
}
