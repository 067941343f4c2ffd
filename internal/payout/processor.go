package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"payrolld/internal/domain"
	"payrolld/internal/gateway"
)

var ErrNoEmployees = errors.New("payroll has no employees")

type EmployeeLister interface {
	ListPayrollEmployees(ctx context.Context, payrollID string) ([]domain.Employee, error)
}

type Transferer interface {
	Transfer(ctx context.Context, req gateway.TransferRequest) (gateway.TransferResponse, error)
}

// Processor pays every employee attached to a payroll.
type Processor struct {
	employees       EmployeeLister
	gateway         Transferer
	defaultCurrency string
	logger          zerolog.Logger
}

func NewProcessor(employees EmployeeLister, gw Transferer, defaultCurrency string) *Processor {
	return &Processor{
		employees:       employees,
		gateway:         gw,
		defaultCurrency: defaultCurrency,
		logger:          log.With().Str("component", "payout").Logger(),
	}
}

// Reference is the idempotency key of one employee's payout for one run date.
func Reference(p domain.Payroll, employeeID string) string {
	day := "00000000"
	if p.PayPeriodStart != nil {
		day = p.PayPeriodStart.Format("20060102")
	}
	return fmt.Sprintf("%s-%s-%s", p.ID, day, employeeID)
}

// Process sums salaries into p.TotalSalary and dispatches one transfer per
// employee. The first failed transfer aborts the run.
func (pr *Processor) Process(ctx context.Context, p *domain.Payroll) error {
	employees, err := pr.employees.ListPayrollEmployees(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list employees: %w", err)
	}
	if len(employees) == 0 {
		return ErrNoEmployees
	}

	total := decimal.Zero
	for _, e := range employees {
		total = total.Add(e.Salary)
	}
	p.TotalSalary = total

	currency := p.Currency
	if currency == "" {
		currency = pr.defaultCurrency
	}

	for _, e := range employees {
		if !e.Salary.IsPositive() {
			pr.logger.Warn().Str("payroll_id", p.ID).Str("employee_id", e.ID).Msg("skipping non-positive salary")
			continue
		}
		ref := Reference(*p, e.ID)
		resp, err := pr.gateway.Transfer(ctx, gateway.TransferRequest{
			Reference:     ref,
			Amount:        e.Salary,
			Currency:      currency,
			AccountNumber: e.AccountNumber,
			BankCode:      e.BankCode,
			Recipient:     e.Name,
			Narration:     p.Name,
		})
		if err != nil {
			return fmt.Errorf("transfer %s: %w", ref, err)
		}
		pr.logger.Info().
			Str("payroll_id", p.ID).
			Str("employee_id", e.ID).
			Str("reference", ref).
			Str("transfer_code", resp.Data.TransferCode).
			Msg("salary transfer dispatched")
	}
	return nil
}
