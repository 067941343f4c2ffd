package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Frequency is the fixed-period alternative to a cron expression.
type Frequency string

const (
	FrequencyNone    Frequency = ""
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
	FrequencyYearly  Frequency = "YEARLY"
)

type Payroll struct {
	ID             string          `json:"payroll_id"`
	Name           string          `json:"payroll_name"`
	CompanyID      string          `json:"company_id"`
	Automatic      bool            `json:"automatic"`
	Currency       string          `json:"currency"`
	TotalSalary    decimal.Decimal `json:"total_salary"`
	PayPeriodStart *time.Time      `json:"pay_period_start,omitempty"`
	PayPeriodEnd   *time.Time      `json:"pay_period_end,omitempty"`
	LastRunDate    *time.Time      `json:"last_run_date,omitempty"`
	CronExpression string          `json:"cron_expression,omitempty"`
	Frequency      Frequency       `json:"frequency,omitempty"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	EmployeeIDs    []string        `json:"employee_ids"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Normalize enforces that a payroll carrying any schedule descriptor is automatic.
func (p *Payroll) Normalize() {
	if p.CronExpression != "" || p.Frequency != FrequencyNone {
		p.Automatic = true
	}
	if p.PaymentStatus == "" {
		p.PaymentStatus = PaymentPending
	}
}

type Employee struct {
	ID            string          `json:"id"`
	CompanyID     string          `json:"company_id"`
	Name          string          `json:"name"`
	Salary        decimal.Decimal `json:"salary"`
	AccountNumber string          `json:"account_number"`
	BankCode      string          `json:"bank_code"`
	CreatedAt     time.Time       `json:"created_at"`
}

type VirtualAccount struct {
	AccountNumber string          `json:"account_number"`
	EmployerID    string          `json:"employer_id"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type FundingStatus string

const (
	FundingPending FundingStatus = "PENDING"
	FundingSuccess FundingStatus = "SUCCESS"
	FundingFailed  FundingStatus = "FAILED"
)

// Funding correlates a provider reference with the virtual account it credits.
// Leaving PENDING marks the reference as applied.
type Funding struct {
	Reference     string          `json:"reference"`
	AccountNumber string          `json:"account_number"`
	Status        FundingStatus   `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

// WebhookEvent is one provider notification. Only the first delivery of a
// reference is stored.
type WebhookEvent struct {
	Provider   string          `json:"provider"`
	Event      string          `json:"event"`
	Reference  string          `json:"reference"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	Fee        decimal.Decimal `json:"fee"`
	Status     string          `json:"status"`
	Payload    []byte          `json:"-"`
	ReceivedAt time.Time       `json:"received_at"`
}

type OutcomeKind string

const (
	OutcomeSucceeded  OutcomeKind = "success"
	OutcomeFailed     OutcomeKind = "failed"
	OutcomeUnresolved OutcomeKind = "unresolved"
)

// Outcome is the result of resolving a reference through either the webhook or
// the polling path. Applied reports whether this call performed the terminal
// mutation.
type Outcome struct {
	Kind      OutcomeKind   `json:"status"`
	Reference string        `json:"reference"`
	Applied   bool          `json:"applied"`
	Event     *WebhookEvent `json:"event,omitempty"`
}

func (o Outcome) Resolved() bool { return o.Kind != OutcomeUnresolved }

// CreditMode selects how a confirmed funding changes an account balance.
type CreditMode string

const (
	CreditAdditive CreditMode = "additive"
	// CreditAbsolute overwrites the balance with the confirmed amount.
	CreditAbsolute CreditMode = "absolute"
)

// DateOf returns the calendar date of t as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
