package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"payrolld/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS payrolls (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  company_id TEXT NOT NULL DEFAULT '',
  automatic INTEGER NOT NULL DEFAULT 0,
  currency TEXT NOT NULL DEFAULT '',
  total_salary TEXT NOT NULL DEFAULT '0',
  pay_period_start DATETIME,
  pay_period_end DATETIME,
  last_run_date DATETIME,
  cron_expression TEXT NOT NULL DEFAULT '',
  frequency TEXT NOT NULL CHECK(frequency IN ('','DAILY','WEEKLY','MONTHLY','YEARLY')) DEFAULT '',
  payment_status TEXT NOT NULL CHECK(payment_status IN ('PENDING','PAID','FAILED')) DEFAULT 'PENDING',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_payrolls_automatic ON payrolls(automatic, frequency);
CREATE TABLE IF NOT EXISTS employees (
  id TEXT PRIMARY KEY,
  company_id TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL,
  salary TEXT NOT NULL DEFAULT '0',
  account_number TEXT NOT NULL DEFAULT '',
  bank_code TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS payroll_employees (
  payroll_id TEXT NOT NULL,
  employee_id TEXT NOT NULL,
  PRIMARY KEY(payroll_id, employee_id),
  FOREIGN KEY(payroll_id) REFERENCES payrolls(id),
  FOREIGN KEY(employee_id) REFERENCES employees(id)
);
CREATE TABLE IF NOT EXISTS virtual_accounts (
  account_number TEXT PRIMARY KEY,
  employer_id TEXT NOT NULL,
  currency TEXT NOT NULL,
  balance TEXT NOT NULL DEFAULT '0',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS fundings (
  reference TEXT PRIMARY KEY,
  account_number TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('PENDING','SUCCESS','FAILED')) DEFAULT 'PENDING',
  amount TEXT NOT NULL DEFAULT '0',
  fee TEXT NOT NULL DEFAULT '0',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  settled_at DATETIME,
  FOREIGN KEY(account_number) REFERENCES virtual_accounts(account_number)
);
CREATE TABLE IF NOT EXISTS webhook_events (
  reference TEXT PRIMARY KEY,
  provider TEXT NOT NULL,
  event TEXT NOT NULL,
  currency TEXT NOT NULL DEFAULT '',
  amount TEXT NOT NULL DEFAULT '0',
  fee TEXT NOT NULL DEFAULT '0',
  status TEXT NOT NULL DEFAULT '',
  payload BLOB NOT NULL,
  received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

// FundingResult reports what ApplyFunding did for a reference.
type FundingResult struct {
	Found         bool
	Applied       bool
	Status        domain.FundingStatus
	AccountNumber string
	Balance       decimal.Decimal
}

type SQLiteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo { return &SQLiteRepo{db: db} }

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

func (r *SQLiteRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

const payrollColumns = `id,name,company_id,automatic,currency,total_salary,pay_period_start,pay_period_end,last_run_date,cron_expression,frequency,payment_status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayroll(row rowScanner) (domain.Payroll, error) {
	var p domain.Payroll
	var start, end, lastRun sql.NullTime
	var freq, status string
	if err := row.Scan(&p.ID, &p.Name, &p.CompanyID, &p.Automatic, &p.Currency, &p.TotalSalary,
		&start, &end, &lastRun, &p.CronExpression, &freq, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Payroll{}, err
	}
	p.Frequency = domain.Frequency(freq)
	p.PaymentStatus = domain.PaymentStatus(status)
	p.PayPeriodStart = nullTime(start)
	p.PayPeriodEnd = nullTime(end)
	p.LastRunDate = nullTime(lastRun)
	return p, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (r *SQLiteRepo) CreatePayroll(ctx context.Context, p domain.Payroll) (string, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	p.Normalize()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO payrolls (id,name,company_id,automatic,currency,total_salary,pay_period_start,pay_period_end,last_run_date,cron_expression,frequency,payment_status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, p.Name, p.CompanyID, p.Automatic, p.Currency, p.TotalSalary, p.PayPeriodStart, p.PayPeriodEnd,
		p.LastRunDate, p.CronExpression, string(p.Frequency), string(p.PaymentStatus))
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrDuplicateName
		}
		return "", err
	}
	if err := replaceEmployees(ctx, tx, id, p.EmployeeIDs); err != nil {
		return "", err
	}
	return id, tx.Commit()
}

func replaceEmployees(ctx context.Context, tx *sql.Tx, payrollID string, employeeIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM payroll_employees WHERE payroll_id=?`, payrollID); err != nil {
		return err
	}
	for _, eid := range employeeIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO payroll_employees (payroll_id, employee_id) VALUES (?,?)`, payrollID, eid); err != nil {
			return fmt.Errorf("attach employee %s: %w", eid, err)
		}
	}
	return nil
}

func (r *SQLiteRepo) employeeIDs(ctx context.Context, payrollID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT employee_id FROM payroll_employees WHERE payroll_id=? ORDER BY employee_id`, payrollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLiteRepo) GetPayroll(ctx context.Context, id string) (domain.Payroll, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+payrollColumns+` FROM payrolls WHERE id=?`, id)
	p, err := scanPayroll(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Payroll{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Payroll{}, err
	}
	if p.EmployeeIDs, err = r.employeeIDs(ctx, p.ID); err != nil {
		return domain.Payroll{}, err
	}
	return p, nil
}

func (r *SQLiteRepo) listPayrolls(ctx context.Context, where string, args ...any) ([]domain.Payroll, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+payrollColumns+` FROM payrolls `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	var payrolls []domain.Payroll
	for rows.Next() {
		p, err := scanPayroll(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		payrolls = append(payrolls, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range payrolls {
		if payrolls[i].EmployeeIDs, err = r.employeeIDs(ctx, payrolls[i].ID); err != nil {
			return nil, err
		}
	}
	return payrolls, nil
}

func (r *SQLiteRepo) ListPayrolls(ctx context.Context) ([]domain.Payroll, error) {
	return r.listPayrolls(ctx, "")
}

// ListAutomaticPayrolls returns the rows the schedule registry is rebuilt from.
func (r *SQLiteRepo) ListAutomaticPayrolls(ctx context.Context) ([]domain.Payroll, error) {
	return r.listPayrolls(ctx, "WHERE automatic=1")
}

// ListFrequencyPayrolls returns payrolls driven by the fixed-period sweep.
func (r *SQLiteRepo) ListFrequencyPayrolls(ctx context.Context) ([]domain.Payroll, error) {
	return r.listPayrolls(ctx, "WHERE frequency <> ''")
}

// UpdatePayroll writes the configuration fields of a payroll. Run fields are
// owned by SavePayrollRun; last_run_date is only filled in when still empty,
// so a stale copy cannot roll back a run that committed meanwhile.
func (r *SQLiteRepo) UpdatePayroll(ctx context.Context, p domain.Payroll) error {
	p.Normalize()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE payrolls SET name=?,company_id=?,automatic=?,currency=?,last_run_date=COALESCE(last_run_date,?),cron_expression=?,frequency=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, p.Name, p.CompanyID, p.Automatic, p.Currency, p.LastRunDate, p.CronExpression, string(p.Frequency), p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateName
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	if err := replaceEmployees(ctx, tx, p.ID, p.EmployeeIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// SavePayrollRun persists the outcome of one run as a single row write.
func (r *SQLiteRepo) SavePayrollRun(ctx context.Context, p domain.Payroll) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE payrolls SET payment_status=?,total_salary=?,pay_period_start=?,pay_period_end=?,last_run_date=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, string(p.PaymentStatus), p.TotalSalary, p.PayPeriodStart, p.PayPeriodEnd, p.LastRunDate, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepo) CreateEmployee(ctx context.Context, e domain.Employee) (string, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO employees (id,company_id,name,salary,account_number,bank_code,created_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP)`, id, e.CompanyID, e.Name, e.Salary, e.AccountNumber, e.BankCode)
	return id, err
}

const employeeColumns = `id,company_id,name,salary,account_number,bank_code,created_at`

func (r *SQLiteRepo) GetEmployee(ctx context.Context, id string) (domain.Employee, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id=?`, id)
	var e domain.Employee
	err := row.Scan(&e.ID, &e.CompanyID, &e.Name, &e.Salary, &e.AccountNumber, &e.BankCode, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Employee{}, domain.ErrNotFound
	}
	return e, err
}

// ListPayrollEmployees returns the employees attached to a payroll.
func (r *SQLiteRepo) ListPayrollEmployees(ctx context.Context, payrollID string) ([]domain.Employee, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT e.id,e.company_id,e.name,e.salary,e.account_number,e.bank_code,e.created_at
FROM employees e JOIN payroll_employees pe ON pe.employee_id = e.id
WHERE pe.payroll_id=? ORDER BY e.id`, payrollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []domain.Employee
	for rows.Next() {
		var e domain.Employee
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.Name, &e.Salary, &e.AccountNumber, &e.BankCode, &e.CreatedAt); err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

func newAccountNumber() string {
	u := uuid.New()
	return fmt.Sprintf("%010d", binary.BigEndian.Uint64(u[:8])%10_000_000_000)
}

func (r *SQLiteRepo) CreateAccount(ctx context.Context, a domain.VirtualAccount) (string, error) {
	number := a.AccountNumber
	if number == "" {
		number = newAccountNumber()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO virtual_accounts (account_number,employer_id,currency,balance,created_at,updated_at)
VALUES (?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`, number, a.EmployerID, a.Currency, a.Balance)
	return number, err
}

func (r *SQLiteRepo) GetAccount(ctx context.Context, number string) (domain.VirtualAccount, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT account_number,employer_id,currency,balance,created_at,updated_at FROM virtual_accounts WHERE account_number=?`, number)
	var a domain.VirtualAccount
	err := row.Scan(&a.AccountNumber, &a.EmployerID, &a.Currency, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VirtualAccount{}, domain.ErrNotFound
	}
	return a, err
}

// CreateFunding registers a pending funding reference for an account.
func (r *SQLiteRepo) CreateFunding(ctx context.Context, f domain.Funding) (string, error) {
	ref := f.Reference
	if ref == "" {
		ref = "fnd_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO fundings (reference,account_number,status,amount,fee,created_at)
VALUES (?,?,'PENDING',?,?,CURRENT_TIMESTAMP)`, ref, f.AccountNumber, f.Amount, f.Fee)
	if isUniqueViolation(err) {
		return "", domain.ErrDuplicateReference
	}
	return ref, err
}

func (r *SQLiteRepo) GetFunding(ctx context.Context, ref string) (domain.Funding, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT reference,account_number,status,amount,fee,created_at,settled_at FROM fundings WHERE reference=?`, ref)
	var f domain.Funding
	var status string
	var settled sql.NullTime
	err := row.Scan(&f.Reference, &f.AccountNumber, &status, &f.Amount, &f.Fee, &f.CreatedAt, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Funding{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Funding{}, err
	}
	f.Status = domain.FundingStatus(status)
	f.SettledAt = nullTime(settled)
	return f, nil
}

// RecordWebhookEvent stores the first delivery of a reference. It reports
// false when the reference was already stored.
func (r *SQLiteRepo) RecordWebhookEvent(ctx context.Context, e domain.WebhookEvent) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO webhook_events (reference,provider,event,currency,amount,fee,status,payload,received_at)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
ON CONFLICT(reference) DO NOTHING`, e.Reference, e.Provider, e.Event, e.Currency, e.Amount, e.Fee, e.Status, e.Payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLiteRepo) GetWebhookEvent(ctx context.Context, ref string) (domain.WebhookEvent, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT reference,provider,event,currency,amount,fee,status,payload,received_at FROM webhook_events WHERE reference=?`, ref)
	var e domain.WebhookEvent
	err := row.Scan(&e.Reference, &e.Provider, &e.Event, &e.Currency, &e.Amount, &e.Fee, &e.Status, &e.Payload, &e.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WebhookEvent{}, domain.ErrNotFound
	}
	return e, err
}

// ApplyFunding settles the funding for ref exactly once. The conditional
// status update is the idempotency guard: only the caller whose update moves
// the row out of PENDING credits the account.
func (r *SQLiteRepo) ApplyFunding(ctx context.Context, ref string, success bool, amount, fee decimal.Decimal, mode domain.CreditMode) (FundingResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return FundingResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var res FundingResult
	var status string
	err = tx.QueryRowContext(ctx, `SELECT account_number,status FROM fundings WHERE reference=?`, ref).Scan(&res.AccountNumber, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return FundingResult{}, nil
	}
	if err != nil {
		return FundingResult{}, err
	}
	res.Found = true
	res.Status = domain.FundingStatus(status)

	target := domain.FundingFailed
	if success {
		target = domain.FundingSuccess
	}
	upd, err := tx.ExecContext(ctx, `
UPDATE fundings SET status=?,amount=?,fee=?,settled_at=CURRENT_TIMESTAMP
WHERE reference=? AND status='PENDING'`, string(target), amount, fee, ref)
	if err != nil {
		return FundingResult{}, err
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		return res, tx.Commit()
	}
	res.Applied = true
	res.Status = target

	if err := tx.QueryRowContext(ctx, `SELECT balance FROM virtual_accounts WHERE account_number=?`, res.AccountNumber).Scan(&res.Balance); err != nil {
		return FundingResult{}, fmt.Errorf("load account %s: %w", res.AccountNumber, err)
	}
	if success {
		if mode == domain.CreditAbsolute {
			res.Balance = amount
		} else {
			res.Balance = res.Balance.Add(amount)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE virtual_accounts SET balance=?,updated_at=CURRENT_TIMESTAMP WHERE account_number=?`, res.Balance, res.AccountNumber); err != nil {
			return FundingResult{}, err
		}
	}
	return res, tx.Commit()
}
