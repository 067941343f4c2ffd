package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payrolld/internal/domain"
	"payrolld/internal/reconcile"
	"payrolld/internal/scheduler"
	"payrolld/internal/signature"
	"payrolld/internal/store"
	"payrolld/internal/worker"
)

const testSecret = "sk_test_secret"

var testNow = time.Date(2026, time.October, 17, 10, 30, 0, 0, time.UTC)

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	repo *store.SQLiteRepo
}

func (f *fakeRunner) Run(ctx context.Context, id string) (domain.Payroll, error) {
	f.mu.Lock()
	f.runs = append(f.runs, id)
	f.mu.Unlock()
	p, err := f.repo.GetPayroll(ctx, id)
	if err != nil {
		return domain.Payroll{}, err
	}
	p.PaymentStatus = domain.PaymentPaid
	return p, nil
}

type testEnv struct {
	handler  http.Handler
	repo     *store.SQLiteRepo
	registry *scheduler.Registry
	runner   *fakeRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithRun(t, func(context.Context, string) {})
}

// newTestEnvWithRun wires run as the job fired by the cron registry.
func newTestEnvWithRun(t *testing.T, run scheduler.RunFunc) *testEnv {
	t.Helper()
	db, err := store.Open(store.MemoryDSN(uuid.NewString()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := store.NewSQLiteRepo(db)
	registry := scheduler.NewRegistry(run, worker.NewPool(1))
	t.Cleanup(func() { registry.Stop() })
	runner := &fakeRunner{repo: repo}

	h := NewServer(Deps{
		Store:         repo,
		Scheduler:     registry,
		Runner:        runner,
		Reconciler:    reconcile.New(repo, reconcile.Config{Retries: 0, Interval: 10 * time.Millisecond}),
		Provider:      "paystack",
		WebhookSecret: testSecret,
		Currency:      "NGN",
		Now:           func() time.Time { return testNow },
	})
	return &testEnv{handler: h, repo: repo, registry: registry, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedFunding(t *testing.T, balance string) (account, ref string) {
	t.Helper()
	ctx := context.Background()
	account, err := e.repo.CreateAccount(ctx, domain.VirtualAccount{EmployerID: "emp", Currency: "NGN", Balance: decimal.RequireFromString(balance)})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	ref, err = e.repo.CreateFunding(ctx, domain.Funding{AccountNumber: account})
	if err != nil {
		t.Fatalf("create funding: %v", err)
	}
	return account, ref
}

func (e *testEnv) balance(t *testing.T, account string) string {
	t.Helper()
	a, err := e.repo.GetAccount(context.Background(), account)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.Balance.String()
}

func webhookBody(ref, status, amount string) string {
	return `{"event":"charge.` + status + `","data":{"reference":"` + ref + `","amount":` + amount + `,"currency":"NGN","fees":1.5,"status":"` + status + `"}}`
}

func signed(body string) http.Header {
	h := http.Header{}
	h.Set("x-paystack-signature", signature.Sign([]byte(body), testSecret))
	return h
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("/health = %d %q", rec.Code, rec.Body.String())
	}
	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "payrolld_scheduled_payrolls") {
		t.Errorf("/metrics is missing payrolld collectors")
	}
}

func TestWebhook(t *testing.T) {
	env := newTestEnv(t)
	account, ref := env.seedFunding(t, "100")
	body := webhookBody(ref, "success", "50")

	testCases := []struct {
		name     string
		path     string
		body     string
		header   http.Header
		wantCode int
		wantBody string
	}{
		{
			name:     "missing signature",
			path:     "/webhook/paystack",
			body:     body,
			wantCode: http.StatusBadRequest,
			wantBody: "Invalid signature",
		},
		{
			name:     "wrong secret",
			path:     "/webhook/paystack",
			body:     body,
			header:   http.Header{"X-Paystack-Signature": {signature.Sign([]byte(body), "other")}},
			wantCode: http.StatusBadRequest,
			wantBody: "Invalid signature",
		},
		{
			name:     "tampered body",
			path:     "/webhook/paystack",
			body:     webhookBody(ref, "success", "5000"),
			header:   signed(body),
			wantCode: http.StatusBadRequest,
			wantBody: "Invalid signature",
		},
		{
			name:     "unknown provider",
			path:     "/webhook/flutterwave",
			body:     body,
			header:   http.Header{"X-Flutterwave-Signature": {signature.Sign([]byte(body), testSecret)}},
			wantCode: http.StatusBadRequest,
			wantBody: "Invalid signature",
		},
		{
			name:     "malformed json",
			path:     "/webhook/paystack",
			body:     `{"event":`,
			header:   signed(`{"event":`),
			wantCode: http.StatusBadRequest,
			wantBody: "Invalid payload",
		},
		{
			name:     "no reference",
			path:     "/webhook/paystack",
			body:     `{"event":"charge.success","data":{}}`,
			header:   signed(`{"event":"charge.success","data":{}}`),
			wantCode: http.StatusBadRequest,
			wantBody: "Invalid payload",
		},
		{
			name:     "verified",
			path:     "/webhook/paystack",
			body:     body,
			header:   signed(body),
			wantCode: http.StatusOK,
			wantBody: "Webhook verified",
		},
		{
			name:     "redelivery",
			path:     "/webhook/paystack",
			body:     body,
			header:   signed(body),
			wantCode: http.StatusOK,
			wantBody: "Webhook verified",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tc.path, tc.body, tc.header)
			if rec.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tc.wantCode, rec.Body.String())
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tc.wantBody {
				t.Errorf("body = %q, want %q", got, tc.wantBody)
			}
		})
	}

	if got := env.balance(t, account); got != "150" {
		t.Errorf("balance = %s, want 150", got)
	}
	evt, err := env.repo.GetWebhookEvent(context.Background(), ref)
	if err != nil {
		t.Fatalf("stored event: %v", err)
	}
	if !bytes.Equal(evt.Payload, []byte(body)) || evt.Provider != "paystack" {
		t.Errorf("stored event = %+v", evt)
	}
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t)
	_, okRef := env.seedFunding(t, "0")
	_, failRef := env.seedFunding(t, "0")

	for _, b := range []string{webhookBody(okRef, "success", "10"), webhookBody(failRef, "failed", "10")} {
		if rec := env.do(t, http.MethodPost, "/webhook/paystack", b, signed(b)); rec.Code != http.StatusOK {
			t.Fatalf("seed webhook = %d", rec.Code)
		}
	}

	testCases := []struct {
		ref        string
		wantCode   int
		wantStatus domain.OutcomeKind
	}{
		{okRef, http.StatusOK, domain.OutcomeSucceeded},
		{failRef, http.StatusBadRequest, domain.OutcomeFailed},
		{"never-seen", http.StatusAccepted, domain.OutcomeUnresolved},
	}
	for _, tc := range testCases {
		rec := env.do(t, http.MethodGet, "/verify/"+tc.ref, "", nil)
		if rec.Code != tc.wantCode {
			t.Errorf("verify %s = %d, want %d", tc.ref, rec.Code, tc.wantCode)
			continue
		}
		var resp verifyResp
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Reference != tc.ref || resp.Status != tc.wantStatus {
			t.Errorf("verify %s = %+v", tc.ref, resp)
		}
		if resp.Applied {
			t.Errorf("verify %s applied again after the webhook", tc.ref)
		}
	}
}

func decodePayroll(t *testing.T, rec *httptest.ResponseRecorder) payrollResp {
	t.Helper()
	var p payrollResp
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode payroll: %v", err)
	}
	return p
}

func TestPayrollLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/payrolls", `{"payroll_name":"October","cron_expression":"0 0 9 * * *"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	created := decodePayroll(t, rec)
	if !created.Automatic || created.Currency != "NGN" || created.PaymentStatus != domain.PaymentPending {
		t.Errorf("created = %+v", created.Payroll)
	}
	if expr, ok := env.registry.Expression(created.ID); !ok || expr != "0 0 9 * * *" {
		t.Fatalf("registry entry = %q, %v", expr, ok)
	}

	if rec := env.do(t, http.MethodPost, "/api/payrolls", `{"payroll_name":"October"}`, nil); rec.Code != http.StatusConflict {
		t.Errorf("duplicate name = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/payrolls/"+created.ID, `{"cron_expression":"0 30 8 * * MON"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reschedule = %d %s", rec.Code, rec.Body.String())
	}
	if expr, _ := env.registry.Expression(created.ID); expr != "0 30 8 * * MON" {
		t.Errorf("registry expression = %q after update", expr)
	}
	if env.registry.Len() != 1 {
		t.Errorf("registry holds %d entries, want 1", env.registry.Len())
	}

	rec = env.do(t, http.MethodPut, "/api/payrolls/"+created.ID, `{"automatic":false}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable = %d %s", rec.Code, rec.Body.String())
	}
	disabled := decodePayroll(t, rec)
	if disabled.Automatic || disabled.CronExpression != "" {
		t.Errorf("disabled = %+v", disabled.Payroll)
	}
	if env.registry.Scheduled(created.ID) {
		t.Errorf("payroll still scheduled after automation was switched off")
	}

	rec = env.do(t, http.MethodPost, "/api/payrolls/"+created.ID+"/run", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run = %d %s", rec.Code, rec.Body.String())
	}
	if len(env.runner.runs) != 1 || env.runner.runs[0] != created.ID {
		t.Errorf("runs = %v", env.runner.runs)
	}

	rec = env.do(t, http.MethodGet, "/api/payrolls", "", nil)
	var list []payrollResp
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list) != 1 {
		t.Errorf("list = %v, %v", list, err)
	}
}

func TestPayrollRenameKeepsRunningJob(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the cron clock")
	}
	started := make(chan struct{}, 1)
	interrupted := make(chan struct{}, 1)
	release := make(chan struct{})
	env := newTestEnvWithRun(t, func(ctx context.Context, _ string) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			select {
			case interrupted <- struct{}{}:
			default:
			}
		case <-release:
		}
	})
	env.registry.Start()
	defer close(release)

	rec := env.do(t, http.MethodPost, "/api/payrolls", `{"payroll_name":"October","cron_expression":"* * * * * *"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	created := decodePayroll(t, rec)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled run never started")
	}

	rec = env.do(t, http.MethodPut, "/api/payrolls/"+created.ID, `{"payroll_name":"October renamed"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename = %d %s", rec.Code, rec.Body.String())
	}
	if got := decodePayroll(t, rec); got.Name != "October renamed" {
		t.Errorf("name = %q after rename", got.Name)
	}

	select {
	case <-interrupted:
		t.Error("renaming the payroll cancelled its running job")
	case <-time.After(100 * time.Millisecond):
	}
	if expr, ok := env.registry.Expression(created.ID); !ok || expr != "* * * * * *" {
		t.Errorf("registry entry = %q, %v after rename", expr, ok)
	}
}

func TestPayrollFrequencyAnchor(t *testing.T) {
	env := newTestEnv(t)
	today := domain.DateOf(testNow)

	rec := env.do(t, http.MethodPost, "/api/payrolls", `{"payroll_name":"weekly","frequency":"weekly"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	weekly := decodePayroll(t, rec)
	if weekly.LastRunDate == nil || !weekly.LastRunDate.Equal(today) {
		t.Errorf("weekly last run date = %v, want %v", weekly.LastRunDate, today)
	}
	if scheduler.ShouldRun(weekly.Payroll, testNow) {
		t.Error("new weekly payroll is due on the day it was created")
	}
	if !scheduler.ShouldRun(weekly.Payroll, testNow.AddDate(0, 0, 7)) {
		t.Error("weekly payroll is not due one week after creation")
	}

	rec = env.do(t, http.MethodPost, "/api/payrolls", `{"payroll_name":"manual"}`, nil)
	manual := decodePayroll(t, rec)
	if manual.LastRunDate != nil {
		t.Errorf("manual payroll got last run date %v", manual.LastRunDate)
	}
	rec = env.do(t, http.MethodPut, "/api/payrolls/"+manual.ID, `{"frequency":"monthly"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set frequency = %d %s", rec.Code, rec.Body.String())
	}
	monthly := decodePayroll(t, rec)
	if monthly.LastRunDate == nil || !monthly.LastRunDate.Equal(today) {
		t.Errorf("monthly last run date = %v, want %v", monthly.LastRunDate, today)
	}

	earlier := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	p, err := env.repo.GetPayroll(ctx, monthly.ID)
	if err != nil {
		t.Fatal(err)
	}
	p.LastRunDate = &earlier
	if err := env.repo.SavePayrollRun(ctx, p); err != nil {
		t.Fatal(err)
	}
	rec = env.do(t, http.MethodPut, "/api/payrolls/"+monthly.ID, `{"frequency":"weekly"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("change frequency = %d %s", rec.Code, rec.Body.String())
	}
	if got := decodePayroll(t, rec); got.LastRunDate == nil || !got.LastRunDate.Equal(earlier) {
		t.Errorf("last run date = %v after frequency change, want %v", got.LastRunDate, earlier)
	}
}

func TestPayrollValidation(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
	}{
		{"missing name", http.MethodPost, "/api/payrolls", `{}`, http.StatusBadRequest},
		{"five field cron", http.MethodPost, "/api/payrolls", `{"payroll_name":"a","cron_expression":"0 9 * * *"}`, http.StatusBadRequest},
		{"unknown frequency", http.MethodPost, "/api/payrolls", `{"payroll_name":"b","frequency":"FORTNIGHTLY"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/payrolls", `{`, http.StatusBadRequest},
		{"frequency only", http.MethodPost, "/api/payrolls", `{"payroll_name":"c","frequency":"weekly"}`, http.StatusCreated},
		{"get missing", http.MethodGet, "/api/payrolls/nope", "", http.StatusNotFound},
		{"update missing", http.MethodPut, "/api/payrolls/nope", `{}`, http.StatusNotFound},
		{"run missing", http.MethodPost, "/api/payrolls/nope/run", "", http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, tc.body, nil)
			if rec.Code != tc.wantCode {
				t.Errorf("code = %d, want %d (%s)", rec.Code, tc.wantCode, rec.Body.String())
			}
		})
	}
}

func TestAccountsAndFundings(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/accounts", `{"employer_id":"emp-9"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account = %d %s", rec.Code, rec.Body.String())
	}
	var acct domain.VirtualAccount
	if err := json.NewDecoder(rec.Body).Decode(&acct); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if len(acct.AccountNumber) != 10 || acct.Currency != "NGN" || !acct.Balance.IsZero() {
		t.Errorf("account = %+v", acct)
	}

	rec = env.do(t, http.MethodPost, "/api/accounts/"+acct.AccountNumber+"/fundings", `{"reference":"ref-1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create funding = %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/api/accounts/"+acct.AccountNumber+"/fundings", `{"reference":"ref-1"}`, nil); rec.Code != http.StatusConflict {
		t.Errorf("duplicate funding reference = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/accounts/0000000000/fundings", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("funding for missing account = %d", rec.Code)
	}

	body := webhookBody("ref-1", "success", "300")
	if rec := env.do(t, http.MethodPost, "/webhook/paystack", body, signed(body)); rec.Code != http.StatusOK {
		t.Fatalf("webhook = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/fundings/ref-1", "", nil)
	var f domain.Funding
	if err := json.NewDecoder(rec.Body).Decode(&f); err != nil {
		t.Fatalf("decode funding: %v", err)
	}
	if f.Status != domain.FundingSuccess {
		t.Errorf("funding status = %s", f.Status)
	}
	if got := env.balance(t, acct.AccountNumber); got != "300" {
		t.Errorf("balance = %s, want 300", got)
	}
}

func TestEmployees(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/employees", `{"name":"Ada","salary":"1200.50","account_number":"0123456789","bank_code":"058"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	var created createdResp
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/api/employees/"+created.ID, "", nil)
	var e domain.Employee
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("decode employee: %v", err)
	}
	if e.Name != "Ada" || !e.Salary.Equal(decimal.RequireFromString("1200.5")) {
		t.Errorf("employee = %+v", e)
	}

	if rec := env.do(t, http.MethodPost, "/api/employees", `{"name":"Neg","salary":-1}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("negative salary = %d", rec.Code)
	}
}
