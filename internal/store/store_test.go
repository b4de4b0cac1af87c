package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/PortNumber53/billing-engine/internal/models"
)

var subscriptionRowColumns = []string{
	"id", "user_id", "plan_type", "status", "start_date", "next_billing_date",
	"price", "billing_cycle", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &Store{db: db}, mock
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestListDueSubscriptions(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	due := now.Add(-time.Hour)

	rows := sqlmock.NewRows(subscriptionRowColumns).
		AddRow(7, 42, "pro", "active", due.AddDate(0, -1, 0), due, 9900, "monthly", due, due)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'active'\n  AND plan_type <> 'basic'\n  AND next_billing_date <= $1")).
		WithArgs(now, 10).
		WillReturnRows(rows)

	subs, err := s.ListDueSubscriptions(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ListDueSubscriptions returned error: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].PlanType != models.PlanPro || subs[0].Price != 9900 {
		t.Fatalf("unexpected subscription: %+v", subs[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdvanceNextBillingDateIsConditional(t *testing.T) {
	s, mock := newMockStore(t)
	expected := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	next := expected.AddDate(0, 1, 0)

	mock.ExpectExec(`UPDATE subscriptions\s+SET next_billing_date = \$3`).
		WithArgs(int64(7), expected, next).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.AdvanceNextBillingDate(context.Background(), 7, expected, next)
	if err != nil {
		t.Fatalf("AdvanceNextBillingDate returned error: %v", err)
	}
	if ok {
		t.Fatal("expected no-op when no row matched")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSuspendSubscription(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`SET status = 'suspended'.*WHERE id = \$1 AND status = 'active'`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.SuspendSubscription(context.Background(), 3)
	if err != nil {
		t.Fatalf("SuspendSubscription returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected suspension to apply")
	}
}

func TestCancelSubscriptionWithoutActive(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE subscriptions\s+SET status = 'cancelled'`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns))
	mock.ExpectRollback()

	_, err := s.CancelSubscription(context.Background(), 9)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCancelSubscriptionDeactivatesKeys(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE subscriptions\s+SET status = 'cancelled'`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns).
			AddRow(1, 9, "pro", "cancelled", now, now.AddDate(0, 1, 0), 9900, "monthly", now, now))
	mock.ExpectExec(`UPDATE billing_keys\s+SET status = 'inactive'`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sub, err := s.CancelSubscription(context.Background(), 9)
	if err != nil {
		t.Fatalf("CancelSubscription returned error: %v", err)
	}
	if sub.Status != models.SubscriptionCancelled {
		t.Fatalf("expected cancelled status, got %s", sub.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveRegistrationCreatesSubscription(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	key := &models.BillingKey{UserID: 5, Token: "BK-1", CardNumberMasked: "************4242", CardName: "Visa"}
	sub := &models.Subscription{
		PlanType:        models.PlanPro,
		StartDate:       now,
		NextBillingDate: now.AddDate(0, 1, 0),
		Price:           9900,
		BillingCycle:    models.CycleMonthly,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE billing_keys\s+SET status = 'inactive'`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO billing_keys`).
		WithArgs(int64(5), "BK-1", "************4242", "Visa").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, now))
	mock.ExpectQuery(`FROM subscriptions\s+WHERE user_id = \$1 AND status = 'active'`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns))
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs(int64(5), models.PlanPro, now, now.AddDate(0, 1, 0), int64(9900), models.CycleMonthly).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(21, now, now))
	mock.ExpectCommit()

	created, err := s.SaveRegistration(context.Background(), key, sub)
	if err != nil {
		t.Fatalf("SaveRegistration returned error: %v", err)
	}
	if !created {
		t.Fatal("expected a new subscription")
	}
	if key.ID != 11 || sub.ID != 21 || sub.Status != models.SubscriptionActive {
		t.Fatalf("unexpected ids: key=%d sub=%d status=%s", key.ID, sub.ID, sub.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendPaymentLogMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	entry := &models.PaymentLogEntry{UserID: 1, OrderID: "INIBillTst_1", Amount: 9900, Status: models.PaymentFailed}
	mock.ExpectQuery(`INSERT INTO payment_logs`).
		WithArgs(int64(1), "INIBillTst_1", "", int64(9900), models.PaymentFailed, nil).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "payment_logs_order_id_key"})

	err := s.AppendPaymentLog(context.Background(), entry)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCountFailedPaymentsSince(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM payment_logs\s+WHERE user_id = \$1 AND status = 'failed'`).
		WithArgs(int64(4), since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := s.CountFailedPaymentsSince(context.Background(), 4, since)
	if err != nil {
		t.Fatalf("CountFailedPaymentsSince returned error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 failures, got %d", count)
	}
}

func TestListPaymentLogsClampsPage(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM payment_logs WHERE user_id = \$1`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`FROM payment_logs\s+WHERE user_id = \$1\s+ORDER BY created_at DESC`).
		WithArgs(int64(4), maxPageSize, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "order_id", "amount", "status", "raw", "created_at"}).
			AddRow(1, 4, "INIBillTst_1", 9900, "success", `{"resultCode":"00"}`, now))

	entries, total, err := s.ListPaymentLogs(context.Background(), 4, 500, -3)
	if err != nil {
		t.Fatalf("ListPaymentLogs returned error: %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("unexpected page: total=%d len=%d", total, len(entries))
	}
	if string(entries[0].GatewayResponseRaw) != `{"resultCode":"00"}` {
		t.Fatalf("unexpected raw response %s", entries[0].GatewayResponseRaw)
	}
}

func TestExtendMembershipMissingUser(t *testing.T) {
	s, mock := newMockStore(t)
	end := time.Date(2026, 4, 1, 2, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE users\s+SET grade = \$2,\s+membership_end_date = \$3`).
		WithArgs(int64(99), models.PlanPro, end).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.ExtendMembership(context.Background(), 99, models.PlanPro, end); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDowngradeLapsedMembershipsSkipsActiveSubscribers(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 1, 15, 1, 30, 0, 0, time.UTC)

	mock.ExpectExec(`AND u.membership_end_date < \$1\s+AND u.membership_status IN \('active', 'cancelled'\)\s+AND NOT EXISTS \(\s+SELECT 1 FROM subscriptions s\s+WHERE s.user_id = u.id AND s.status = 'active'`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.DowngradeLapsedMemberships(context.Background(), now)
	if err != nil {
		t.Fatalf("DowngradeLapsedMemberships returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestExpireCancelledSubscriptions(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	mock.ExpectExec(`WHERE status = 'cancelled' AND next_billing_date < \$1`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.ExpireCancelledSubscriptions(context.Background(), now)
	if err != nil {
		t.Fatalf("ExpireCancelledSubscriptions returned error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
}
