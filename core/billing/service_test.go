package billing

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/tenant"
)

// ------------------------------------------------------------------- fakes

type fakeRepo struct {
	mu            sync.Mutex
	schedules     map[string][]FeeSchedule
	payments      map[string][]*Payment
	notifications map[string][]*Notification
	studentGrades map[string]map[int]string // namespace -> student id -> grade
	lastID        int
}

var _ Repository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		schedules:     make(map[string][]FeeSchedule),
		payments:      make(map[string][]*Payment),
		notifications: make(map[string][]*Notification),
		studentGrades: make(map[string]map[int]string),
	}
}

func (r *fakeRepo) setGrade(namespace string, studentID int, grade string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.studentGrades[namespace]; !ok {
		r.studentGrades[namespace] = make(map[int]string)
	}
	r.studentGrades[namespace][studentID] = grade
}

func (r *fakeRepo) CountSchedules(ctx context.Context, namespace string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.schedules[namespace]), nil
}

func (r *fakeRepo) CreateSchedules(ctx context.Context, namespace string, schedules []FeeSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schedules {
		for _, existing := range r.schedules[namespace] {
			if existing.GradeName == s.GradeName {
				return ErrScheduleExists
			}
		}
		r.lastID++
		s.ID = r.lastID
		r.schedules[namespace] = append(r.schedules[namespace], s)
	}
	return nil
}

func (r *fakeRepo) QuerySchedules(ctx context.Context, namespace string) ([]FeeSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FeeSchedule(nil), r.schedules[namespace]...), nil
}

func (r *fakeRepo) GetScheduleByGrade(ctx context.Context, namespace, gradeName string) (FeeSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.schedules[namespace] {
		if s.GradeName == gradeName {
			return s, nil
		}
	}
	return FeeSchedule{}, ErrScheduleNotFound
}

func (r *fakeRepo) CreatePayment(ctx context.Context, namespace string, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	p.ID = r.lastID
	p.CreatedAt = time.Now().UTC()
	cp := *p
	r.payments[namespace] = append(r.payments[namespace], &cp)
	return nil
}

func (r *fakeRepo) CompletePayment(ctx context.Context, namespace, transactionID, receipt string, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments[namespace] {
		if p.TransactionID == transactionID {
			p.Status = PaymentCompleted
			p.CompletedAt.SetValid(time.Now().UTC())
			if receipt != "" {
				p.MpesaReceipt.SetValid(receipt)
			}
			r.lastID++
			n.ID = r.lastID
			n.CreatedAt = time.Now().UTC()
			r.notifications[namespace] = append(r.notifications[namespace], n)
			return nil
		}
	}
	return ErrPaymentNotFound
}

func (r *fakeRepo) DeletePayment(ctx context.Context, namespace, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payments := r.payments[namespace]
	for i, p := range payments {
		if p.TransactionID == transactionID {
			r.payments[namespace] = append(payments[:i], payments[i+1:]...)
			return nil
		}
	}
	return ErrPaymentNotFound
}

func (r *fakeRepo) StudentTermFees(ctx context.Context, namespace string, studentID int) ([3]int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	grade, ok := r.studentGrades[namespace][studentID]
	if !ok {
		return [3]int{}, false, nil
	}
	for _, s := range r.schedules[namespace] {
		if s.GradeName == grade {
			return [3]int{s.Term1Fee, s.Term2Fee, s.Term3Fee}, true, nil
		}
	}
	return [3]int{}, false, nil
}

func (r *fakeRepo) SumCompletedPayments(ctx context.Context, namespace string, studentID int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := 0
	for _, p := range r.payments[namespace] {
		if p.StudentID == studentID && p.Status == PaymentCompleted {
			sum += p.Amount
		}
	}
	return sum, nil
}

func (r *fakeRepo) QueryPayments(ctx context.Context, namespace string, studentID int) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.payments[namespace] {
		if p.StudentID == studentID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *fakeRepo) QueryBalances(ctx context.Context, namespace string) ([]StudentBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StudentBalance
	for studentID, grade := range r.studentGrades[namespace] {
		row := StudentBalance{StudentID: studentID, Grade: grade}
		for _, s := range r.schedules[namespace] {
			if s.GradeName == grade {
				row.TotalDue = s.TotalFee()
			}
		}
		for _, p := range r.payments[namespace] {
			if p.StudentID == studentID && p.Status == PaymentCompleted {
				row.AmountPaid += p.Amount
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *fakeRepo) CollectionTotals(ctx context.Context, namespace string) (int, int, error) {
	rows, _ := r.QueryBalances(ctx, namespace)
	var expected, collected int
	for _, row := range rows {
		expected += row.TotalDue
		collected += row.AmountPaid
	}
	return expected, collected, nil
}

func (r *fakeRepo) QueryNotifications(ctx context.Context, namespace string, studentID, limit int) ([]Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notifications[namespace] {
		if n.StudentID == studentID {
			out = append(out, *n)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) MarkNotificationsRead(ctx context.Context, namespace string, studentID int, ids []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications[namespace] {
		if n.StudentID != studentID {
			continue
		}
		if len(ids) == 0 {
			n.IsRead = true
			continue
		}
		for _, id := range ids {
			if n.ID == id {
				n.IsRead = true
			}
		}
	}
	return nil
}

type fakeGateway struct {
	mu     sync.Mutex
	pushes []string // references
	result GatewayResult
	err    error
}

var _ Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) STKPush(ctx context.Context, phone string, amount int, reference string) (GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return GatewayResult{}, err
	}
	g.pushes = append(g.pushes, reference)
	return g.result, g.err
}

// ---------------------------------------------------------------- fixtures

func newTestService(repo *fakeRepo, gw *fakeGateway) *Service {
	conf := &core.Config{Daraja: core.DarajaConfig{Timeout: 15 * time.Second}}
	return NewService(conf, repo, gw, core.NewStdLogger(log.New(io.Discard, "", 0)))
}

func greenwood() tenant.Tenant {
	return tenant.Tenant{ID: 1, Name: "Greenwood Academy", Subdomain: "greenwoodacademy", Verified: true}
}

func seedGreenwood(t *testing.T, svc *Service) {
	t.Helper()
	err := svc.SeedSchedules(context.Background(), greenwood().NamespaceKey(), []tenant.GradeSeed{
		{Name: "Grade 1", Fees: &tenant.TermFees{Term1: 500, Term2: 500, Term3: 500}, Streams: []string{"East", "West"}},
		{Name: "Grade 2", Fees: &tenant.TermFees{Term1: 700, Term2: 650, Term3: 600}, Streams: []string{}},
	})
	require.NoError(t, err)
}

// ------------------------------------------------------------------- tests

func TestServiceSeedSchedules(t *testing.T) {
	ctx := context.Background()

	t.Run("seeds once", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo, &fakeGateway{})
		seedGreenwood(t, svc)

		schedules, err := svc.Schedules(ctx, greenwood())
		require.NoError(t, err)
		require.Len(t, schedules, 2)
		assert.Equal(t, 1500, schedules[0].TotalFee())
		assert.Equal(t, []string{"East", "West"}, schedules[0].Streams)
		assert.Equal(t, []string{}, schedules[1].Streams)

		// a retried provision job must not duplicate schedules
		seedGreenwood(t, svc)
		schedules, err = svc.Schedules(ctx, greenwood())
		require.NoError(t, err)
		assert.Len(t, schedules, 2)
	})

	t.Run("rejects invalid seeds", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo, &fakeGateway{})
		err := svc.SeedSchedules(ctx, "tenant_x", []tenant.GradeSeed{{Name: "Grade 1"}})
		assert.Error(t, err)
	})

	t.Run("empty payload is a no-op", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo, &fakeGateway{})
		require.NoError(t, svc.SeedSchedules(ctx, "tenant_x", nil))
		n, err := repo.CountSchedules(ctx, "tenant_x")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestServiceAddSchedule(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{})
	seedGreenwood(t, svc)

	_, err := svc.AddSchedule(ctx, greenwood(), &NewSchedule{GradeName: "Grade 3", Term1Fee: 800, Term2Fee: 750, Term3Fee: 700})
	require.NoError(t, err)
	got, err := svc.ScheduleForGrade(ctx, greenwood(), "Grade 3")
	require.NoError(t, err)
	assert.Equal(t, 2250, got.TotalFee())

	_, err = svc.AddSchedule(ctx, greenwood(), &NewSchedule{GradeName: "Grade 3"})
	assert.ErrorIs(t, err, ErrScheduleExists)
}

func TestServiceFeeBalance(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{result: GatewayResult{Success: true, Receipt: "QGH7SK2M1P"}})
	seedGreenwood(t, svc)

	school := greenwood()
	repo.setGrade(school.NamespaceKey(), 7, "Grade 1") // 1500 due

	pay := func(amount int) {
		t.Helper()
		_, err := svc.InitiatePayment(ctx, school, &NewPayment{StudentID: 7, Amount: amount, Phone: "0712345678"})
		require.NoError(t, err)
	}

	// untouched ledger
	fb, err := svc.FeeBalance(ctx, school, 7)
	require.NoError(t, err)
	assert.Equal(t, FeeBalance{Term1: 500, Term2: 500, Term3: 500, TotalDue: 1500, Balance: 1500, Status: FeeStatusPending}, fb)

	pay(600)
	pay(500)
	fb, err = svc.FeeBalance(ctx, school, 7)
	require.NoError(t, err)
	assert.Equal(t, 1100, fb.AmountPaid)
	assert.Equal(t, 400, fb.Balance)
	assert.Equal(t, FeeStatusPartial, fb.Status)

	pay(400)
	fb, err = svc.FeeBalance(ctx, school, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, fb.Balance)
	assert.Equal(t, FeeStatusPaid, fb.Status)

	// overpayment clamps at zero instead of going negative
	pay(100)
	fb, err = svc.FeeBalance(ctx, school, 7)
	require.NoError(t, err)
	assert.Equal(t, 1600, fb.AmountPaid)
	assert.Equal(t, 0, fb.Balance)
	assert.Equal(t, FeeStatusPaid, fb.Status)
}

func TestServiceFeeBalanceNoSchedule(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{})

	// student in a grade nobody priced owes nothing
	repo.setGrade(greenwood().NamespaceKey(), 3, "Grade 9")
	fb, err := svc.FeeBalance(ctx, greenwood(), 3)
	require.NoError(t, err)
	assert.Equal(t, 0, fb.TotalDue)
	assert.Equal(t, 0, fb.Balance)
	assert.Equal(t, FeeStatusPaid, fb.Status)
}

func TestServiceInitiatePayment(t *testing.T) {
	ctx := context.Background()
	school := greenwood()

	t.Run("completed with notification", func(t *testing.T) {
		repo := newFakeRepo()
		gw := &fakeGateway{result: GatewayResult{Success: true, Receipt: "QGH7SK2M1P"}}
		svc := newTestService(repo, gw)
		seedGreenwood(t, svc)
		repo.setGrade(school.NamespaceKey(), 7, "Grade 1")

		p, err := svc.InitiatePayment(ctx, school, &NewPayment{StudentID: 7, Amount: 600, Phone: "0712345678"})
		require.NoError(t, err)
		assert.Equal(t, PaymentCompleted, p.Status)
		assert.Len(t, p.TransactionID, 12)
		assert.Contains(t, p.Reference, "COHS7")

		payments, err := svc.Payments(ctx, school, 7)
		require.NoError(t, err)
		require.Len(t, payments, 1)
		assert.Equal(t, PaymentCompleted, payments[0].Status)
		assert.Equal(t, "QGH7SK2M1P", payments[0].MpesaReceipt.String)
		assert.True(t, payments[0].CompletedAt.Valid)

		ns, err := svc.Notifications(ctx, school, 7)
		require.NoError(t, err)
		require.Len(t, ns, 1)
		assert.Equal(t, "Payment Received", ns[0].Title)
		assert.Contains(t, ns[0].Message, "KES 600")
	})

	t.Run("gateway decline removes the pending record", func(t *testing.T) {
		repo := newFakeRepo()
		gw := &fakeGateway{result: GatewayResult{Success: false, Message: "insufficient funds"}}
		svc := newTestService(repo, gw)

		_, err := svc.InitiatePayment(ctx, school, &NewPayment{StudentID: 7, Amount: 600, Phone: "0712345678"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPaymentFailed)
		assert.Contains(t, err.Error(), "insufficient funds")

		payments, err := svc.Payments(ctx, school, 7)
		require.NoError(t, err)
		assert.Empty(t, payments, "declined payment must not linger as pending")
	})

	t.Run("gateway error removes the pending record", func(t *testing.T) {
		repo := newFakeRepo()
		gw := &fakeGateway{err: errors.New("connection reset")}
		svc := newTestService(repo, gw)

		_, err := svc.InitiatePayment(ctx, school, &NewPayment{StudentID: 7, Amount: 600, Phone: "0712345678"})
		require.Error(t, err)
		payments, err := svc.Payments(ctx, school, 7)
		require.NoError(t, err)
		assert.Empty(t, payments)
	})

	t.Run("invalid request never reaches the gateway", func(t *testing.T) {
		repo := newFakeRepo()
		gw := &fakeGateway{result: GatewayResult{Success: true}}
		svc := newTestService(repo, gw)

		_, err := svc.InitiatePayment(ctx, school, &NewPayment{StudentID: 7, Amount: 0, Phone: "0712345678"})
		assert.Error(t, err)
		_, err = svc.InitiatePayment(ctx, school, &NewPayment{StudentID: 7, Amount: 100, Phone: "not-a-phone"})
		assert.Error(t, err)
		assert.Empty(t, gw.pushes)
	})
}

func TestServiceRecordCashPayment(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{})
	seedGreenwood(t, svc)
	school := greenwood()
	repo.setGrade(school.NamespaceKey(), 7, "Grade 1")

	p, err := svc.RecordCashPayment(ctx, school, 7, 1500)
	require.NoError(t, err)
	assert.Equal(t, MethodCash, p.Method)
	assert.Equal(t, PaymentCompleted, p.Status)

	fb, err := svc.FeeBalance(ctx, school, 7)
	require.NoError(t, err)
	assert.Equal(t, FeeStatusPaid, fb.Status)

	_, err = svc.RecordCashPayment(ctx, school, 7, 0)
	assert.Error(t, err)
}

func TestServiceOutstandingBalances(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{result: GatewayResult{Success: true}})
	seedGreenwood(t, svc)
	school := greenwood()

	repo.setGrade(school.NamespaceKey(), 1, "Grade 1") // 1500 due
	repo.setGrade(school.NamespaceKey(), 2, "Grade 2") // 1950 due

	_, err := svc.RecordCashPayment(ctx, school, 1, 1500) // cleared
	require.NoError(t, err)
	_, err = svc.RecordCashPayment(ctx, school, 2, 950) // 1000 left
	require.NoError(t, err)

	rows, err := svc.OutstandingBalances(ctx, school)
	require.NoError(t, err)
	require.Len(t, rows, 1, "settled students are excluded")
	assert.Equal(t, 2, rows[0].StudentID)
	assert.Equal(t, 1000, rows[0].Balance)
	assert.Equal(t, FeeStatusPartial, rows[0].Status)
}

func TestServiceCollectionRate(t *testing.T) {
	ctx := context.Background()
	school := greenwood()

	t.Run("zero expected means zero rate", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo, &fakeGateway{})
		rate, err := svc.CollectionRate(ctx, school)
		require.NoError(t, err)
		assert.Zero(t, rate)
	})

	t.Run("partial collection", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo, &fakeGateway{})
		seedGreenwood(t, svc)
		repo.setGrade(school.NamespaceKey(), 1, "Grade 1") // 1500 expected
		_, err := svc.RecordCashPayment(ctx, school, 1, 750)
		require.NoError(t, err)

		rate, err := svc.CollectionRate(ctx, school)
		require.NoError(t, err)
		assert.InDelta(t, 50.0, rate, 0.001)
	})
}

func TestServiceNotificationsMarkRead(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{})
	school := greenwood()

	_, err := svc.RecordCashPayment(ctx, school, 7, 100)
	require.NoError(t, err)
	_, err = svc.RecordCashPayment(ctx, school, 7, 200)
	require.NoError(t, err)

	ns, err := svc.Notifications(ctx, school, 7)
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.False(t, ns[0].IsRead)

	// empty id list marks everything read
	require.NoError(t, svc.MarkNotificationsRead(ctx, school, 7, nil))
	ns, err = svc.Notifications(ctx, school, 7)
	require.NoError(t, err)
	for _, n := range ns {
		assert.True(t, n.IsRead)
	}
}
