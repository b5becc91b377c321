package dummydb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shuletrack/shuletrack/core/billing"
	"github.com/shuletrack/shuletrack/core/student"
)

type billingRepository struct {
	db *DB
}

var _ billing.Repository = (*billingRepository)(nil) // interface compliance check

func NewBillingRepository(db *DB) billing.Repository {
	return &billingRepository{db: db}
}

func (repo *billingRepository) CountSchedules(ctx context.Context, namespace string) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	if ns := repo.db.ns(namespace); ns != nil {
		return len(ns.schedules), nil
	}
	return 0, nil
}

func (repo *billingRepository) CreateSchedules(ctx context.Context, namespace string, schedules []billing.FeeSchedule) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	ns := repo.db.provision(namespace)
	for i := range schedules {
		for _, other := range ns.schedules {
			if strings.EqualFold(other.GradeName, schedules[i].GradeName) {
				return billing.ErrScheduleExists
			}
		}
	}
	now := time.Now().UTC()
	for i := range schedules {
		schedules[i].ID = repo.db.nextPK()
		schedules[i].CreatedAt = now
		cp := schedules[i]
		ns.schedules[cp.ID] = &cp
	}
	return nil
}

func (repo *billingRepository) QuerySchedules(ctx context.Context, namespace string) ([]billing.FeeSchedule, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	var schedules []billing.FeeSchedule
	if ns := repo.db.ns(namespace); ns != nil {
		for _, s := range ns.schedules {
			schedules = append(schedules, *s)
		}
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].GradeName < schedules[j].GradeName })
	return schedules, nil
}

func (repo *billingRepository) GetScheduleByGrade(ctx context.Context, namespace, gradeName string) (billing.FeeSchedule, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	if s := repo.db.scheduleByGrade(namespace, gradeName); s != nil {
		return *s, nil
	}
	return billing.FeeSchedule{}, billing.ErrScheduleNotFound
}

func (repo *billingRepository) CreatePayment(ctx context.Context, namespace string, p *billing.Payment) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	ns := repo.db.provision(namespace)
	for _, existing := range ns.payments {
		if existing.TransactionID == p.TransactionID {
			return billing.ErrDuplicateReference
		}
	}
	p.ID = repo.db.nextPK()
	p.CreatedAt = time.Now().UTC()
	cp := *p
	ns.payments[p.ID] = &cp
	return nil
}

func (repo *billingRepository) CompletePayment(ctx context.Context, namespace, transactionID, receipt string, n *billing.Notification) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	ns := repo.db.ns(namespace)
	if ns == nil {
		return billing.ErrPaymentNotFound
	}
	var p *billing.Payment
	for _, other := range ns.payments {
		if other.TransactionID == transactionID {
			p = other
			break
		}
	}
	if p == nil {
		return billing.ErrPaymentNotFound
	}

	now := time.Now().UTC()
	p.Status = billing.PaymentCompleted
	p.CompletedAt.SetValid(now)
	if receipt != "" {
		p.MpesaReceipt.SetValid(receipt)
	}

	n.ID = repo.db.nextPK()
	n.CreatedAt = now
	cp := *n
	ns.notifications[n.ID] = &cp
	return nil
}

func (repo *billingRepository) DeletePayment(ctx context.Context, namespace, transactionID string) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	if ns := repo.db.ns(namespace); ns != nil {
		for id, p := range ns.payments {
			if p.TransactionID == transactionID {
				delete(ns.payments, id)
				return nil
			}
		}
	}
	return billing.ErrPaymentNotFound
}

func (repo *billingRepository) StudentTermFees(ctx context.Context, namespace string, studentID int) (fees [3]int, found bool, err error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	ns := repo.db.ns(namespace)
	if ns == nil {
		return fees, false, nil
	}
	st, ok := ns.students[studentID]
	if !ok {
		return fees, false, nil
	}
	s := repo.db.scheduleByGrade(namespace, st.Grade)
	if s == nil {
		return fees, false, nil
	}
	return [3]int{s.Term1Fee, s.Term2Fee, s.Term3Fee}, true, nil
}

func (repo *billingRepository) SumCompletedPayments(ctx context.Context, namespace string, studentID int) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	var sum int
	if ns := repo.db.ns(namespace); ns != nil {
		for _, p := range ns.payments {
			if p.StudentID == studentID && p.Status == billing.PaymentCompleted {
				sum += p.Amount
			}
		}
	}
	return sum, nil
}

func (repo *billingRepository) QueryPayments(ctx context.Context, namespace string, studentID int) ([]billing.Payment, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	var payments []billing.Payment
	if ns := repo.db.ns(namespace); ns != nil {
		for _, p := range ns.payments {
			if p.StudentID == studentID {
				payments = append(payments, *p)
			}
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].CreatedAt.After(payments[j].CreatedAt) })
	return payments, nil
}

func (repo *billingRepository) QueryBalances(ctx context.Context, namespace string) ([]billing.StudentBalance, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	ns := repo.db.ns(namespace)
	if ns == nil {
		return nil, nil
	}
	var rows []billing.StudentBalance
	for _, st := range ns.students {
		if st.Status != student.StatusActive {
			continue
		}
		var due int
		if s := repo.db.scheduleByGrade(namespace, st.Grade); s != nil {
			due = s.TotalFee()
		}
		var paid int
		for _, p := range ns.payments {
			if p.StudentID == st.ID && p.Status == billing.PaymentCompleted {
				paid += p.Amount
			}
		}
		rows = append(rows, billing.StudentBalance{
			StudentID:  st.ID,
			AccountNo:  st.AccountNo,
			FullName:   st.FullName,
			Grade:      st.Grade,
			TotalDue:   due,
			AmountPaid: paid,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StudentID < rows[j].StudentID })
	return rows, nil
}

func (repo *billingRepository) CollectionTotals(ctx context.Context, namespace string) (expected, collected int, err error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	ns := repo.db.ns(namespace)
	if ns == nil {
		return 0, 0, nil
	}
	for _, st := range ns.students {
		if st.Status != student.StatusActive {
			continue
		}
		if s := repo.db.scheduleByGrade(namespace, st.Grade); s != nil {
			expected += s.TotalFee()
		}
	}
	for _, p := range ns.payments {
		if p.Status == billing.PaymentCompleted {
			collected += p.Amount
		}
	}
	return expected, collected, nil
}

func (repo *billingRepository) QueryNotifications(ctx context.Context, namespace string, studentID, limit int) ([]billing.Notification, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	var notifs []billing.Notification
	if ns := repo.db.ns(namespace); ns != nil {
		for _, n := range ns.notifications {
			if n.StudentID == studentID {
				notifs = append(notifs, *n)
			}
		}
	}
	sort.Slice(notifs, func(i, j int) bool { return notifs[i].ID > notifs[j].ID })
	if limit > 0 && len(notifs) > limit {
		notifs = notifs[:limit]
	}
	return notifs, nil
}

func (repo *billingRepository) MarkNotificationsRead(ctx context.Context, namespace string, studentID int, ids []int) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	ns := repo.db.ns(namespace)
	if ns == nil {
		return nil
	}
	wanted := make(map[int]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for _, n := range ns.notifications {
		if n.StudentID != studentID {
			continue
		}
		if len(ids) == 0 || wanted[n.ID] {
			n.IsRead = true
		}
	}
	return nil
}
