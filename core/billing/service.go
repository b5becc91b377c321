package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/tenant"
)

var (
	ErrScheduleNotFound = errors.New("fee schedule not found")
	ErrScheduleExists   = errors.New("a fee schedule for this grade already exists")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrPaymentFailed    = errors.New("payment failed")

	// ErrDuplicateReference means a payment with the same transaction
	// reference was already recorded.
	ErrDuplicateReference = errors.New("duplicate payment reference")

	newTxnID = defaultTxnID   // mockable
	refClock = defaultRefTime // mockable
)

func defaultTxnID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
}

func defaultRefTime() string {
	return time.Now().UTC().Format("20060102150405")
}

// PaymentReference builds the reference string carried through the gateway:
// a fixed prefix, the student id and a UTC second timestamp.
func PaymentReference(studentID int) string {
	return fmt.Sprintf("COHS%d%s", studentID, refClock())
}

// GatewayResult is the gateway's verdict on an STK push.
type GatewayResult struct {
	Success bool
	Message string
	Receipt string
}

// Gateway is any collaborator that can ask a payer's phone to authorize a
// payment. Implementations must honor the context deadline.
type Gateway interface {
	STKPush(ctx context.Context, phone string, amount int, reference string) (GatewayResult, error)
}

type Repository interface {
	CountSchedules(ctx context.Context, namespace string) (int, error)
	// CreateSchedules inserts schedules and their stream rows atomically.
	CreateSchedules(ctx context.Context, namespace string, schedules []FeeSchedule) error
	QuerySchedules(ctx context.Context, namespace string) ([]FeeSchedule, error)
	GetScheduleByGrade(ctx context.Context, namespace, gradeName string) (FeeSchedule, error)

	CreatePayment(ctx context.Context, namespace string, p *Payment) error
	// CompletePayment marks the payment completed and writes the payer's
	// notification in one transaction.
	CompletePayment(ctx context.Context, namespace, transactionID, receipt string, n *Notification) error
	// DeletePayment removes a pending payment the gateway declined.
	DeletePayment(ctx context.Context, namespace, transactionID string) error

	// StudentTermFees resolves a student's grade against the fee schedules;
	// found is false when the grade has no schedule.
	StudentTermFees(ctx context.Context, namespace string, studentID int) (fees [3]int, found bool, err error)
	SumCompletedPayments(ctx context.Context, namespace string, studentID int) (int, error)
	QueryPayments(ctx context.Context, namespace string, studentID int) ([]Payment, error)

	// QueryBalances returns one row per active student with fee totals and
	// cleared sums, for the outstanding-fees report.
	QueryBalances(ctx context.Context, namespace string) ([]StudentBalance, error)
	// CollectionTotals returns the school-wide expected and collected sums.
	CollectionTotals(ctx context.Context, namespace string) (expected, collected int, err error)

	QueryNotifications(ctx context.Context, namespace string, studentID, limit int) ([]Notification, error)
	// MarkNotificationsRead flags the given notifications read; an empty id
	// list flags all of the student's notifications.
	MarkNotificationsRead(ctx context.Context, namespace string, studentID int, ids []int) error
}

type Service struct {
	conf *core.Config
	repo Repository
	gw   Gateway
	log  core.Logger
}

var _ tenant.Seeder = (*Service)(nil)

func NewService(conf *core.Config, repo Repository, gw Gateway, log core.Logger) *Service {
	return &Service{conf: conf, repo: repo, gw: gw, log: log}
}

// SeedSchedules applies the registration payload to a freshly provisioned
// namespace. It seeds at most once: a namespace that already has schedules
// is left untouched, so retried provision jobs cannot duplicate them.
func (s *Service) SeedSchedules(ctx context.Context, namespace string, grades []tenant.GradeSeed) error {
	count, err := s.repo.CountSchedules(ctx, namespace)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	schedules := make([]FeeSchedule, 0, len(grades))
	for _, g := range grades {
		if err = g.Validate(); err != nil {
			return err
		}
		streams := g.Streams
		if streams == nil {
			streams = []string{}
		}
		schedules = append(schedules, FeeSchedule{
			GradeName: g.Name,
			Term1Fee:  g.Fees.Term1,
			Term2Fee:  g.Fees.Term2,
			Term3Fee:  g.Fees.Term3,
			Streams:   streams,
		})
	}
	if len(schedules) == 0 {
		return nil
	}
	if err = s.repo.CreateSchedules(ctx, namespace, schedules); err != nil {
		return err
	}
	s.log.Info(fmt.Sprintf("seeded %d fee schedule(s) into %s", len(schedules), namespace))
	return nil
}

// AddSchedule prices one more grade after activation.
func (s *Service) AddSchedule(ctx context.Context, t tenant.Tenant, ns *NewSchedule) (FeeSchedule, error) {
	if err := ns.Validate(); err != nil {
		return FeeSchedule{}, err
	}
	streams := ns.Streams
	if streams == nil {
		streams = []string{}
	}
	sched := FeeSchedule{
		GradeName: ns.GradeName,
		Term1Fee:  ns.Term1Fee,
		Term2Fee:  ns.Term2Fee,
		Term3Fee:  ns.Term3Fee,
		Streams:   streams,
	}
	if err := s.repo.CreateSchedules(ctx, t.NamespaceKey(), []FeeSchedule{sched}); err != nil {
		return FeeSchedule{}, err
	}
	return sched, nil
}

func (s *Service) Schedules(ctx context.Context, t tenant.Tenant) ([]FeeSchedule, error) {
	return s.repo.QuerySchedules(ctx, t.NamespaceKey())
}

func (s *Service) ScheduleForGrade(ctx context.Context, t tenant.Tenant, grade string) (FeeSchedule, error) {
	return s.repo.GetScheduleByGrade(ctx, t.NamespaceKey(), grade)
}

// InitiatePayment runs the STK-push flow: record the payment as pending,
// ask the gateway to push the authorization prompt, then settle. The
// gateway call happens outside any storage transaction, bounded by its own
// timeout; a declined or timed-out push removes the pending record.
func (s *Service) InitiatePayment(ctx context.Context, t tenant.Tenant, np *NewPayment) (Payment, error) {
	if err := np.Validate(); err != nil {
		return Payment{}, err
	}

	namespace := t.NamespaceKey()
	p := Payment{
		StudentID:     np.StudentID,
		Amount:        np.Amount,
		Phone:         np.Phone,
		Method:        MethodMpesa,
		Status:        PaymentPending,
		TransactionID: newTxnID(),
		Reference:     PaymentReference(np.StudentID),
	}
	if err := s.repo.CreatePayment(ctx, namespace, &p); err != nil {
		return Payment{}, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.conf.Daraja.Timeout)
	defer cancel()
	res, err := s.gw.STKPush(gwCtx, p.Phone, p.Amount, p.Reference)
	if err != nil || !res.Success {
		if delErr := s.repo.DeletePayment(ctx, namespace, p.TransactionID); delErr != nil {
			s.log.Error(fmt.Sprintf("removing declined payment %s", p.TransactionID), delErr)
		}
		if err != nil {
			return Payment{}, errors.Wrap(err, "payment gateway")
		}
		return Payment{}, errors.Wrap(ErrPaymentFailed, res.Message)
	}

	n := paymentNotification(np.StudentID, np.Amount)
	if err = s.repo.CompletePayment(ctx, namespace, p.TransactionID, res.Receipt, n); err != nil {
		return Payment{}, err
	}
	p.Status = PaymentCompleted
	s.log.Info(fmt.Sprintf("payment %s completed for student %d in %s (KES %d)",
		p.TransactionID, p.StudentID, t.Subdomain, p.Amount))
	return p, nil
}

// RecordCashPayment settles an over-the-counter payment without the
// gateway; it completes immediately.
func (s *Service) RecordCashPayment(ctx context.Context, t tenant.Tenant, studentID, amount int) (Payment, error) {
	if amount <= 0 {
		return Payment{}, core.NewValidationError(
			errors.New("amount must be positive"),
			core.FieldError{Field: "amount", Error: "amount must be positive"},
		)
	}

	namespace := t.NamespaceKey()
	p := Payment{
		StudentID:     studentID,
		Amount:        amount,
		Phone:         "",
		Method:        MethodCash,
		Status:        PaymentPending,
		TransactionID: newTxnID(),
		Reference:     PaymentReference(studentID),
	}
	if err := s.repo.CreatePayment(ctx, namespace, &p); err != nil {
		return Payment{}, err
	}
	n := paymentNotification(studentID, amount)
	if err := s.repo.CompletePayment(ctx, namespace, p.TransactionID, "", n); err != nil {
		return Payment{}, err
	}
	p.Status = PaymentCompleted
	return p, nil
}

func (s *Service) Payments(ctx context.Context, t tenant.Tenant, studentID int) ([]Payment, error) {
	return s.repo.QueryPayments(ctx, t.NamespaceKey(), studentID)
}

// FeeBalance reconciles one student's ledger. A student whose grade has no
// fee schedule owes nothing; payments clear oldest expectations first so
// the balance is simply total minus paid, floored at zero.
func (s *Service) FeeBalance(ctx context.Context, t tenant.Tenant, studentID int) (FeeBalance, error) {
	namespace := t.NamespaceKey()
	fees, found, err := s.repo.StudentTermFees(ctx, namespace, studentID)
	if err != nil {
		return FeeBalance{}, err
	}
	if !found {
		fees = [3]int{}
	}
	paid, err := s.repo.SumCompletedPayments(ctx, namespace, studentID)
	if err != nil {
		return FeeBalance{}, err
	}

	totalDue := fees[0] + fees[1] + fees[2]
	balance := totalDue - paid
	if balance < 0 {
		balance = 0
	}
	return FeeBalance{
		Term1:      fees[0],
		Term2:      fees[1],
		Term3:      fees[2],
		TotalDue:   totalDue,
		AmountPaid: paid,
		Balance:    balance,
		Status:     DeriveFeeStatus(totalDue, balance),
	}, nil
}

// OutstandingBalances reports every active student still owing fees.
func (s *Service) OutstandingBalances(ctx context.Context, t tenant.Tenant) ([]StudentBalance, error) {
	rows, err := s.repo.QueryBalances(ctx, t.NamespaceKey())
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		r.Balance = r.TotalDue - r.AmountPaid
		if r.Balance < 0 {
			r.Balance = 0
		}
		r.Status = DeriveFeeStatus(r.TotalDue, r.Balance)
		if r.Balance == 0 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// CollectionRate is the school-wide percentage of expected fees already
// collected. A school expecting nothing has a rate of zero, not a division
// error.
func (s *Service) CollectionRate(ctx context.Context, t tenant.Tenant) (float64, error) {
	expected, collected, err := s.repo.CollectionTotals(ctx, t.NamespaceKey())
	if err != nil {
		return 0, err
	}
	if expected == 0 {
		return 0, nil
	}
	return float64(collected) / float64(expected) * 100, nil
}

func (s *Service) Notifications(ctx context.Context, t tenant.Tenant, studentID int) ([]Notification, error) {
	return s.repo.QueryNotifications(ctx, t.NamespaceKey(), studentID, 50)
}

func (s *Service) MarkNotificationsRead(ctx context.Context, t tenant.Tenant, studentID int, ids []int) error {
	return s.repo.MarkNotificationsRead(ctx, t.NamespaceKey(), studentID, ids)
}

func paymentNotification(studentID, amount int) *Notification {
	return &Notification{
		StudentID: studentID,
		Title:     "Payment Received",
		Message:   fmt.Sprintf("Payment of KES %d has been received. Thank you!", amount),
		Type:      "info",
	}
}
