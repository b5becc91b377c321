package billing

import (
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/shuletrack/shuletrack/core"
)

// Payment statuses; only Completed payments count toward a ledger.
const (
	PaymentPending   = "Pending"
	PaymentCompleted = "Completed"
)

// Payment methods
const (
	MethodMpesa = "MPesa"
	MethodCash  = "Cash"
)

// Derived per-student fee statuses
const (
	FeeStatusPaid    = "Paid"
	FeeStatusPending = "Pending"
	FeeStatusPartial = "Partial"
)

// FeeSchedule prices one grade for the school year, split across three
// terms. Streams subdivide the grade; a grade without streams keeps an
// empty list.
type FeeSchedule struct {
	ID        int       `json:"id"`
	GradeName string    `json:"grade_name"`
	Term1Fee  int       `json:"term1_fee"`
	Term2Fee  int       `json:"term2_fee"`
	Term3Fee  int       `json:"term3_fee"`
	Streams   []string  `json:"streams"`
	CreatedAt time.Time `json:"created_at"` // UTC
}

func (s FeeSchedule) TotalFee() int { return s.Term1Fee + s.Term2Fee + s.Term3Fee }

// Payment is one money movement against a student's account. TransactionID
// is unique per namespace and is how the gateway callback finds its row.
type Payment struct {
	ID            int         `json:"id"`
	StudentID     int         `json:"student_id"`
	Amount        int         `json:"amount"`
	Phone         string      `json:"phone"`
	Method        string      `json:"payment_method"`
	Status        string      `json:"status"`
	TransactionID string      `json:"transaction_id"`
	Reference     string      `json:"reference"`
	MpesaReceipt  null.String `json:"mpesa_receipt"`
	CreatedAt     time.Time   `json:"created_at"`   // UTC
	CompletedAt   null.Time   `json:"completed_at"` // UTC
}

// FeeBalance is a student's reconciled position: what the year costs, what
// has cleared, and what remains. Balance never goes negative; an overpaying
// family owes zero, the surplus is not tracked as credit.
type FeeBalance struct {
	Term1      int    `json:"term1"`
	Term2      int    `json:"term2"`
	Term3      int    `json:"term3"`
	TotalDue   int    `json:"total_due"`
	AmountPaid int    `json:"amount_paid"`
	Balance    int    `json:"balance"`
	Status     string `json:"status"`
}

// StudentBalance is one row of the school-wide outstanding-fees report.
type StudentBalance struct {
	StudentID  int    `json:"student_id"`
	AccountNo  string `json:"account_no"`
	FullName   string `json:"full_name"`
	Grade      string `json:"grade"`
	TotalDue   int    `json:"total_due"`
	AmountPaid int    `json:"amount_paid"`
	Balance    int    `json:"balance"`
	Status     string `json:"status"`
}

// Notification is a message on a student's parent-portal feed.
type Notification struct {
	ID        int       `json:"id"`
	StudentID int       `json:"student_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"` // UTC
}

// NewPayment contains information needed to start an STK-push payment.
type NewPayment struct {
	StudentID int    `json:"student_id" validate:"required,gt=0"`
	Amount    int    `json:"amount" validate:"required,gt=0"`
	Phone     string `json:"phone" validate:"required,msisdn"`
}

func (np *NewPayment) Validate() error {
	np.Phone = core.CleanString(np.Phone)
	return core.Validate.Struct(np)
}

// NewSchedule contains information needed to price an additional grade after
// activation.
type NewSchedule struct {
	GradeName string   `json:"grade_name" validate:"required"`
	Term1Fee  int      `json:"term1_fee" validate:"gte=0"`
	Term2Fee  int      `json:"term2_fee" validate:"gte=0"`
	Term3Fee  int      `json:"term3_fee" validate:"gte=0"`
	Streams   []string `json:"streams"`
}

func (ns *NewSchedule) Validate() error {
	ns.GradeName = core.CleanString(ns.GradeName)
	return core.Validate.Struct(ns)
}

// DeriveFeeStatus classifies a ledger position: cleared, untouched, or
// somewhere in between.
func DeriveFeeStatus(totalDue, balance int) string {
	switch {
	case balance <= 0:
		return FeeStatusPaid
	case balance >= totalDue:
		return FeeStatusPending
	default:
		return FeeStatusPartial
	}
}
