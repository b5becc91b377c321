package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/billing"
	"github.com/shuletrack/shuletrack/core/tenant"
)

type scheduleRow struct {
	ID        int       `db:"id"`
	GradeName string    `db:"grade_name"`
	Term1Fee  int       `db:"term1_fee"`
	Term2Fee  int       `db:"term2_fee"`
	Term3Fee  int       `db:"term3_fee"`
	Streams   string    `db:"streams"`
	CreatedAt time.Time `db:"created_at"`
}

func (r scheduleRow) toSchedule() billing.FeeSchedule {
	return billing.FeeSchedule{
		ID:        r.ID,
		GradeName: r.GradeName,
		Term1Fee:  r.Term1Fee,
		Term2Fee:  r.Term2Fee,
		Term3Fee:  r.Term3Fee,
		Streams:   tenant.DecodeStreams(r.Streams),
		CreatedAt: r.CreatedAt,
	}
}

type paymentRow struct {
	ID            int         `db:"id"`
	StudentID     int         `db:"student_id"`
	Amount        int         `db:"amount"`
	Phone         string      `db:"phone"`
	Method        null.String `db:"payment_method"`
	Status        null.String `db:"status"`
	TransactionID null.String `db:"transaction_id"`
	Reference     null.String `db:"reference"`
	CreatedAt     time.Time   `db:"created_at"`
	CompletedAt   null.Time   `db:"completed_at"`
	MpesaReceipt  null.String `db:"mpesa_receipt"`
}

func (r paymentRow) toPayment() billing.Payment {
	return billing.Payment{
		ID:            r.ID,
		StudentID:     r.StudentID,
		Amount:        r.Amount,
		Phone:         r.Phone,
		Method:        r.Method.String,
		Status:        r.Status.String,
		TransactionID: r.TransactionID.String,
		Reference:     r.Reference.String,
		MpesaReceipt:  r.MpesaReceipt,
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
	}
}

type notificationRow struct {
	ID        int       `db:"id"`
	StudentID int       `db:"student_id"`
	Title     string    `db:"title"`
	Message   string    `db:"message"`
	Type      string    `db:"type"`
	IsRead    bool      `db:"is_read"`
	CreatedAt time.Time `db:"created_at"`
}

type BillingRepository struct {
	db *sqlx.DB
}

var _ billing.Repository = (*BillingRepository)(nil)

func NewBillingRepository(db *sqlx.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

func (repo *BillingRepository) CountSchedules(ctx context.Context, namespace string) (int, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return 0, err
	}
	var count int
	err = repo.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s."Grades"`, schema),
	).Scan(&count)
	return count, errors.Wrap(err, "counting schedules")
}

func (repo *BillingRepository) CreateSchedules(ctx context.Context, namespace string, schedules []billing.FeeSchedule) error {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return err
	}
	return core.Atomic(ctx, repo.db, func(tx core.DBTransactor) error {
		for i := range schedules {
			s := &schedules[i]
			err := tx.QueryRowContext(ctx, fmt.Sprintf(`
				INSERT INTO %s."Grades" (grade_name, term1_fee, term2_fee, term3_fee, streams)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id, created_at`, schema),
				s.GradeName, s.Term1Fee, s.Term2Fee, s.Term3Fee, tenant.EncodeStreams(s.Streams),
			).Scan(&s.ID, &s.CreatedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return billing.ErrScheduleExists
				}
				return errors.Wrap(err, "inserting fee schedule")
			}

			for _, stream := range s.Streams {
				_, err = tx.ExecContext(ctx, fmt.Sprintf(`
					INSERT INTO %s."Streams" (grade_name, stream_name)
					VALUES ($1, $2)
					ON CONFLICT ON CONSTRAINT uq_grade_stream DO NOTHING`, schema),
					s.GradeName, stream)
				if err != nil {
					return errors.Wrap(err, "inserting stream")
				}
			}
		}
		return nil
	})
}

func (repo *BillingRepository) QuerySchedules(ctx context.Context, namespace string) ([]billing.FeeSchedule, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return nil, err
	}
	var rows []scheduleRow
	err = repo.db.SelectContext(ctx, &rows,
		fmt.Sprintf(`SELECT * FROM %s."Grades" ORDER BY id`, schema))
	if err != nil {
		return nil, errors.Wrap(err, "querying schedules")
	}
	schedules := make([]billing.FeeSchedule, len(rows))
	for i, row := range rows {
		schedules[i] = row.toSchedule()
	}
	return schedules, nil
}

func (repo *BillingRepository) GetScheduleByGrade(ctx context.Context, namespace, gradeName string) (billing.FeeSchedule, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return billing.FeeSchedule{}, err
	}
	var row scheduleRow
	err = repo.db.GetContext(ctx, &row,
		fmt.Sprintf(`SELECT * FROM %s."Grades" WHERE grade_name = $1`, schema), gradeName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return billing.FeeSchedule{}, billing.ErrScheduleNotFound
		}
		return billing.FeeSchedule{}, errors.Wrap(err, "getting schedule")
	}
	return row.toSchedule(), nil
}

func (repo *BillingRepository) CreatePayment(ctx context.Context, namespace string, p *billing.Payment) error {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return err
	}
	err = repo.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s."Payments"
			(student_id, amount, phone, payment_method, status, transaction_id, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`, schema),
		p.StudentID, p.Amount, p.Phone, p.Method, p.Status, p.TransactionID, p.Reference,
	).Scan(&p.ID, &p.CreatedAt)
	if isUniqueViolation(err) {
		return billing.ErrDuplicateReference
	}
	return errors.Wrap(err, "inserting payment")
}

func (repo *BillingRepository) CompletePayment(ctx context.Context, namespace, transactionID, receipt string, n *billing.Notification) error {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return err
	}
	return core.Atomic(ctx, repo.db, func(tx core.DBTransactor) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s."Payments"
			SET status = $1, completed_at = NOW(), mpesa_receipt = NULLIF($2, '')
			WHERE transaction_id = $3`, schema),
			billing.PaymentCompleted, receipt, transactionID)
		if err != nil {
			return errors.Wrap(err, "completing payment")
		}
		if count, _ := res.RowsAffected(); count == 0 {
			return billing.ErrPaymentNotFound
		}

		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s."Notifications" (student_id, title, message, type)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`, schema),
			n.StudentID, n.Title, n.Message, n.Type,
		).Scan(&n.ID, &n.CreatedAt)
		return errors.Wrap(err, "inserting notification")
	})
}

func (repo *BillingRepository) DeletePayment(ctx context.Context, namespace, transactionID string) error {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return err
	}
	res, err := repo.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s."Payments" WHERE transaction_id = $1`, schema), transactionID)
	if err != nil {
		return errors.Wrap(err, "deleting payment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrPaymentNotFound
	}
	return nil
}

func (repo *BillingRepository) StudentTermFees(ctx context.Context, namespace string, studentID int) ([3]int, bool, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return [3]int{}, false, err
	}
	var fees [3]int
	err = repo.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT g.term1_fee, g.term2_fee, g.term3_fee
		FROM %[1]s."Students" s
		JOIN %[1]s."Grades" g ON s.grade = g.grade_name
		WHERE s.id = $1`, schema), studentID,
	).Scan(&fees[0], &fees[1], &fees[2])
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return [3]int{}, false, nil
		}
		return [3]int{}, false, errors.Wrap(err, "resolving term fees")
	}
	return fees, true, nil
}

func (repo *BillingRepository) SumCompletedPayments(ctx context.Context, namespace string, studentID int) (int, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return 0, err
	}
	var sum int
	err = repo.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(SUM(amount), 0)
		FROM %s."Payments"
		WHERE student_id = $1 AND status = $2`, schema),
		studentID, billing.PaymentCompleted,
	).Scan(&sum)
	return sum, errors.Wrap(err, "summing payments")
}

func (repo *BillingRepository) QueryPayments(ctx context.Context, namespace string, studentID int) ([]billing.Payment, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return nil, err
	}
	var rows []paymentRow
	err = repo.db.SelectContext(ctx, &rows, fmt.Sprintf(`
		SELECT * FROM %s."Payments"
		WHERE student_id = $1
		ORDER BY created_at DESC`, schema), studentID)
	if err != nil {
		return nil, errors.Wrap(err, "querying payments")
	}
	payments := make([]billing.Payment, len(rows))
	for i, row := range rows {
		payments[i] = row.toPayment()
	}
	return payments, nil
}

func (repo *BillingRepository) QueryBalances(ctx context.Context, namespace string) ([]billing.StudentBalance, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return nil, err
	}
	rows, err := repo.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT s.id, s.account_no, s.full_name, s.grade,
		       COALESCE(g.term1_fee + g.term2_fee + g.term3_fee, 0) AS total_due,
		       COALESCE(SUM(p.amount), 0) AS amount_paid
		FROM %[1]s."Students" s
		LEFT JOIN %[1]s."Grades" g ON s.grade = g.grade_name
		LEFT JOIN %[1]s."Payments" p ON s.id = p.student_id AND p.status = 'Completed'
		WHERE s.status = 'Active'
		GROUP BY s.id, g.term1_fee, g.term2_fee, g.term3_fee
		ORDER BY s.full_name`, schema))
	if err != nil {
		return nil, errors.Wrap(err, "querying balances")
	}
	defer func() { _ = rows.Close() }()

	var out []billing.StudentBalance
	for rows.Next() {
		var b billing.StudentBalance
		if err = rows.Scan(&b.StudentID, &b.AccountNo, &b.FullName, &b.Grade, &b.TotalDue, &b.AmountPaid); err != nil {
			return nil, errors.Wrap(err, "querying balances")
		}
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "querying balances")
}

func (repo *BillingRepository) CollectionTotals(ctx context.Context, namespace string) (int, int, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return 0, 0, err
	}
	var expected, collected int
	err = repo.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(SUM(g.term1_fee + g.term2_fee + g.term3_fee), 0),
		       COALESCE((SELECT SUM(amount) FROM %[1]s."Payments" WHERE status = 'Completed'), 0)
		FROM %[1]s."Students" s
		LEFT JOIN %[1]s."Grades" g ON s.grade = g.grade_name
		WHERE s.status = 'Active'`, schema),
	).Scan(&expected, &collected)
	return expected, collected, errors.Wrap(err, "totaling collections")
}

func (repo *BillingRepository) QueryNotifications(ctx context.Context, namespace string, studentID, limit int) ([]billing.Notification, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return nil, err
	}
	var rows []notificationRow
	err = repo.db.SelectContext(ctx, &rows, fmt.Sprintf(`
		SELECT * FROM %s."Notifications"
		WHERE student_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, schema), studentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying notifications")
	}
	out := make([]billing.Notification, len(rows))
	for i, row := range rows {
		out[i] = billing.Notification{
			ID:        row.ID,
			StudentID: row.StudentID,
			Title:     row.Title,
			Message:   row.Message,
			Type:      row.Type,
			IsRead:    row.IsRead,
			CreatedAt: row.CreatedAt,
		}
	}
	return out, nil
}

func (repo *BillingRepository) MarkNotificationsRead(ctx context.Context, namespace string, studentID int, ids []int) error {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		_, err = repo.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s."Notifications"
			SET is_read = TRUE
			WHERE student_id = $1 AND id = ANY($2)`, schema),
			studentID, pq.Array(ids))
	} else {
		_, err = repo.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s."Notifications"
			SET is_read = TRUE
			WHERE student_id = $1`, schema), studentID)
	}
	return errors.Wrap(err, "marking notifications read")
}
