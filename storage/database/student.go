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
	"github.com/shuletrack/shuletrack/core/student"
)

// schemaIdent validates the namespace and returns it quoted for safe
// interpolation into per-tenant statements.
func schemaIdent(namespace string) (string, error) {
	if err := validNamespace(namespace); err != nil {
		return "", err
	}
	return pq.QuoteIdentifier(namespace), nil
}

type studentRow struct {
	ID             int         `db:"id"`
	AccountNo      string      `db:"account_no"`
	FullName       string      `db:"full_name"`
	DateOfBirth    time.Time   `db:"date_of_birth"`
	Gender         null.String `db:"gender"`
	Grade          string      `db:"grade"`
	Stream         null.String `db:"stream"`
	AdmissionDate  time.Time   `db:"admission_date"`
	PreviousSchool null.String `db:"previous_school"`
	PhotoPath      null.String `db:"photo_path"`
	MedicalInfo    null.String `db:"medical_info"`
	Status         null.String `db:"status"`
	CreatedAt      time.Time   `db:"created_at"`
}

func (r studentRow) toStudent() student.Student {
	return student.Student{
		ID:             r.ID,
		AccountNo:      r.AccountNo,
		FullName:       r.FullName,
		DateOfBirth:    r.DateOfBirth,
		Gender:         r.Gender.String,
		Grade:          r.Grade,
		Stream:         r.Stream.String,
		AdmissionDate:  r.AdmissionDate,
		PreviousSchool: r.PreviousSchool,
		PhotoPath:      r.PhotoPath,
		MedicalInfo:    r.MedicalInfo,
		Status:         r.Status.String,
		CreatedAt:      r.CreatedAt,
	}
}

type guardianRow struct {
	ID           int         `db:"id"`
	StudentID    int         `db:"student_id"`
	FullName     string      `db:"full_name"`
	Relationship string      `db:"relationship"`
	Phone        string      `db:"phone"`
	Email        null.String `db:"email"`
	Address      null.String `db:"address"`
	IsPrimary    bool        `db:"is_primary"`
	CreatedAt    time.Time   `db:"created_at"`
}

func (r guardianRow) toGuardian() student.Guardian {
	return student.Guardian{
		ID:           r.ID,
		StudentID:    r.StudentID,
		FullName:     r.FullName,
		Relationship: r.Relationship,
		Phone:        r.Phone,
		Email:        r.Email,
		Address:      r.Address,
		IsPrimary:    r.IsPrimary,
		CreatedAt:    r.CreatedAt,
	}
}

type StudentRepository struct {
	db *sqlx.DB
}

var _ student.Repository = (*StudentRepository)(nil)

func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

func (repo *StudentRepository) CreateStudent(ctx context.Context, namespace string, st *student.Student, g *student.Guardian) error {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return err
	}
	return core.Atomic(ctx, repo.db, func(tx core.DBTransactor) error {
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s."Students"
				(account_no, full_name, date_of_birth, gender, grade, stream,
				 admission_date, previous_school, photo_path, medical_info, status)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7, $8, $9, $10)
			RETURNING id, admission_date, created_at`, schema),
			st.AccountNo, st.FullName, st.DateOfBirth, st.Gender, st.Grade, st.Stream,
			st.PreviousSchool, st.PhotoPath, st.MedicalInfo, st.Status,
		).Scan(&st.ID, &st.AdmissionDate, &st.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return student.ErrAccountNoTaken
			}
			return errors.Wrap(err, "inserting student")
		}

		g.StudentID = st.ID
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s."Guardians"
				(student_id, full_name, relationship, phone, email, address, is_primary)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at`, schema),
			g.StudentID, g.FullName, g.Relationship, g.Phone, g.Email, g.Address, g.IsPrimary,
		).Scan(&g.ID, &g.CreatedAt)
		return errors.Wrap(err, "inserting guardian")
	})
}

func (repo *StudentRepository) GetStudent(ctx context.Context, namespace string, id int) (student.Student, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return student.Student{}, err
	}
	var row studentRow
	err = repo.db.GetContext(ctx, &row,
		fmt.Sprintf(`SELECT * FROM %s."Students" WHERE id = $1`, schema), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return student.Student{}, student.ErrStudentNotFound
		}
		return student.Student{}, errors.Wrap(err, "getting student")
	}
	return row.toStudent(), nil
}

func (repo *StudentRepository) GetStudentByLogin(ctx context.Context, namespace, accountNo, fullName string) (student.Student, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return student.Student{}, err
	}
	var row studentRow
	err = repo.db.GetContext(ctx, &row, fmt.Sprintf(`
		SELECT * FROM %s."Students"
		WHERE account_no = $1 AND LOWER(full_name) = LOWER($2)
		LIMIT 1`, schema), accountNo, fullName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return student.Student{}, student.ErrStudentNotFound
		}
		return student.Student{}, errors.Wrap(err, "getting student by login")
	}
	return row.toStudent(), nil
}

func (repo *StudentRepository) AccountNoExists(ctx context.Context, namespace, accountNo string) (bool, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return false, err
	}
	var exists bool
	err = repo.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s."Students" WHERE account_no = $1)`, schema),
		accountNo,
	).Scan(&exists)
	return exists, errors.Wrap(err, "checking account number")
}

func (repo *StudentRepository) QueryStudents(ctx context.Context, namespace string) ([]student.Student, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return nil, err
	}
	var rows []studentRow
	err = repo.db.SelectContext(ctx, &rows,
		fmt.Sprintf(`SELECT * FROM %s."Students" ORDER BY id`, schema))
	if err != nil {
		return nil, errors.Wrap(err, "querying students")
	}
	students := make([]student.Student, len(rows))
	for i, row := range rows {
		students[i] = row.toStudent()
	}
	return students, nil
}

func (repo *StudentRepository) UpdateStudent(ctx context.Context, namespace string, st *student.Student, g *student.Guardian) error {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return err
	}
	return core.Atomic(ctx, repo.db, func(tx core.DBTransactor) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s."Students"
			SET full_name = $1, date_of_birth = $2, gender = $3, grade = $4, stream = $5,
			    previous_school = $6, photo_path = $7, medical_info = $8
			WHERE id = $9`, schema),
			st.FullName, st.DateOfBirth, st.Gender, st.Grade, st.Stream,
			st.PreviousSchool, st.PhotoPath, st.MedicalInfo, st.ID)
		if err != nil {
			return errors.Wrap(err, "updating student")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return student.ErrStudentNotFound
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s."Guardians"
			SET full_name = $1, relationship = $2, phone = $3, email = $4, address = $5
			WHERE student_id = $6 AND is_primary = TRUE`, schema),
			g.FullName, g.Relationship, g.Phone, g.Email, g.Address, st.ID)
		return errors.Wrap(err, "updating guardian")
	})
}

func (repo *StudentRepository) SetStatus(ctx context.Context, namespace string, id int, status string) error {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return err
	}
	res, err := repo.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s."Students" SET status = $1 WHERE id = $2`, schema), status, id)
	if err != nil {
		return errors.Wrap(err, "updating student status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return student.ErrStudentNotFound
	}
	return nil
}

func (repo *StudentRepository) DeleteStudent(ctx context.Context, namespace string, id int) error {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return err
	}
	// guardians, payments and notifications cascade
	res, err := repo.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s."Students" WHERE id = $1`, schema), id)
	if err != nil {
		return errors.Wrap(err, "deleting student")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return student.ErrStudentNotFound
	}
	return nil
}

func (repo *StudentRepository) GetPrimaryGuardian(ctx context.Context, namespace string, studentID int) (student.Guardian, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return student.Guardian{}, err
	}
	var row guardianRow
	err = repo.db.GetContext(ctx, &row, fmt.Sprintf(`
		SELECT * FROM %s."Guardians"
		WHERE student_id = $1 AND is_primary = TRUE
		LIMIT 1`, schema), studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return student.Guardian{}, student.ErrStudentNotFound
		}
		return student.Guardian{}, errors.Wrap(err, "getting guardian")
	}
	return row.toGuardian(), nil
}

func (repo *StudentRepository) Stats(ctx context.Context, namespace string) (student.Stats, error) {
	schema, err := schemaIdent(namespace)
	if err != nil {
		return student.Stats{}, err
	}
	var s student.Stats
	err = repo.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'Active'),
		       COUNT(*) FILTER (WHERE status = 'Pending'),
		       COUNT(*) FILTER (WHERE status = 'Approved')
		FROM %s."Students"`, schema),
	).Scan(&s.Total, &s.Active, &s.Pending, &s.Approved)
	return s, errors.Wrap(err, "counting students")
}
