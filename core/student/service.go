package student

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/tenant"
)

var (
	ErrStudentNotFound = errors.New("student not found")
	// ErrAccountNoTaken surfaces the unique constraint on account_no; the
	// pre-insert probe makes it rare but cannot rule it out.
	ErrAccountNoTaken = errors.New("account number already taken")
	ErrGenderPolicy   = errors.New("student gender not admitted by this school")
)

// maxAdmitRetries bounds how often an admission is retried after losing an
// account-number race to a concurrent insert.
const maxAdmitRetries = 3

type Repository interface {
	// CreateStudent inserts the student and their primary guardian
	// atomically within the given namespace.
	CreateStudent(ctx context.Context, namespace string, st *Student, g *Guardian) error
	GetStudent(ctx context.Context, namespace string, id int) (Student, error)
	// GetStudentByLogin matches the account number exactly and the full
	// name case-insensitively.
	GetStudentByLogin(ctx context.Context, namespace, accountNo, fullName string) (Student, error)
	AccountNoExists(ctx context.Context, namespace, accountNo string) (bool, error)
	QueryStudents(ctx context.Context, namespace string) ([]Student, error)
	UpdateStudent(ctx context.Context, namespace string, st *Student, g *Guardian) error
	SetStatus(ctx context.Context, namespace string, id int, status string) error
	DeleteStudent(ctx context.Context, namespace string, id int) error
	GetPrimaryGuardian(ctx context.Context, namespace string, studentID int) (Guardian, error)
	Stats(ctx context.Context, namespace string) (Stats, error)
}

type Service struct {
	repo Repository
	log  core.Logger
}

func NewService(repo Repository, log core.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// Admit registers a student and their primary guardian in the school's
// namespace, assigning a fresh account number. Single-gender schools reject
// students of the other gender.
func (s *Service) Admit(ctx context.Context, t tenant.Tenant, ns *NewStudent) (Student, error) {
	if err := ns.Validate(); err != nil {
		return Student{}, err
	}
	if err := checkGenderPolicy(t.GenderPolicy, ns.Gender); err != nil {
		return Student{}, err
	}

	namespace := t.NamespaceKey()
	var st Student
	for attempt := 0; ; attempt++ {
		accountNo, err := core.GenerateAccountNo(func(c string) (bool, error) {
			return s.repo.AccountNoExists(ctx, namespace, c)
		})
		if err != nil {
			return Student{}, err
		}

		st = Student{
			AccountNo:      accountNo,
			FullName:       ns.FullName,
			DateOfBirth:    ns.DateOfBirth,
			Gender:         ns.Gender,
			Grade:          ns.Grade,
			Stream:         ns.Stream,
			PreviousSchool: null.NewString(ns.PreviousSchool, ns.PreviousSchool != ""),
			PhotoPath:      null.NewString(ns.PhotoPath, ns.PhotoPath != ""),
			MedicalInfo:    null.NewString(ns.MedicalInfo, ns.MedicalInfo != ""),
			Status:         StatusActive,
		}
		g := Guardian{
			FullName:     ns.GuardianName,
			Relationship: ns.GuardianRelationship,
			Phone:        ns.GuardianPhone,
			Email:        null.NewString(ns.GuardianEmail, ns.GuardianEmail != ""),
			IsPrimary:    true,
		}

		err = s.repo.CreateStudent(ctx, namespace, &st, &g)
		if err == nil {
			break
		}
		// lost the race on account_no; draw again
		if errors.Is(err, ErrAccountNoTaken) && attempt < maxAdmitRetries {
			continue
		}
		return Student{}, err
	}

	s.log.Info(fmt.Sprintf("student %s admitted to %s (id %d)", st.AccountNo, t.Subdomain, st.ID))
	return st, nil
}

// PortalLogin authenticates a guardian into the parent portal with the
// student's account number and full name.
func (s *Service) PortalLogin(ctx context.Context, t tenant.Tenant, accountNo, fullName string) (Student, error) {
	accountNo = core.CleanString(accountNo)
	fullName = core.CleanString(fullName)
	if accountNo == "" || fullName == "" {
		return Student{}, ErrStudentNotFound
	}
	return s.repo.GetStudentByLogin(ctx, t.NamespaceKey(), accountNo, fullName)
}

func (s *Service) Get(ctx context.Context, t tenant.Tenant, id int) (Student, error) {
	return s.repo.GetStudent(ctx, t.NamespaceKey(), id)
}

func (s *Service) List(ctx context.Context, t tenant.Tenant) ([]Student, error) {
	return s.repo.QueryStudents(ctx, t.NamespaceKey())
}

func (s *Service) PrimaryGuardian(ctx context.Context, t tenant.Tenant, studentID int) (Guardian, error) {
	return s.repo.GetPrimaryGuardian(ctx, t.NamespaceKey(), studentID)
}

// Update rewrites a student's editable fields and their primary guardian.
// Account number and status are not editable here.
func (s *Service) Update(ctx context.Context, t tenant.Tenant, id int, ns *NewStudent) (Student, error) {
	if err := ns.Validate(); err != nil {
		return Student{}, err
	}
	if err := checkGenderPolicy(t.GenderPolicy, ns.Gender); err != nil {
		return Student{}, err
	}

	namespace := t.NamespaceKey()
	st, err := s.repo.GetStudent(ctx, namespace, id)
	if err != nil {
		return Student{}, err
	}

	st.FullName = ns.FullName
	st.DateOfBirth = ns.DateOfBirth
	st.Gender = ns.Gender
	st.Grade = ns.Grade
	st.Stream = ns.Stream
	st.PreviousSchool = null.NewString(ns.PreviousSchool, ns.PreviousSchool != "")
	st.MedicalInfo = null.NewString(ns.MedicalInfo, ns.MedicalInfo != "")
	if ns.PhotoPath != "" {
		st.PhotoPath = null.StringFrom(ns.PhotoPath)
	}
	g := Guardian{
		StudentID:    st.ID,
		FullName:     ns.GuardianName,
		Relationship: ns.GuardianRelationship,
		Phone:        ns.GuardianPhone,
		Email:        null.NewString(ns.GuardianEmail, ns.GuardianEmail != ""),
		IsPrimary:    true,
	}
	if err = s.repo.UpdateStudent(ctx, namespace, &st, &g); err != nil {
		return Student{}, err
	}
	return st, nil
}

func (s *Service) Approve(ctx context.Context, t tenant.Tenant, id int) error {
	return s.repo.SetStatus(ctx, t.NamespaceKey(), id, StatusApproved)
}

func (s *Service) Delete(ctx context.Context, t tenant.Tenant, id int) error {
	if err := s.repo.DeleteStudent(ctx, t.NamespaceKey(), id); err != nil {
		return err
	}
	s.log.Info(fmt.Sprintf("student %d removed from %s", id, t.Subdomain))
	return nil
}

func (s *Service) Stats(ctx context.Context, t tenant.Tenant) (Stats, error) {
	return s.repo.Stats(ctx, t.NamespaceKey())
}

func checkGenderPolicy(policy, gender string) error {
	switch policy {
	case tenant.PolicyBoys:
		if gender != GenderMale {
			return ErrGenderPolicy
		}
	case tenant.PolicyGirls:
		if gender != GenderFemale {
			return ErrGenderPolicy
		}
	}
	return nil
}
