package dummydb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shuletrack/shuletrack/core/student"
)

type studentRepository struct {
	db *DB
}

var _ student.Repository = (*studentRepository)(nil) // interface compliance check

func NewStudentRepository(db *DB) student.Repository {
	return &studentRepository{db: db}
}

func (repo *studentRepository) CreateStudent(ctx context.Context, namespace string, st *student.Student, g *student.Guardian) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	ns := repo.db.provision(namespace)
	for _, other := range ns.students {
		if other.AccountNo == st.AccountNo {
			return student.ErrAccountNoTaken
		}
	}

	st.ID = repo.db.nextPK()
	now := time.Now().UTC()
	st.AdmissionDate = now
	st.CreatedAt = now
	cp := *st
	ns.students[st.ID] = &cp

	g.ID = repo.db.nextPK()
	g.StudentID = st.ID
	g.CreatedAt = now
	gcp := *g
	ns.guardians[st.ID] = &gcp
	return nil
}

func (repo *studentRepository) GetStudent(ctx context.Context, namespace string, id int) (student.Student, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	if ns := repo.db.ns(namespace); ns != nil {
		if st, ok := ns.students[id]; ok {
			return *st, nil
		}
	}
	return student.Student{}, student.ErrStudentNotFound
}

func (repo *studentRepository) GetStudentByLogin(ctx context.Context, namespace, accountNo, fullName string) (student.Student, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	if ns := repo.db.ns(namespace); ns != nil {
		for _, st := range ns.students {
			if st.AccountNo == accountNo && strings.EqualFold(st.FullName, fullName) {
				return *st, nil
			}
		}
	}
	return student.Student{}, student.ErrStudentNotFound
}

func (repo *studentRepository) AccountNoExists(ctx context.Context, namespace, accountNo string) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	if ns := repo.db.ns(namespace); ns != nil {
		for _, st := range ns.students {
			if st.AccountNo == accountNo {
				return true, nil
			}
		}
	}
	return false, nil
}

func (repo *studentRepository) QueryStudents(ctx context.Context, namespace string) ([]student.Student, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	var students []student.Student
	if ns := repo.db.ns(namespace); ns != nil {
		for _, st := range ns.students {
			students = append(students, *st)
		}
	}
	sort.Slice(students, func(i, j int) bool { return students[i].ID < students[j].ID })
	return students, nil
}

func (repo *studentRepository) UpdateStudent(ctx context.Context, namespace string, st *student.Student, g *student.Guardian) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	ns := repo.db.ns(namespace)
	if ns == nil {
		return student.ErrStudentNotFound
	}
	if _, ok := ns.students[st.ID]; !ok {
		return student.ErrStudentNotFound
	}
	cp := *st
	ns.students[st.ID] = &cp
	gcp := *g
	gcp.StudentID = st.ID
	ns.guardians[st.ID] = &gcp
	return nil
}

func (repo *studentRepository) SetStatus(ctx context.Context, namespace string, id int, status string) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	if ns := repo.db.ns(namespace); ns != nil {
		if st, ok := ns.students[id]; ok {
			st.Status = status
			return nil
		}
	}
	return student.ErrStudentNotFound
}

func (repo *studentRepository) DeleteStudent(ctx context.Context, namespace string, id int) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	ns := repo.db.ns(namespace)
	if ns == nil {
		return student.ErrStudentNotFound
	}
	if _, ok := ns.students[id]; !ok {
		return student.ErrStudentNotFound
	}
	delete(ns.students, id)
	delete(ns.guardians, id)
	return nil
}

func (repo *studentRepository) GetPrimaryGuardian(ctx context.Context, namespace string, studentID int) (student.Guardian, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	if ns := repo.db.ns(namespace); ns != nil {
		if g, ok := ns.guardians[studentID]; ok {
			return *g, nil
		}
	}
	return student.Guardian{}, student.ErrStudentNotFound
}

func (repo *studentRepository) Stats(ctx context.Context, namespace string) (student.Stats, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	var s student.Stats
	if ns := repo.db.ns(namespace); ns != nil {
		for _, st := range ns.students {
			s.Total++
			switch st.Status {
			case student.StatusActive:
				s.Active++
			case student.StatusPending:
				s.Pending++
			case student.StatusApproved:
				s.Approved++
			}
		}
	}
	return s, nil
}
