// Package dummydb provides in-memory repositories for tests and local
// development without a Postgres server.
package dummydb

import (
	"strings"
	"sync"

	"github.com/shuletrack/shuletrack/core/billing"
	"github.com/shuletrack/shuletrack/core/student"
	"github.com/shuletrack/shuletrack/core/tenant"
)

type (
	DB struct {
		sync.RWMutex

		tenants     map[int]*tenant.Tenant
		activations map[int]*tenant.PendingActivation // keyed by tenant id
		jobs        map[int]*tenant.ProvisionJob
		namespaces  map[string]*namespace

		pkCount int
	}

	// namespace mimics one tenant's isolated schema.
	namespace struct {
		students      map[int]*student.Student
		guardians     map[int]*student.Guardian // keyed by student id
		schedules     map[int]*billing.FeeSchedule
		payments      map[int]*billing.Payment
		notifications map[int]*billing.Notification
	}
)

func Open() (*DB, error) {
	db := &DB{
		tenants:     make(map[int]*tenant.Tenant),
		activations: make(map[int]*tenant.PendingActivation),
		jobs:        make(map[int]*tenant.ProvisionJob),
		namespaces:  make(map[string]*namespace),
	}
	return db, nil
}

func (db *DB) nextPK() int {
	db.pkCount++
	return db.pkCount
}

// ns returns the namespace, or nil when it has not been provisioned.
func (db *DB) ns(key string) *namespace {
	return db.namespaces[key]
}

// provision creates the namespace if missing, like the real DDL does.
func (db *DB) provision(key string) *namespace {
	if n, ok := db.namespaces[key]; ok {
		return n
	}
	n := &namespace{
		students:      make(map[int]*student.Student),
		guardians:     make(map[int]*student.Guardian),
		schedules:     make(map[int]*billing.FeeSchedule),
		payments:      make(map[int]*billing.Payment),
		notifications: make(map[int]*billing.Notification),
	}
	db.namespaces[key] = n
	return n
}

// ActivationCode exposes a tenant's pending code; tests use it in place of
// reading the activation email.
func (db *DB) ActivationCode(tenantID int) (string, bool) {
	db.RLock()
	defer db.RUnlock()
	if a, ok := db.activations[tenantID]; ok {
		return a.Code, true
	}
	return "", false
}

// scheduleByGrade resolves a grade's fee schedule, nil when unpriced.
// Callers hold the lock.
func (db *DB) scheduleByGrade(key, gradeName string) *billing.FeeSchedule {
	n := db.ns(key)
	if n == nil {
		return nil
	}
	for _, s := range n.schedules {
		if strings.EqualFold(s.GradeName, gradeName) {
			return s
		}
	}
	return nil
}
