package database

import (
	"testing"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestUniqueViolationConstraint(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantConstraint string
		wantOK         bool
	}{
		{"subdomain taken", &pq.Error{Code: "23505", Constraint: "tenants_subdomain_key"}, "tenants_subdomain_key", true},
		{"email taken", &pq.Error{Code: "23505", Constraint: "tenants_email_key"}, "tenants_email_key", true},
		// two registrations racing for the same smallest free id collide
		// on the pkey; callers must not read that as a duplicate school
		{"id race", &pq.Error{Code: "23505", Constraint: "tenants_pkey"}, "tenants_pkey", true},
		{"wrapped", errors.Wrap(&pq.Error{Code: "23505", Constraint: "tenants_pkey"}, "inserting tenant"), "tenants_pkey", true},
		{"other pq error", &pq.Error{Code: "42P07"}, "", false},
		{"non-pq error", errors.New("connection refused"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			constraint, ok := uniqueViolationConstraint(tt.err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantConstraint, constraint)
		})
	}
}
