package database

import (
	"fmt"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidNamespace(t *testing.T) {
	tests := []struct {
		namespace string
		want      bool
	}{
		{"tenant_greenwoodacademy", true},
		{"tenant_school2", true},
		{"tenant_", false},
		{"greenwoodacademy", false},
		{"public", false},
		{"tenant_Greenwood", false},
		{`tenant_x"; DROP SCHEMA public CASCADE; --`, false},
		{"tenant_green wood", false},
	}
	for _, tt := range tests {
		t.Run(tt.namespace, func(t *testing.T) {
			err := validNamespace(tt.namespace)
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidNamespace)
			}
		})
	}
}

func TestCanonicalTables(t *testing.T) {
	names := TableNames()
	require.Len(t, names, 10)

	// dependents must come after the tables they reference
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}
	assert.Less(t, idx["Students"], idx["Payments"])
	assert.Less(t, idx["Students"], idx["Guardians"])
	assert.Less(t, idx["Students"], idx["Notifications"])
	assert.Less(t, idx["Secretaries"], idx["StaffCredentials"])
}

func TestIsDuplicateObject(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"duplicate schema", &pq.Error{Code: "42P06"}, true},
		{"duplicate table", &pq.Error{Code: "42P07"}, true},
		{"pg_type unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped duplicate table", errors.Wrap(&pq.Error{Code: "42P07"}, "creating tenant_x.Students"), true},
		{"undefined table", &pq.Error{Code: "42P01"}, false},
		{"syntax error", &pq.Error{Code: "42601"}, false},
		{"non-pq error", errors.New("connection refused"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// the loser of a racing CREATE must be treated as success
			assert.Equal(t, tt.want, isDuplicateObject(tt.err))
		})
	}
}

func TestTableDDLRenders(t *testing.T) {
	schema := pq.QuoteIdentifier("tenant_greenwoodacademy")
	for _, spec := range tableSpecs {
		t.Run(spec.name, func(t *testing.T) {
			ddl := fmt.Sprintf(spec.ddl, schema)
			assert.NotContains(t, ddl, "%", "unexpanded placeholder")
			assert.Contains(t, ddl, schema)
			assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS", "statements must tolerate re-runs")
			assert.Contains(t, ddl, fmt.Sprintf(`%s.%q`, schema, spec.name))
		})
	}

	// index creation is re-runnable too
	for _, spec := range tableSpecs {
		for _, line := range strings.Split(spec.ddl, ";") {
			if strings.Contains(line, "CREATE INDEX") {
				assert.Contains(t, line, "IF NOT EXISTS")
			}
		}
	}
}
