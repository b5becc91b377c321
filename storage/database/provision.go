package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/tenant"
)

var (
	ErrInvalidNamespace = errors.New("invalid tenant namespace")

	namespaceRx = regexp.MustCompile(`^tenant_[a-z0-9]+$`)
)

// tableSpec is one table of the canonical per-tenant layout. DDL templates
// take the quoted schema identifier as %[1]s; every statement must be safe
// to re-run against an intact namespace.
type tableSpec struct {
	name string
	ddl  string
}

// tableSpecs is the canonical layout, ordered so referenced tables exist
// before their dependents.
var tableSpecs = []tableSpec{
	{name: "Students", ddl: `
		CREATE TABLE IF NOT EXISTS %[1]s."Students" (
			id SERIAL PRIMARY KEY,
			account_no VARCHAR(50) UNIQUE NOT NULL,
			full_name TEXT NOT NULL,
			date_of_birth DATE NOT NULL,
			gender VARCHAR(10),
			grade VARCHAR(50) NOT NULL,
			stream VARCHAR(50),
			admission_date DATE NOT NULL,
			previous_school TEXT,
			photo_path TEXT,
			medical_info TEXT,
			status VARCHAR(30) DEFAULT 'Active',
			created_at TIMESTAMP DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_students_grade ON %[1]s."Students" (grade);`,
	},
	{name: "Payments", ddl: `
		CREATE TABLE IF NOT EXISTS %[1]s."Payments" (
			id SERIAL PRIMARY KEY,
			student_id INT NOT NULL REFERENCES %[1]s."Students"(id) ON DELETE CASCADE,
			amount INT NOT NULL,
			phone VARCHAR(20) NOT NULL,
			payment_method VARCHAR(50) DEFAULT 'MPesa',
			status VARCHAR(30) DEFAULT 'Pending',
			transaction_id VARCHAR(100) UNIQUE,
			reference VARCHAR(100),
			created_at TIMESTAMP DEFAULT NOW(),
			completed_at TIMESTAMP,
			mpesa_receipt VARCHAR(100)
		);`,
	},
	{name: "Secretaries", ddl: `
		CREATE TABLE IF NOT EXISTS %[1]s."Secretaries" (
			id SERIAL PRIMARY KEY,
			full_name VARCHAR(200) NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash TEXT,
			is_active BOOLEAN DEFAULT TRUE,
			phone VARCHAR(20),
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW(),
			last_login TIMESTAMP,
			created_by_user VARCHAR(255)
		);
		CREATE INDEX IF NOT EXISTS idx_secretaries_email ON %[1]s."Secretaries" (email);`,
	},
	{name: "StaffCredentials", ddl: `
		CREATE TABLE IF NOT EXISTS %[1]s."StaffCredentials" (
			id SERIAL PRIMARY KEY,
			secretary_id INTEGER NOT NULL REFERENCES %[1]s."Secretaries"(id) ON DELETE CASCADE,
			username VARCHAR(100) UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role VARCHAR(50) DEFAULT 'staff',
			position VARCHAR(100),
			department VARCHAR(100),
			must_change_password BOOLEAN DEFAULT TRUE,
			is_active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_staff_credentials_username ON %[1]s."StaffCredentials" (username);
		CREATE INDEX IF NOT EXISTS idx_staff_credentials_secretary ON %[1]s."StaffCredentials" (secretary_id);`,
	},
	{name: "Guardians", ddl: `
		CREATE TABLE IF NOT EXISTS %[1]s."Guardians" (
			id SERIAL PRIMARY KEY,
			student_id INT NOT NULL REFERENCES %[1]s."Students"(id) ON DELETE CASCADE,
			full_name TEXT NOT NULL,
			relationship VARCHAR(30) NOT NULL,
			phone VARCHAR(20) NOT NULL,
			email TEXT,
			address TEXT,
			is_primary BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT NOW()
		);`,
	},
	{name: "Grades", ddl: `
		CREATE TABLE IF NOT EXISTS %[1]s."Grades" (
			id SERIAL PRIMARY KEY,
			grade_name VARCHAR(50) UNIQUE NOT NULL,
			term1_fee INT NOT NULL,
			term2_fee INT NOT NULL,
			term3_fee INT NOT NULL,
			streams TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT NOW()
		);`,
	},
	{name: "Streams", ddl: `
		CREATE TABLE IF NOT EXISTS %[1]s."Streams" (
			id SERIAL PRIMARY KEY,
			grade_name VARCHAR(50) NOT NULL,
			stream_name VARCHAR(50) NOT NULL,
			created_at TIMESTAMP DEFAULT NOW(),
			CONSTRAINT uq_grade_stream UNIQUE (grade_name, stream_name)
		);`,
	},
	{name: "Notifications", ddl: `
		CREATE TABLE IF NOT EXISTS %[1]s."Notifications" (
			id SERIAL PRIMARY KEY,
			student_id INT NOT NULL REFERENCES %[1]s."Students"(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			type VARCHAR(50) DEFAULT 'general',
			is_read BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_student ON %[1]s."Notifications" (student_id);
		CREATE INDEX IF NOT EXISTS idx_notifications_is_read ON %[1]s."Notifications" (is_read);`,
	},
	{name: "SchoolInfo", ddl: `
		CREATE TABLE IF NOT EXISTS %[1]s."SchoolInfo" (
			id SERIAL PRIMARY KEY,
			school_name VARCHAR(255),
			registration_number VARCHAR(100),
			established_year INTEGER,
			school_motto TEXT,
			badge_url TEXT,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		);`,
	},
	{name: "SchoolContact", ddl: `
		CREATE TABLE IF NOT EXISTS %[1]s."SchoolContact" (
			id SERIAL PRIMARY KEY,
			email VARCHAR(255),
			phone VARCHAR(50),
			address TEXT,
			website VARCHAR(255),
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		);`,
	},
}

// TableNames lists the canonical per-tenant tables in creation order.
func TableNames() []string {
	names := make([]string, len(tableSpecs))
	for i, spec := range tableSpecs {
		names[i] = spec.name
	}
	return names
}

// Provisioner creates, inspects and repairs per-tenant namespaces against
// the canonical table layout.
type Provisioner struct {
	db  *sqlx.DB
	log core.Logger
}

var _ tenant.Provisioner = (*Provisioner)(nil)

func NewProvisioner(db *sqlx.DB, log core.Logger) *Provisioner {
	return &Provisioner{db: db, log: log}
}

func validNamespace(namespace string) error {
	if !namespaceRx.MatchString(namespace) {
		return errors.Wrap(ErrInvalidNamespace, namespace)
	}
	return nil
}

// isDuplicateObject reports whether err is Postgres complaining that the
// object already exists. IF NOT EXISTS does not fully protect concurrent
// DDL: two sessions can race past the catalog check and the loser gets
// duplicate_schema/duplicate_table, or a unique violation on pg_type. The
// namespace converges to the canonical layout either way.
func isDuplicateObject(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	if !ok {
		return false
	}
	switch pqErr.Code {
	case "42P06", "42P07": // duplicate_schema, duplicate_table
		return true
	case "23505": // pg_type unique violation from racing CREATE TABLE
		return true
	}
	return false
}

// Provision brings the namespace up to the canonical layout. Every
// statement is additive and re-runnable, so provisioning an intact or
// half-built namespace completes it without touching existing data.
// Concurrent invocations are safe: the loser of a DDL race gets a
// duplicate-object error, which counts as success.
func (p *Provisioner) Provision(ctx context.Context, namespace string) error {
	if err := validNamespace(namespace); err != nil {
		return err
	}
	schema := pq.QuoteIdentifier(namespace)

	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)); err != nil && !isDuplicateObject(err) {
		return errors.Wrapf(err, "creating namespace %s", namespace)
	}
	for _, spec := range tableSpecs {
		if _, err := p.db.ExecContext(ctx, fmt.Sprintf(spec.ddl, schema)); err != nil && !isDuplicateObject(err) {
			return errors.Wrapf(err, "creating %s.%s", namespace, spec.name)
		}
	}

	return p.seedProfileDefaults(ctx, namespace, schema)
}

// seedProfileDefaults inserts the placeholder SchoolInfo/SchoolContact
// rows, skipped when the namespace already has a profile.
func (p *Provisioner) seedProfileDefaults(ctx context.Context, namespace, schema string) error {
	subdomain := strings.TrimPrefix(namespace, "tenant_")
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s."SchoolInfo" (school_name, school_motto)
		SELECT $1, 'Excellence in Education'
		WHERE NOT EXISTS (SELECT 1 FROM %[1]s."SchoolInfo")`, schema), subdomain)
	if err != nil {
		return errors.Wrapf(err, "seeding %s.SchoolInfo", namespace)
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s."SchoolContact" (created_at)
		SELECT NOW()
		WHERE NOT EXISTS (SELECT 1 FROM %[1]s."SchoolContact")`, schema))
	if err != nil {
		return errors.Wrapf(err, "seeding %s.SchoolContact", namespace)
	}
	return nil
}

// NamespaceExists reports whether the schema itself exists, regardless of
// what it contains.
func (p *Provisioner) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		namespace,
	).Scan(&exists)
	return exists, errors.Wrap(err, "checking namespace")
}

// DriftCheck reports, per canonical table, whether the namespace has it.
// Read-only: nothing is repaired.
func (p *Provisioner) DriftCheck(ctx context.Context, namespace string) (map[string]bool, error) {
	if err := validNamespace(namespace); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1`, namespace)
	if err != nil {
		return nil, errors.Wrapf(err, "inspecting namespace %s", namespace)
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]bool)
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, errors.Wrapf(err, "inspecting namespace %s", namespace)
		}
		found[name] = true
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "inspecting namespace %s", namespace)
	}

	present := make(map[string]bool, len(tableSpecs))
	for _, spec := range tableSpecs {
		present[spec.name] = found[spec.name]
	}
	return present, nil
}

// AutoFix inspects each tenant's namespace and re-creates whatever is
// missing. One broken tenant never stops the sweep; the returned report
// has one line per tenant and table, stating what was done with it.
func (p *Provisioner) AutoFix(ctx context.Context, tenants []tenant.Tenant) []string {
	report := make([]string, 0, len(tenants)*len(tableSpecs))
	for _, t := range tenants {
		ns := t.NamespaceKey()
		present, err := p.DriftCheck(ctx, ns)
		if err != nil {
			p.log.Error(fmt.Sprintf("auto-fix: inspecting %s", ns), err)
			report = append(report, fmt.Sprintf("%s: inspection failed: %v", ns, err))
			continue
		}

		schema := pq.QuoteIdentifier(ns)
		if _, err = p.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)); err != nil && !isDuplicateObject(err) {
			p.log.Error(fmt.Sprintf("auto-fix: repairing %s", ns), err)
			report = append(report, fmt.Sprintf("%s: error: %v", ns, err))
			continue
		}

		created := 0
		for _, spec := range tableSpecs {
			if present[spec.name] {
				report = append(report, fmt.Sprintf("%s: %s already exists", ns, spec.name))
				continue
			}
			if _, err = p.db.ExecContext(ctx, fmt.Sprintf(spec.ddl, schema)); err != nil && !isDuplicateObject(err) {
				p.log.Error(fmt.Sprintf("auto-fix: creating %s.%s", ns, spec.name), err)
				report = append(report, fmt.Sprintf("%s: %s error: %v", ns, spec.name, err))
				continue
			}
			created++
			report = append(report, fmt.Sprintf("%s: created %s", ns, spec.name))
		}
		if created > 0 {
			if err = p.seedProfileDefaults(ctx, ns, schema); err != nil {
				p.log.Error(fmt.Sprintf("auto-fix: seeding %s", ns), err)
				report = append(report, fmt.Sprintf("%s: error: %v", ns, err))
			}
		}
	}
	return report
}

// DropNamespace removes the namespace and everything in it. Dropping a
// namespace that never existed is a no-op.
func (p *Provisioner) DropNamespace(ctx context.Context, namespace string) error {
	if err := validNamespace(namespace); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, pq.QuoteIdentifier(namespace)))
	return errors.Wrapf(err, "dropping namespace %s", namespace)
}
