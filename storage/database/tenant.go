package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/tenant"
)

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	return ok && pqErr.Code == pqUniqueViolation
}

// uniqueViolationConstraint returns the name of the violated unique
// constraint, for call sites where several constraints guard the same
// insert and the caller must tell them apart.
func uniqueViolationConstraint(err error) (string, bool) {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	if !ok || pqErr.Code != pqUniqueViolation {
		return "", false
	}
	return pqErr.Constraint, true
}

// smallestFreeIDQuery picks the lowest unused directory id so deleted
// tenants free their ids for reuse.
const smallestFreeIDQuery = `
SELECT COALESCE(
    (SELECT MIN(t1.id + 1)
     FROM tenants t1
     WHERE NOT EXISTS (
         SELECT 1 FROM tenants t2 WHERE t2.id = t1.id + 1
     )
    ), 1) AS next_id`

type tenantRow struct {
	ID             int       `db:"id"`
	Name           string    `db:"name"`
	Subdomain      string    `db:"subdomain"`
	Email          string    `db:"email"`
	PasswordHash   []byte    `db:"password_hash"`
	PlanAmount     int       `db:"plan_amount"`
	GenderPolicy   string    `db:"school_gender"`
	Verified       bool      `db:"verified"`
	TrialExpiresAt time.Time `db:"trial_expires_at"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r tenantRow) toTenant() tenant.Tenant {
	return tenant.Tenant{
		ID:             r.ID,
		Name:           r.Name,
		Subdomain:      r.Subdomain,
		Email:          r.Email,
		PasswordHash:   r.PasswordHash,
		PlanAmount:     r.PlanAmount,
		GenderPolicy:   r.GenderPolicy,
		Verified:       r.Verified,
		TrialExpiresAt: r.TrialExpiresAt,
		CreatedAt:      r.CreatedAt,
	}
}

type activationRow struct {
	TenantID  int       `db:"tenant_id"`
	Code      string    `db:"code"`
	ExpiresAt time.Time `db:"expires_at"`
	Payload   string    `db:"grades_json"`
}

type jobRow struct {
	ID        int         `db:"id"`
	TenantID  int         `db:"tenant_id"`
	Namespace string      `db:"namespace"`
	Payload   string      `db:"payload"`
	Attempts  int         `db:"attempts"`
	LastError null.String `db:"last_error"`
	CreatedAt time.Time   `db:"created_at"`
}

func (r jobRow) toJob() tenant.ProvisionJob {
	return tenant.ProvisionJob{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Namespace: r.Namespace,
		Payload:   r.Payload,
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
	}
}

type TenantRepository struct {
	db *sqlx.DB
}

var _ tenant.Repository = (*TenantRepository)(nil)

func NewTenantRepository(db *sqlx.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

func (repo *TenantRepository) CreateTenant(ctx context.Context, t *tenant.Tenant, act *tenant.PendingActivation) error {
	return core.Atomic(ctx, repo.db, func(tx core.DBTransactor) error {
		var id int
		if err := tx.QueryRowContext(ctx, smallestFreeIDQuery).Scan(&id); err != nil {
			return errors.Wrap(err, "assigning tenant id")
		}

		var createdAt time.Time
		err := tx.QueryRowContext(ctx, `
			INSERT INTO tenants
				(id, name, subdomain, email, password_hash, plan_amount, school_gender, verified, trial_expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, NOW())
			RETURNING created_at`,
			id, t.Name, t.Subdomain, t.Email, t.PasswordHash, t.PlanAmount, t.GenderPolicy, t.TrialExpiresAt,
		).Scan(&createdAt)
		if err != nil {
			if constraint, ok := uniqueViolationConstraint(err); ok {
				// the pkey can only collide when two registrations race
				// for the same smallest free id; that is retryable, not
				// a duplicate school
				if constraint != "tenants_pkey" {
					return tenant.ErrTenantExists
				}
			}
			return errors.Wrap(err, "inserting tenant")
		}
		t.ID = id
		t.CreatedAt = createdAt

		act.TenantID = id
		if err = upsertActivation(ctx, tx, act); err != nil {
			return err
		}
		return nil
	})
}

func upsertActivation(ctx context.Context, db core.DBExecutor, act *tenant.PendingActivation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO tenant_verifications (tenant_id, code, expires_at, grades_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id)
		DO UPDATE SET code = EXCLUDED.code, expires_at = EXCLUDED.expires_at, grades_json = EXCLUDED.grades_json`,
		act.TenantID, act.Code, act.ExpiresAt, act.Payload,
	)
	return errors.Wrap(err, "storing activation")
}

func (repo *TenantRepository) ReplaceActivation(ctx context.Context, act *tenant.PendingActivation) error {
	return upsertActivation(ctx, repo.db, act)
}

func (repo *TenantRepository) GetTenantBySubdomain(ctx context.Context, subdomain string) (tenant.Tenant, error) {
	return repo.getTenant(ctx, "subdomain", subdomain)
}

func (repo *TenantRepository) GetTenantByEmail(ctx context.Context, email string) (tenant.Tenant, error) {
	return repo.getTenant(ctx, "email", email)
}

func (repo *TenantRepository) getTenant(ctx context.Context, column, value string) (tenant.Tenant, error) {
	var row tenantRow
	err := repo.db.GetContext(ctx, &row, `SELECT * FROM tenants WHERE `+column+` = $1`, value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tenant.Tenant{}, tenant.ErrTenantNotFound
		}
		return tenant.Tenant{}, errors.Wrap(err, "getting tenant")
	}
	return row.toTenant(), nil
}

func (repo *TenantRepository) GetActivation(ctx context.Context, tenantID int) (tenant.PendingActivation, error) {
	var row activationRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT tenant_id, code, expires_at, grades_json
		FROM tenant_verifications WHERE tenant_id = $1`, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tenant.PendingActivation{}, tenant.ErrActivationNotFound
		}
		return tenant.PendingActivation{}, errors.Wrap(err, "getting activation")
	}
	return tenant.PendingActivation{
		TenantID:  row.TenantID,
		Code:      row.Code,
		ExpiresAt: row.ExpiresAt,
		Payload:   row.Payload,
	}, nil
}

// ActivateTenant flips the verified flag, consumes the pending activation
// and records the provision job, all or nothing.
func (repo *TenantRepository) ActivateTenant(ctx context.Context, tenantID int) (tenant.ProvisionJob, error) {
	var job tenant.ProvisionJob
	err := core.Atomic(ctx, repo.db, func(tx core.DBTransactor) error {
		var subdomain string
		err := tx.QueryRowContext(ctx,
			`UPDATE tenants SET verified = TRUE WHERE id = $1 RETURNING subdomain`, tenantID,
		).Scan(&subdomain)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return tenant.ErrTenantNotFound
			}
			return errors.Wrap(err, "marking tenant verified")
		}

		var payload string
		err = tx.QueryRowContext(ctx,
			`DELETE FROM tenant_verifications WHERE tenant_id = $1 RETURNING grades_json`, tenantID,
		).Scan(&payload)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return tenant.ErrActivationNotFound
			}
			return errors.Wrap(err, "consuming activation")
		}

		job = tenant.ProvisionJob{
			TenantID:  tenantID,
			Namespace: tenant.NamespaceKey(subdomain),
			Payload:   payload,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO provision_jobs (tenant_id, namespace, payload)
			VALUES ($1, $2, $3)
			RETURNING id, created_at`,
			job.TenantID, job.Namespace, job.Payload,
		).Scan(&job.ID, &job.CreatedAt)
		return errors.Wrap(err, "recording provision job")
	})
	if err != nil {
		return tenant.ProvisionJob{}, err
	}
	return job, nil
}

func (repo *TenantRepository) SetVerified(ctx context.Context, tenantID int, verified bool) error {
	res, err := repo.db.ExecContext(ctx, `UPDATE tenants SET verified = $1 WHERE id = $2`, verified, tenantID)
	if err != nil {
		return errors.Wrap(err, "updating tenant")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

func (repo *TenantRepository) DeleteTenant(ctx context.Context, tenantID int) error {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		return errors.Wrap(err, "deleting tenant")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

func (repo *TenantRepository) QueryTenants(ctx context.Context, verifiedOnly bool) ([]tenant.Tenant, error) {
	query := `SELECT * FROM tenants ORDER BY name`
	if verifiedOnly {
		query = `SELECT * FROM tenants WHERE verified = TRUE ORDER BY name`
	}
	var rows []tenantRow
	if err := repo.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Wrap(err, "querying tenants")
	}
	tenants := make([]tenant.Tenant, len(rows))
	for i, row := range rows {
		tenants[i] = row.toTenant()
	}
	return tenants, nil
}

func (repo *TenantRepository) DeleteExpiredActivations(ctx context.Context, before time.Time) (int64, error) {
	res, err := repo.db.ExecContext(ctx,
		`DELETE FROM tenant_verifications WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "purging expired activations")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "purging expired activations")
}

func (repo *TenantRepository) ActivationCodeInUse(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := repo.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenant_verifications WHERE code = $1)`, code,
	).Scan(&exists)
	return exists, errors.Wrap(err, "checking activation code")
}

func (repo *TenantRepository) QueryPendingJobs(ctx context.Context, limit int) ([]tenant.ProvisionJob, error) {
	var rows []jobRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT * FROM provision_jobs ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying provision jobs")
	}
	jobs := make([]tenant.ProvisionJob, len(rows))
	for i, row := range rows {
		jobs[i] = row.toJob()
	}
	return jobs, nil
}

func (repo *TenantRepository) MarkJobDone(ctx context.Context, jobID int) error {
	_, err := repo.db.ExecContext(ctx, `DELETE FROM provision_jobs WHERE id = $1`, jobID)
	return errors.Wrap(err, "completing provision job")
}

func (repo *TenantRepository) MarkJobFailed(ctx context.Context, jobID int, reason string) error {
	_, err := repo.db.ExecContext(ctx,
		`UPDATE provision_jobs SET attempts = attempts + 1, last_error = $1 WHERE id = $2`,
		reason, jobID)
	return errors.Wrap(err, "recording provision failure")
}
