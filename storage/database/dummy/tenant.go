package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/shuletrack/shuletrack/core/tenant"
)

type tenantRepository struct {
	db *DB
}

var _ tenant.Repository = (*tenantRepository)(nil) // interface compliance check

func NewTenantRepository(db *DB) tenant.Repository {
	return &tenantRepository{db: db}
}

func (repo *tenantRepository) CreateTenant(ctx context.Context, t *tenant.Tenant, act *tenant.PendingActivation) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, other := range repo.db.tenants {
		if other.Subdomain == t.Subdomain || other.Email == t.Email {
			return tenant.ErrTenantExists
		}
	}

	// smallest free id
	id := 1
	for {
		if _, taken := repo.db.tenants[id]; !taken {
			break
		}
		id++
	}
	t.ID = id
	t.CreatedAt = time.Now().UTC()
	cp := *t
	repo.db.tenants[id] = &cp

	act.TenantID = id
	acp := *act
	repo.db.activations[id] = &acp
	return nil
}

func (repo *tenantRepository) ReplaceActivation(ctx context.Context, act *tenant.PendingActivation) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	cp := *act
	repo.db.activations[act.TenantID] = &cp
	return nil
}

func (repo *tenantRepository) GetTenantBySubdomain(ctx context.Context, subdomain string) (tenant.Tenant, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	for _, t := range repo.db.tenants {
		if t.Subdomain == subdomain {
			return *t, nil
		}
	}
	return tenant.Tenant{}, tenant.ErrTenantNotFound
}

func (repo *tenantRepository) GetTenantByEmail(ctx context.Context, email string) (tenant.Tenant, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	for _, t := range repo.db.tenants {
		if t.Email == email {
			return *t, nil
		}
	}
	return tenant.Tenant{}, tenant.ErrTenantNotFound
}

func (repo *tenantRepository) GetActivation(ctx context.Context, tenantID int) (tenant.PendingActivation, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	if act, ok := repo.db.activations[tenantID]; ok {
		return *act, nil
	}
	return tenant.PendingActivation{}, tenant.ErrActivationNotFound
}

func (repo *tenantRepository) ActivateTenant(ctx context.Context, tenantID int) (tenant.ProvisionJob, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	t, ok := repo.db.tenants[tenantID]
	if !ok {
		return tenant.ProvisionJob{}, tenant.ErrTenantNotFound
	}
	act, ok := repo.db.activations[tenantID]
	if !ok {
		return tenant.ProvisionJob{}, tenant.ErrActivationNotFound
	}

	t.Verified = true
	delete(repo.db.activations, tenantID)

	job := &tenant.ProvisionJob{
		ID:        repo.db.nextPK(),
		TenantID:  tenantID,
		Namespace: t.NamespaceKey(),
		Payload:   act.Payload,
		CreatedAt: time.Now().UTC(),
	}
	repo.db.jobs[job.ID] = job
	return *job, nil
}

func (repo *tenantRepository) SetVerified(ctx context.Context, tenantID int, verified bool) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	t, ok := repo.db.tenants[tenantID]
	if !ok {
		return tenant.ErrTenantNotFound
	}
	t.Verified = verified
	return nil
}

func (repo *tenantRepository) DeleteTenant(ctx context.Context, tenantID int) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	if _, ok := repo.db.tenants[tenantID]; !ok {
		return tenant.ErrTenantNotFound
	}
	delete(repo.db.tenants, tenantID)
	delete(repo.db.activations, tenantID)
	return nil
}

func (repo *tenantRepository) QueryTenants(ctx context.Context, verifiedOnly bool) ([]tenant.Tenant, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	tenants := make([]tenant.Tenant, 0, len(repo.db.tenants))
	for _, t := range repo.db.tenants {
		if verifiedOnly && !t.Verified {
			continue
		}
		tenants = append(tenants, *t)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Name < tenants[j].Name })
	return tenants, nil
}

func (repo *tenantRepository) DeleteExpiredActivations(ctx context.Context, before time.Time) (int64, error) {
	repo.db.Lock()
	defer repo.db.Unlock()
	var n int64
	for id, act := range repo.db.activations {
		if act.Expired(before) {
			delete(repo.db.activations, id)
			n++
		}
	}
	return n, nil
}

func (repo *tenantRepository) ActivationCodeInUse(ctx context.Context, code string) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	for _, act := range repo.db.activations {
		if act.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (repo *tenantRepository) QueryPendingJobs(ctx context.Context, limit int) ([]tenant.ProvisionJob, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	jobs := make([]tenant.ProvisionJob, 0, len(repo.db.jobs))
	for _, j := range repo.db.jobs {
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (repo *tenantRepository) MarkJobDone(ctx context.Context, jobID int) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	delete(repo.db.jobs, jobID)
	return nil
}

func (repo *tenantRepository) MarkJobFailed(ctx context.Context, jobID int, reason string) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	if j, ok := repo.db.jobs[jobID]; ok {
		j.Attempts++
		j.LastError = null.StringFrom(reason)
	}
	return nil
}

// provisioner provisions namespaces in memory.
type provisioner struct {
	db *DB
}

var _ tenant.Provisioner = (*provisioner)(nil)

func NewProvisioner(db *DB) tenant.Provisioner {
	return &provisioner{db: db}
}

func (p *provisioner) Provision(ctx context.Context, namespace string) error {
	p.db.Lock()
	defer p.db.Unlock()
	p.db.provision(namespace)
	return nil
}

func (p *provisioner) DropNamespace(ctx context.Context, namespace string) error {
	p.db.Lock()
	defer p.db.Unlock()
	delete(p.db.namespaces, namespace)
	return nil
}
