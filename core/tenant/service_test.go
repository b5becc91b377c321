package tenant

import (
	"context"
	"io"
	"log"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/shuletrack/shuletrack/core"
)

// ------------------------------------------------------------------- fakes

type fakeRepo struct {
	mu          sync.Mutex
	tenants     map[int]*Tenant
	activations map[int]*PendingActivation
	jobs        map[int]*ProvisionJob
	lastJobID   int
}

var _ Repository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tenants:     make(map[int]*Tenant),
		activations: make(map[int]*PendingActivation),
		jobs:        make(map[int]*ProvisionJob),
	}
}

func (r *fakeRepo) CreateTenant(ctx context.Context, t *Tenant, act *PendingActivation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// smallest free id
	id := 1
	for {
		if _, taken := r.tenants[id]; !taken {
			break
		}
		id++
	}
	t.ID = id
	cp := *t
	r.tenants[id] = &cp

	act.TenantID = id
	acp := *act
	r.activations[id] = &acp
	return nil
}

func (r *fakeRepo) ReplaceActivation(ctx context.Context, act *PendingActivation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *act
	r.activations[act.TenantID] = &cp
	return nil
}

func (r *fakeRepo) GetTenantBySubdomain(ctx context.Context, subdomain string) (Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		if t.Subdomain == subdomain {
			return *t, nil
		}
	}
	return Tenant{}, ErrTenantNotFound
}

func (r *fakeRepo) GetTenantByEmail(ctx context.Context, email string) (Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		if t.Email == email {
			return *t, nil
		}
	}
	return Tenant{}, ErrTenantNotFound
}

func (r *fakeRepo) GetActivation(ctx context.Context, tenantID int) (PendingActivation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	act, ok := r.activations[tenantID]
	if !ok {
		return PendingActivation{}, ErrActivationNotFound
	}
	return *act, nil
}

func (r *fakeRepo) ActivateTenant(ctx context.Context, tenantID int) (ProvisionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[tenantID]
	if !ok {
		return ProvisionJob{}, ErrTenantNotFound
	}
	act, ok := r.activations[tenantID]
	if !ok {
		return ProvisionJob{}, ErrActivationNotFound
	}

	t.Verified = true
	delete(r.activations, tenantID)

	r.lastJobID++
	job := &ProvisionJob{
		ID:        r.lastJobID,
		TenantID:  tenantID,
		Namespace: t.NamespaceKey(),
		Payload:   act.Payload,
		CreatedAt: time.Now().UTC(),
	}
	r.jobs[job.ID] = job
	return *job, nil
}

func (r *fakeRepo) SetVerified(ctx context.Context, tenantID int, verified bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[tenantID]
	if !ok {
		return ErrTenantNotFound
	}
	t.Verified = verified
	return nil
}

func (r *fakeRepo) DeleteTenant(ctx context.Context, tenantID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[tenantID]; !ok {
		return ErrTenantNotFound
	}
	delete(r.tenants, tenantID)
	delete(r.activations, tenantID)
	return nil
}

func (r *fakeRepo) QueryTenants(ctx context.Context, verifiedOnly bool) ([]Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Tenant
	for _, t := range r.tenants {
		if verifiedOnly && !t.Verified {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) DeleteExpiredActivations(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, act := range r.activations {
		if act.Expired(before) {
			delete(r.activations, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) ActivationCodeInUse(ctx context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, act := range r.activations {
		if act.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) QueryPendingJobs(ctx context.Context, limit int) ([]ProvisionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ProvisionJob
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) MarkJobDone(ctx context.Context, jobID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
	return nil
}

func (r *fakeRepo) MarkJobFailed(ctx context.Context, jobID int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return errors.Errorf("job %d not found", jobID)
	}
	j.Attempts++
	j.LastError = null.StringFrom(reason)
	return nil
}

type fakeProvisioner struct {
	mu          sync.Mutex
	provisioned map[string]bool
	dropped     []string
	failWith    error
}

var _ Provisioner = (*fakeProvisioner)(nil)

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{provisioned: make(map[string]bool)}
}

func (p *fakeProvisioner) Provision(ctx context.Context, namespace string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.provisioned[namespace] = true
	return nil
}

func (p *fakeProvisioner) DropNamespace(ctx context.Context, namespace string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.provisioned, namespace)
	p.dropped = append(p.dropped, namespace)
	return nil
}

type fakeSeeder struct {
	mu     sync.Mutex
	seeded map[string][]GradeSeed
}

var _ Seeder = (*fakeSeeder)(nil)

func newFakeSeeder() *fakeSeeder { return &fakeSeeder{seeded: make(map[string][]GradeSeed)} }

func (s *fakeSeeder) SeedSchedules(ctx context.Context, namespace string, grades []GradeSeed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.seeded[namespace]; done {
		return nil // seed once
	}
	s.seeded[namespace] = grades
	return nil
}

type fakeMail struct {
	mu   sync.Mutex
	sent []*core.EmailMessage
}

var _ core.EmailService = (*fakeMail)(nil)

func (m *fakeMail) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, messages...)
}

func (m *fakeMail) last() *core.EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

// ---------------------------------------------------------------- fixtures

type svcTest struct {
	svc    *Service
	repo   *fakeRepo
	prov   *fakeProvisioner
	seeder *fakeSeeder
	mail   *fakeMail
}

func newSvcTest() *svcTest {
	conf := &core.Config{
		AppName:           "ShuleTrack",
		FrontendBaseURL:   "http://localhost:5201",
		ActivationCodeTTL: 10 * time.Minute,
		TrialPeriod:       7 * 24 * time.Hour,
	}
	st := &svcTest{
		repo:   newFakeRepo(),
		prov:   newFakeProvisioner(),
		seeder: newFakeSeeder(),
		mail:   &fakeMail{},
	}
	logger := core.NewStdLogger(log.New(io.Discard, "", 0))
	st.svc = NewService(conf, st.repo, st.prov, st.seeder, st.mail, logger)
	return st
}

func greenwood() *NewTenant {
	return &NewTenant{
		SchoolName:   "Greenwood Academy",
		AdminEmail:   "admin@greenwood.ac.ke",
		Password:     "s3cr3t-pwd",
		GenderPolicy: PolicyMixed,
		PlanAmount:   5000,
		Grades: []GradeSeed{
			{Name: "Grade 1", Fees: &TermFees{Term1: 500, Term2: 500, Term3: 500}, Streams: []string{"East", "West"}},
			{Name: "Grade 2", Fees: &TermFees{Term1: 700, Term2: 650, Term3: 600}, Streams: []string{}},
		},
	}
}

var codeRx = regexp.MustCompile(`^\d{6}$`)

func activationCode(t *testing.T, repo *fakeRepo, tenantID int) string {
	t.Helper()
	act, err := repo.GetActivation(context.Background(), tenantID)
	require.NoError(t, err)
	return act.Code
}

// ------------------------------------------------------------------- tests

func TestServiceRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		st := newSvcTest()

		tnt, err := st.svc.Register(ctx, greenwood())
		require.NoError(t, err)

		assert.Equal(t, 1, tnt.ID)
		assert.Equal(t, "greenwoodacademy", tnt.Subdomain)
		assert.Equal(t, "tenant_greenwoodacademy", tnt.NamespaceKey())
		assert.False(t, tnt.Verified)
		assert.NoError(t, tnt.CheckPassword("s3cr3t-pwd"))
		assert.True(t, tnt.TrialExpiresAt.After(time.Now().UTC()))

		act, err := st.repo.GetActivation(ctx, tnt.ID)
		require.NoError(t, err)
		assert.Regexp(t, codeRx, act.Code)
		grades, err := DecodeSeed(act.Payload)
		require.NoError(t, err)
		require.Len(t, grades, 2)
		assert.Equal(t, "Grade 1", grades[0].Name)
		assert.Equal(t, []string{}, grades[1].Streams)

		// nothing provisioned until activation
		assert.Empty(t, st.prov.provisioned)

		msg := st.mail.last()
		require.NotNil(t, msg)
		assert.Equal(t, "admin@greenwood.ac.ke", msg.To[0].Address)
		assert.Contains(t, msg.TextContent, act.Code)
	})

	t.Run("invalid input", func(t *testing.T) {
		st := newSvcTest()
		nt := greenwood()
		nt.AdminEmail = "not-an-email"
		_, err := st.svc.Register(ctx, nt)
		assert.Error(t, err)

		nt = greenwood()
		nt.Grades = nil
		_, err = st.svc.Register(ctx, nt)
		assert.Error(t, err)

		nt = greenwood()
		nt.Grades[0].Fees = nil
		_, err = st.svc.Register(ctx, nt)
		assert.Error(t, err)
	})

	t.Run("name collision", func(t *testing.T) {
		st := newSvcTest()
		_, err := st.svc.Register(ctx, greenwood())
		require.NoError(t, err)

		// different admin registering an equivalently named school
		nt := greenwood()
		nt.SchoolName = "green-wood ACADEMY" // sanitizes to the same subdomain
		nt.AdminEmail = "other@greenwood.ac.ke"
		_, err = st.svc.Register(ctx, nt)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTenantExists)
		assert.Contains(t, err.Error(), "did you mean")
	})

	t.Run("re-registration replaces the pending code", func(t *testing.T) {
		st := newSvcTest()
		tnt, err := st.svc.Register(ctx, greenwood())
		require.NoError(t, err)
		first := activationCode(t, st.repo, tnt.ID)

		again, err := st.svc.Register(ctx, greenwood())
		require.NoError(t, err)
		assert.Equal(t, tnt.ID, again.ID)

		second := activationCode(t, st.repo, tnt.ID)
		assert.NotEqual(t, first, second)

		// the superseded code no longer activates
		_, err = st.svc.Verify(ctx, "admin@greenwood.ac.ke", first)
		assert.ErrorIs(t, err, ErrInvalidCode)
		_, err = st.svc.Verify(ctx, "admin@greenwood.ac.ke", second)
		assert.NoError(t, err)
	})

	t.Run("verified school cannot be re-registered", func(t *testing.T) {
		st := newSvcTest()
		tnt, err := st.svc.Register(ctx, greenwood())
		require.NoError(t, err)
		_, err = st.svc.Verify(ctx, tnt.Email, activationCode(t, st.repo, tnt.ID))
		require.NoError(t, err)

		_, err = st.svc.Register(ctx, greenwood())
		assert.ErrorIs(t, err, ErrTenantExists)
	})
}

func TestServiceVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("activates, provisions and seeds", func(t *testing.T) {
		st := newSvcTest()
		tnt, err := st.svc.Register(ctx, greenwood())
		require.NoError(t, err)
		code := activationCode(t, st.repo, tnt.ID)

		ns, err := st.svc.Verify(ctx, " Admin@Greenwood.ac.ke ", code)
		require.NoError(t, err)
		assert.Equal(t, "tenant_greenwoodacademy", ns)

		got, err := st.repo.GetTenantBySubdomain(ctx, "greenwoodacademy")
		require.NoError(t, err)
		assert.True(t, got.Verified)
		assert.True(t, st.prov.provisioned[ns])
		require.Len(t, st.seeder.seeded[ns], 2)
		assert.Equal(t, 1500, st.seeder.seeded[ns][0].Fees.Total())
		assert.Empty(t, st.repo.jobs, "job should be consumed")
	})

	t.Run("code is single use", func(t *testing.T) {
		st := newSvcTest()
		tnt, err := st.svc.Register(ctx, greenwood())
		require.NoError(t, err)
		code := activationCode(t, st.repo, tnt.ID)

		_, err = st.svc.Verify(ctx, tnt.Email, code)
		require.NoError(t, err)

		// consuming the code removes the pending activation entirely
		_, err = st.svc.Verify(ctx, tnt.Email, code)
		assert.ErrorIs(t, err, ErrActivationNotFound)
	})

	t.Run("wrong code", func(t *testing.T) {
		st := newSvcTest()
		tnt, err := st.svc.Register(ctx, greenwood())
		require.NoError(t, err)
		code := activationCode(t, st.repo, tnt.ID)

		wrong := "000000"
		if wrong == code {
			wrong = "000001"
		}
		_, err = st.svc.Verify(ctx, tnt.Email, wrong)
		assert.ErrorIs(t, err, ErrInvalidCode)

		got, err := st.repo.GetTenantBySubdomain(ctx, tnt.Subdomain)
		require.NoError(t, err)
		assert.False(t, got.Verified)
	})

	t.Run("unknown email", func(t *testing.T) {
		st := newSvcTest()
		_, err := st.svc.Verify(ctx, "nobody@example.com", "123456")
		assert.ErrorIs(t, err, ErrTenantNotFound)
	})

	t.Run("expired code", func(t *testing.T) {
		st := newSvcTest()
		tnt, err := st.svc.Register(ctx, greenwood())
		require.NoError(t, err)
		code := activationCode(t, st.repo, tnt.ID)

		st.repo.mu.Lock()
		st.repo.activations[tnt.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
		st.repo.mu.Unlock()

		_, err = st.svc.Verify(ctx, tnt.Email, code)
		assert.ErrorIs(t, err, ErrCodeExpired)
	})

	t.Run("provision failure defers to the job sweep", func(t *testing.T) {
		st := newSvcTest()
		tnt, err := st.svc.Register(ctx, greenwood())
		require.NoError(t, err)
		code := activationCode(t, st.repo, tnt.ID)

		st.prov.failWith = errors.New("storage unreachable")
		ns, err := st.svc.Verify(ctx, tnt.Email, code)
		require.NoError(t, err, "activation must not fail because of provisioning")
		assert.Equal(t, tnt.NamespaceKey(), ns)

		got, err := st.repo.GetTenantBySubdomain(ctx, tnt.Subdomain)
		require.NoError(t, err)
		assert.True(t, got.Verified)

		// the job survived with the failure recorded
		jobs, err := st.repo.QueryPendingJobs(ctx, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, 1, jobs[0].Attempts)
		assert.Contains(t, jobs[0].LastError.String, "storage unreachable")

		// retry once storage is back
		st.prov.failWith = nil
		done, err := st.svc.ProcessPendingJobs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, done)
		assert.True(t, st.prov.provisioned[ns])
		assert.Len(t, st.seeder.seeded[ns], 2)
		assert.Empty(t, st.repo.jobs)
	})
}

func TestServiceAuthenticate(t *testing.T) {
	ctx := context.Background()
	st := newSvcTest()
	tnt, err := st.svc.Register(ctx, greenwood())
	require.NoError(t, err)

	_, err = st.svc.Authenticate(ctx, tnt.Subdomain, tnt.Email, "s3cr3t-pwd")
	assert.ErrorIs(t, err, ErrNotVerified)

	_, err = st.svc.Verify(ctx, tnt.Email, activationCode(t, st.repo, tnt.ID))
	require.NoError(t, err)

	got, err := st.svc.Authenticate(ctx, tnt.Subdomain, tnt.Email, "s3cr3t-pwd")
	require.NoError(t, err)
	assert.Equal(t, tnt.ID, got.ID)

	_, err = st.svc.Authenticate(ctx, tnt.Subdomain, tnt.Email, "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = st.svc.Authenticate(ctx, "nosuchschool", tnt.Email, "s3cr3t-pwd")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceResolve(t *testing.T) {
	ctx := context.Background()
	st := newSvcTest()
	tnt, err := st.svc.Register(ctx, greenwood())
	require.NoError(t, err)

	// display names resolve like subdomains
	got, err := st.svc.Resolve(ctx, "Greenwood Academy", false)
	require.NoError(t, err)
	assert.Equal(t, tnt.ID, got.ID)

	_, err = st.svc.Resolve(ctx, "greenwoodacademy", true)
	assert.ErrorIs(t, err, ErrNotVerified)

	_, err = st.svc.Verify(ctx, tnt.Email, activationCode(t, st.repo, tnt.ID))
	require.NoError(t, err)
	_, err = st.svc.Resolve(ctx, "greenwoodacademy", true)
	assert.NoError(t, err)

	_, err = st.svc.Resolve(ctx, "unknown", false)
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestServiceDisableEnableDelete(t *testing.T) {
	ctx := context.Background()
	st := newSvcTest()
	tnt, err := st.svc.Register(ctx, greenwood())
	require.NoError(t, err)
	ns, err := st.svc.Verify(ctx, tnt.Email, activationCode(t, st.repo, tnt.ID))
	require.NoError(t, err)

	require.NoError(t, st.svc.Disable(ctx, tnt))
	_, err = st.svc.Resolve(ctx, tnt.Subdomain, true)
	assert.ErrorIs(t, err, ErrNotVerified)
	// data untouched by a disable
	assert.True(t, st.prov.provisioned[ns])

	require.NoError(t, st.svc.Enable(ctx, tnt))
	_, err = st.svc.Resolve(ctx, tnt.Subdomain, true)
	assert.NoError(t, err)

	require.NoError(t, st.svc.Delete(ctx, tnt))
	assert.Equal(t, []string{ns}, st.prov.dropped)
	_, err = st.svc.Resolve(ctx, tnt.Subdomain, false)
	assert.ErrorIs(t, err, ErrTenantNotFound)

	// the freed id is handed to the next registration
	next, err := st.svc.Register(ctx, greenwood())
	require.NoError(t, err)
	assert.Equal(t, tnt.ID, next.ID)
}

func TestServiceSweepExpired(t *testing.T) {
	ctx := context.Background()
	st := newSvcTest()

	fresh, err := st.svc.Register(ctx, greenwood())
	require.NoError(t, err)

	stale := greenwood()
	stale.SchoolName = "Hilltop Primary"
	stale.AdminEmail = "admin@hilltop.ac.ke"
	staleTnt, err := st.svc.Register(ctx, stale)
	require.NoError(t, err)

	st.repo.mu.Lock()
	st.repo.activations[staleTnt.ID].ExpiresAt = time.Now().UTC().Add(-time.Hour)
	st.repo.mu.Unlock()

	n, err := st.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = st.repo.GetActivation(ctx, staleTnt.ID)
	assert.ErrorIs(t, err, ErrActivationNotFound)
	_, err = st.repo.GetActivation(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestServiceSchools(t *testing.T) {
	ctx := context.Background()
	st := newSvcTest()

	a, err := st.svc.Register(ctx, greenwood())
	require.NoError(t, err)

	other := greenwood()
	other.SchoolName = "Hilltop Primary"
	other.AdminEmail = "admin@hilltop.ac.ke"
	_, err = st.svc.Register(ctx, other)
	require.NoError(t, err)

	_, err = st.svc.Verify(ctx, a.Email, activationCode(t, st.repo, a.ID))
	require.NoError(t, err)

	verified, err := st.svc.Schools(ctx)
	require.NoError(t, err)
	require.Len(t, verified, 1)
	assert.Equal(t, a.ID, verified[0].ID)

	all, err := st.svc.AllTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
