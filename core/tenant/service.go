package tenant

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/shuletrack/shuletrack/core"
)

var (
	ErrTenantNotFound     = errors.New("school not found")
	ErrTenantExists       = errors.New("a school with this name is already registered")
	ErrNotVerified        = errors.New("school has not been activated yet")
	ErrActivationNotFound = errors.New("no pending activation for this school")
	ErrInvalidCode        = errors.New("invalid activation code")
	ErrCodeExpired        = errors.New("activation code has expired")
	ErrInvalidCredentials = errors.New("invalid credentials")

	timeNow = time.Now // mockable
)

// maxJobBatch bounds how many outstanding provision jobs one sweep picks up.
const maxJobBatch = 50

type Repository interface {
	// CreateTenant inserts the tenant and its pending activation atomically,
	// assigning the smallest free directory id.
	CreateTenant(ctx context.Context, t *Tenant, act *PendingActivation) error
	// ReplaceActivation overwrites the tenant's pending activation row;
	// last write wins.
	ReplaceActivation(ctx context.Context, act *PendingActivation) error
	GetTenantBySubdomain(ctx context.Context, subdomain string) (Tenant, error)
	GetTenantByEmail(ctx context.Context, email string) (Tenant, error)
	GetActivation(ctx context.Context, tenantID int) (PendingActivation, error)
	// ActivateTenant marks the tenant verified, consumes its pending
	// activation and records the provision job, all in one transaction.
	ActivateTenant(ctx context.Context, tenantID int) (ProvisionJob, error)
	SetVerified(ctx context.Context, tenantID int, verified bool) error
	DeleteTenant(ctx context.Context, tenantID int) error
	QueryTenants(ctx context.Context, verifiedOnly bool) ([]Tenant, error)
	DeleteExpiredActivations(ctx context.Context, before time.Time) (int64, error)
	ActivationCodeInUse(ctx context.Context, code string) (bool, error)
	QueryPendingJobs(ctx context.Context, limit int) ([]ProvisionJob, error)
	MarkJobDone(ctx context.Context, jobID int) error
	MarkJobFailed(ctx context.Context, jobID int, reason string) error
}

// Provisioner creates and destroys isolated tenant namespaces.
type Provisioner interface {
	// Provision brings the namespace and every table in it into existence.
	// It is idempotent; re-provisioning an intact namespace is a no-op.
	Provision(ctx context.Context, namespace string) error
	// DropNamespace removes the namespace and everything in it. Dropping a
	// namespace that does not exist is not an error.
	DropNamespace(ctx context.Context, namespace string) error
}

// Seeder applies the registration fee-schedule payload to a freshly
// provisioned namespace. Implementations must seed at most once per
// namespace so a retried provision job cannot duplicate schedules.
type Seeder interface {
	SeedSchedules(ctx context.Context, namespace string, grades []GradeSeed) error
}

type Service struct {
	conf   *core.Config
	repo   Repository
	prov   Provisioner
	seeder Seeder
	mail   core.EmailService
	log    core.Logger
}

func NewService(conf *core.Config, repo Repository, prov Provisioner, seeder Seeder, mailSvc core.EmailService, log core.Logger) *Service {
	return &Service{
		conf:   conf,
		repo:   repo,
		prov:   prov,
		seeder: seeder,
		mail:   mailSvc,
		log:    log,
	}
}

// Register enrols a new school in the directory, unverified, and emails its
// admin a one-time activation code. The fee-schedule payload travels with the
// pending activation and is only applied once the school activates.
//
// Registering again with the same school name and admin email while still
// unverified issues a fresh code and payload, replacing the previous ones.
func (s *Service) Register(ctx context.Context, nt *NewTenant) (Tenant, error) {
	if err := nt.Validate(); err != nil {
		return Tenant{}, err
	}

	subdomain := SanitizeSubdomain(nt.SchoolName)
	existing, err := s.repo.GetTenantBySubdomain(ctx, subdomain)
	switch {
	case err == nil:
		if !existing.Verified && existing.Email == nt.AdminEmail {
			return s.reRegister(ctx, existing, nt)
		}
		return Tenant{}, s.collisionError(nt.SchoolName, existing)
	case !errors.Is(err, ErrTenantNotFound):
		return Tenant{}, err
	}

	now := timeNow().UTC()
	t := Tenant{
		Name:           nt.SchoolName,
		Subdomain:      subdomain,
		Email:          nt.AdminEmail,
		PlanAmount:     nt.PlanAmount,
		GenderPolicy:   nt.GenderPolicy,
		TrialExpiresAt: now.Add(s.conf.TrialPeriod),
		CreatedAt:      now,
	}
	if err = t.SetPassword(nt.Password); err != nil {
		return Tenant{}, errors.Wrap(err, "hashing password")
	}

	act, err := s.newActivation(ctx, nt.Grades)
	if err != nil {
		return Tenant{}, err
	}
	if err = s.repo.CreateTenant(ctx, &t, &act); err != nil {
		return Tenant{}, err
	}

	s.sendActivationEmail(t, act.Code)
	s.log.Info(fmt.Sprintf("school %q registered (tenant %d), activation pending", t.Name, t.ID))
	return t, nil
}

func (s *Service) reRegister(ctx context.Context, t Tenant, nt *NewTenant) (Tenant, error) {
	act, err := s.newActivation(ctx, nt.Grades)
	if err != nil {
		return Tenant{}, err
	}
	act.TenantID = t.ID
	if err = s.repo.ReplaceActivation(ctx, &act); err != nil {
		return Tenant{}, err
	}

	s.sendActivationEmail(t, act.Code)
	s.log.Info(fmt.Sprintf("school %q re-registered, previous activation replaced", t.Name))
	return t, nil
}

func (s *Service) newActivation(ctx context.Context, grades []GradeSeed) (PendingActivation, error) {
	code, err := core.GenerateActivationCode(func(c string) (bool, error) {
		return s.repo.ActivationCodeInUse(ctx, c)
	})
	if err != nil {
		return PendingActivation{}, err
	}
	payload, err := EncodeSeed(grades)
	if err != nil {
		return PendingActivation{}, err
	}
	return PendingActivation{
		Code:      code,
		ExpiresAt: timeNow().UTC().Add(s.conf.ActivationCodeTTL),
		Payload:   payload,
	}, nil
}

// collisionError reports a name collision, hinting at the registered school
// when the two names are nearly identical (likely a duplicate sign-up).
func (s *Service) collisionError(requested string, existing Tenant) error {
	m := difflib.NewMatcher(
		strings.Split(strings.ToLower(requested), ""),
		strings.Split(strings.ToLower(existing.Name), ""),
	)
	if m.Ratio() > 0.75 && requested != existing.Name {
		return errors.Wrapf(ErrTenantExists, "did you mean %q", existing.Name)
	}
	return ErrTenantExists
}

// Verify consumes the activation code: the tenant is marked verified and its
// namespace provisioned and seeded. The code is single-use; once consumed
// no pending activation remains and a second call fails with
// ErrActivationNotFound. Returns the tenant's namespace key.
//
// The directory transaction (verified flag, code consumption, provision job)
// commits first; provisioning then runs best-effort. If provisioning fails
// the tenant stays verified and the durable job is retried later, so a
// crashed or flaky provision never strands the school unverified.
func (s *Service) Verify(ctx context.Context, email, code string) (string, error) {
	email = core.CleanString(email, true /* lower */)
	t, err := s.repo.GetTenantByEmail(ctx, email)
	if err != nil {
		return "", err
	}

	act, err := s.repo.GetActivation(ctx, t.ID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(code) != act.Code {
		return "", ErrInvalidCode
	}
	if act.Expired(timeNow().UTC()) {
		return "", ErrCodeExpired
	}

	job, err := s.repo.ActivateTenant(ctx, t.ID)
	if err != nil {
		return "", err
	}
	s.log.Info(fmt.Sprintf("school %q activated (tenant %d)", t.Name, t.ID))

	if err = s.processJob(ctx, job); err != nil {
		// The job row survives; a later sweep will pick it up.
		s.log.Error(fmt.Sprintf("provisioning %s deferred", job.Namespace), err)
	}
	return t.NamespaceKey(), nil
}

// Authenticate checks a school admin's credentials against the directory.
// Unverified schools cannot sign in.
func (s *Service) Authenticate(ctx context.Context, subdomain, email, password string) (Tenant, error) {
	t, err := s.repo.GetTenantBySubdomain(ctx, SanitizeSubdomain(subdomain))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return Tenant{}, ErrInvalidCredentials
		}
		return Tenant{}, err
	}
	if t.Email != core.CleanString(email, true /* lower */) || t.CheckPassword(password) != nil {
		return Tenant{}, ErrInvalidCredentials
	}
	if !t.Verified {
		return Tenant{}, ErrNotVerified
	}
	return t, nil
}

// Resolve finds a tenant by subdomain; a display name is accepted and
// sanitized the same way registration does it.
func (s *Service) Resolve(ctx context.Context, subdomainOrName string, requireVerified bool) (Tenant, error) {
	t, err := s.repo.GetTenantBySubdomain(ctx, SanitizeSubdomain(subdomainOrName))
	if err != nil {
		return Tenant{}, err
	}
	if requireVerified && !t.Verified {
		return Tenant{}, ErrNotVerified
	}
	return t, nil
}

// Schools lists every activated school in the directory.
func (s *Service) Schools(ctx context.Context) ([]Tenant, error) {
	return s.repo.QueryTenants(ctx, true /* verifiedOnly */)
}

func (s *Service) AllTenants(ctx context.Context) ([]Tenant, error) {
	return s.repo.QueryTenants(ctx, false)
}

// Disable suspends a tenant without touching its namespace; its data stays
// intact and Enable restores access.
func (s *Service) Disable(ctx context.Context, t Tenant) error {
	if err := s.repo.SetVerified(ctx, t.ID, false); err != nil {
		return err
	}
	s.log.Info(fmt.Sprintf("school %q disabled (tenant %d)", t.Name, t.ID))
	return nil
}

func (s *Service) Enable(ctx context.Context, t Tenant) error {
	if err := s.repo.SetVerified(ctx, t.ID, true); err != nil {
		return err
	}
	s.log.Info(fmt.Sprintf("school %q enabled (tenant %d)", t.Name, t.ID))
	return nil
}

// Delete drops the tenant's namespace with everything in it, then removes the
// directory row, freeing its id for reuse. Irreversible.
func (s *Service) Delete(ctx context.Context, t Tenant) error {
	if err := s.prov.DropNamespace(ctx, t.NamespaceKey()); err != nil {
		return errors.Wrapf(err, "dropping namespace %s", t.NamespaceKey())
	}
	if err := s.repo.DeleteTenant(ctx, t.ID); err != nil {
		return err
	}
	s.log.Warn(fmt.Sprintf("school %q deleted with all its data (tenant %d)", t.Name, t.ID))
	return nil
}

// SweepExpired purges activation codes past their expiry. Affected schools
// remain registered and may re-register for a fresh code.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredActivations(ctx, timeNow().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info(fmt.Sprintf("purged %d expired activation code(s)", n))
	}
	return n, nil
}

// ProcessPendingJobs retries provision jobs left behind by failed or
// interrupted activations. One bad namespace never blocks the rest.
func (s *Service) ProcessPendingJobs(ctx context.Context) (int, error) {
	jobs, err := s.repo.QueryPendingJobs(ctx, maxJobBatch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, job := range jobs {
		if err := s.processJob(ctx, job); err != nil {
			s.log.Error(fmt.Sprintf("provision job %d (%s) failed", job.ID, job.Namespace), err)
			continue
		}
		done++
	}
	return done, nil
}

func (s *Service) processJob(ctx context.Context, job ProvisionJob) error {
	grades, err := DecodeSeed(job.Payload)
	if err == nil {
		if err = s.prov.Provision(ctx, job.Namespace); err == nil {
			err = s.seeder.SeedSchedules(ctx, job.Namespace, grades)
		}
	}
	if err != nil {
		if mErr := s.repo.MarkJobFailed(ctx, job.ID, err.Error()); mErr != nil {
			s.log.Error(fmt.Sprintf("marking job %d failed", job.ID), mErr)
		}
		return err
	}
	return s.repo.MarkJobDone(ctx, job.ID)
}

func (s *Service) sendActivationEmail(t Tenant, code string) {
	ttl := int(s.conf.ActivationCodeTTL.Minutes())
	msg := &core.EmailMessage{
		To:      []mail.Address{{Name: t.Name, Address: t.Email}},
		Subject: fmt.Sprintf("Activate your %s account", s.conf.AppName),
		TextContent: fmt.Sprintf(
			"Hello %s,\n\nYour activation code is %s. It expires in %d minutes.\n\n"+
				"Enter it at %s/subscribe/verify to activate your school.\n",
			t.Name, code, ttl, s.conf.FrontendBaseURL,
		),
	}
	s.mail.SendMessages(msg)
}
