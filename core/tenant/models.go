package tenant

import (
	"regexp"
	"time"

	"github.com/volatiletech/null/v8"
	"golang.org/x/crypto/bcrypt"

	"github.com/shuletrack/shuletrack/core"
)

// Gender policies
const (
	PolicyBoys  = "Boys"
	PolicyGirls = "Girls"
	PolicyMixed = "Mixed"
)

// Tenant is one school account in the directory, isolated from all others by
// its namespace.
type Tenant struct {
	ID             int       `json:"id"`
	Name           string    `json:"name"`
	Subdomain      string    `json:"subdomain"`
	Email          string    `json:"email"`
	PasswordHash   []byte    `json:"-"`
	PlanAmount     int       `json:"plan_amount"`
	GenderPolicy   string    `json:"gender_policy"`
	Verified       bool      `json:"verified"`
	TrialExpiresAt time.Time `json:"trial_expires_at"` // UTC
	CreatedAt      time.Time `json:"created_at"`       // UTC
}

func (t *Tenant) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	t.PasswordHash = hash
	return nil
}

func (t *Tenant) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(t.PasswordHash, []byte(pwd))
}

// NamespaceKey returns the isolated storage namespace for this tenant.
func (t Tenant) NamespaceKey() string { return NamespaceKey(t.Subdomain) }

func NamespaceKey(subdomain string) string { return "tenant_" + subdomain }

// PendingActivation holds the one-time code and the deferred seed payload of
// a tenant awaiting verification. At most one row exists per tenant; a
// re-registration overwrites it (last write wins).
type PendingActivation struct {
	TenantID  int       `json:"tenant_id"`
	Code      string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"` // UTC
	Payload   string    `json:"-"`          // serialized fee-schedule seeds
}

func (p PendingActivation) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt) || now.Equal(p.ExpiresAt)
}

// ProvisionJob is the durable record of a namespace still owed provisioning
// and seeding, written in the same transaction that marks its tenant
// verified. Processing is idempotent, so a job may be retried safely.
type ProvisionJob struct {
	ID        int         `json:"id"`
	TenantID  int         `json:"tenant_id"`
	Namespace string      `json:"namespace"`
	Payload   string      `json:"-"`
	Attempts  int         `json:"attempts"`
	LastError null.String `json:"last_error"`
	CreatedAt time.Time   `json:"created_at"` // UTC
}

// NewTenant contains information needed to register a new school.
type NewTenant struct {
	SchoolName   string      `json:"school_name" validate:"required"`
	AdminEmail   string      `json:"admin_email" validate:"required,email"`
	Password     string      `json:"password" validate:"required"`
	GenderPolicy string      `json:"gender_policy" validate:"required,oneof=Boys Girls Mixed"`
	PlanAmount   int         `json:"plan_amount" validate:"required,gt=0"`
	Grades       []GradeSeed `json:"grades" validate:"required,min=1"`
}

func (nt *NewTenant) Validate() error {
	nt.SchoolName = core.CleanString(nt.SchoolName)
	nt.AdminEmail = core.CleanString(nt.AdminEmail, true /* lower */)

	if err := core.Validate.Struct(nt); err != nil {
		return err
	}
	for _, g := range nt.Grades {
		if err := g.Validate(); err != nil {
			return err
		}
	}
	return nil
}

var subdomainRx = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeSubdomain derives a tenant's subdomain from its display name:
// lower-cased with everything outside [a-z0-9] removed, so the namespace
// built from it is always a safe identifier. Two names sanitizing to the
// same subdomain collide and the later one is rejected.
func SanitizeSubdomain(name string) string {
	return subdomainRx.ReplaceAllString(core.CleanString(name, true /* lower */), "")
}
