package student

import (
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/shuletrack/shuletrack/core"
)

// Admission statuses
const (
	StatusActive   = "Active"
	StatusPending  = "Pending"
	StatusApproved = "Approved"
)

const (
	GenderMale   = "Male"
	GenderFemale = "Female"
)

// Student is one learner's record, scoped to a single tenant namespace.
// AccountNo identifies the student to guardians; it is unique per namespace,
// not globally.
type Student struct {
	ID             int         `json:"id"`
	AccountNo      string      `json:"account_no"`
	FullName       string      `json:"full_name"`
	DateOfBirth    time.Time   `json:"date_of_birth"`
	Gender         string      `json:"gender"`
	Grade          string      `json:"grade"`
	Stream         string      `json:"stream"`
	AdmissionDate  time.Time   `json:"admission_date"`
	PreviousSchool null.String `json:"previous_school"`
	PhotoPath      null.String `json:"photo_path"`
	MedicalInfo    null.String `json:"medical_info"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"` // UTC
}

// Guardian is a student's contact person; every student has exactly one
// primary guardian, recorded at admission.
type Guardian struct {
	ID           int         `json:"id"`
	StudentID    int         `json:"student_id"`
	FullName     string      `json:"full_name"`
	Relationship string      `json:"relationship"`
	Phone        string      `json:"phone"`
	Email        null.String `json:"email"`
	Address      null.String `json:"address"`
	IsPrimary    bool        `json:"is_primary"`
	CreatedAt    time.Time   `json:"created_at"` // UTC
}

// Stats summarizes a school's admission register.
type Stats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
}

// NewStudent contains information needed to admit a student together with
// their primary guardian.
type NewStudent struct {
	FullName       string    `json:"full_name" validate:"required"`
	DateOfBirth    time.Time `json:"date_of_birth" validate:"required"`
	Gender         string    `json:"gender" validate:"required,oneof=Male Female"`
	Grade          string    `json:"grade" validate:"required"`
	Stream         string    `json:"stream"`
	PreviousSchool string    `json:"previous_school"`
	MedicalInfo    string    `json:"medical_info"`
	PhotoPath      string    `json:"photo_path"`

	GuardianName         string `json:"guardian_name" validate:"required"`
	GuardianRelationship string `json:"guardian_relationship" validate:"required"`
	GuardianPhone        string `json:"guardian_phone" validate:"required,msisdn"`
	GuardianEmail        string `json:"guardian_email" validate:"omitempty,email"`
}

func (ns *NewStudent) Validate() error {
	ns.FullName = core.CleanString(ns.FullName)
	ns.Grade = core.CleanString(ns.Grade)
	ns.Stream = core.CleanString(ns.Stream)
	ns.GuardianName = core.CleanString(ns.GuardianName)
	ns.GuardianRelationship = core.CleanString(ns.GuardianRelationship)
	ns.GuardianPhone = core.CleanString(ns.GuardianPhone)
	ns.GuardianEmail = core.CleanString(ns.GuardianEmail, true /* lower */)

	return core.Validate.Struct(ns)
}
