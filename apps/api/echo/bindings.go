package echoapi

import "github.com/shuletrack/shuletrack/core"

type (
	LoginRequest struct {
		School   string `json:"school" validate:"required"`
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	ParentLoginRequest struct {
		AccountNo   string `json:"account_no" validate:"required"`
		StudentName string `json:"student_name" validate:"required"`
	}

	LoginResponse struct {
		Token string `json:"token"`
	}

	VerifyResponse struct {
		Subdomain string `json:"subdomain"`
		Namespace string `json:"namespace"`
	}

	SchoolResponse struct {
		ID        int    `json:"id"`
		Name      string `json:"name"`
		Subdomain string `json:"subdomain"`
	}

	SuccessResponse struct {
		Success string `json:"success"`
	}

	MarkReadRequest struct {
		IDs []int `json:"ids"`
	}
)

func (r *LoginRequest) Validate() error {
	r.School = core.CleanString(r.School, true /* lower */)
	r.Email = core.CleanString(r.Email, true /* lower */)
	return core.Validate.Struct(r)
}

func (r *ParentLoginRequest) Validate() error {
	r.AccountNo = core.CleanString(r.AccountNo)
	r.StudentName = core.CleanString(r.StudentName)
	return core.Validate.Struct(r)
}
