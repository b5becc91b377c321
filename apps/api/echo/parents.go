package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/billing"
	"github.com/shuletrack/shuletrack/core/student"
	"github.com/shuletrack/shuletrack/core/tenant"
)

type parentsApi struct {
	conf       *core.Config
	tenantSvc  *tenant.Service
	studentSvc *student.Service
	billingSvc *billing.Service
}

func registerParentsAPI(
	app *echo.Echo,
	jwt echo.MiddlewareFunc,
	conf *core.Config,
	tenantSvc *tenant.Service,
	studentSvc *student.Service,
	billingSvc *billing.Service,
) {
	api := parentsApi{
		conf:       conf,
		tenantSvc:  tenantSvc,
		studentSvc: studentSvc,
		billingSvc: billingSvc,
	}

	g := app.Group("/schools/:school/parents")
	g.POST("/login", api.login)

	// authed endpoints; parents only reach their own child's records
	ag := g.Group("", jwt, roleMiddleware(core.RoleParent), tenantScopeMiddleware)
	ag.GET("/fee-balance", api.feeBalance)
	ag.GET("/payments", api.payments)
	ag.POST("/initiate-payment", api.initiatePayment)
	ag.GET("/notifications", api.notifications)
	ag.POST("/notifications/read", api.markRead)
}

func (api *parentsApi) school(ctx echo.Context) (tenant.Tenant, error) {
	return api.tenantSvc.Resolve(ctx.Request().Context(), ctx.Param("school"), true /* requireVerified */)
}

// sessionStudent resolves the student bound to the caller's token.
func (api *parentsApi) sessionStudent(ctx echo.Context) (tenant.Tenant, int, error) {
	t, err := api.school(ctx)
	if err != nil {
		return tenant.Tenant{}, 0, err
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return tenant.Tenant{}, 0, err
	}
	if claims.StudentID == 0 {
		return tenant.Tenant{}, 0, errHttpForbidden
	}
	return t, claims.StudentID, nil
}

// login signs a parent-portal token from the child's account number and name.
func (api *parentsApi) login(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}

	var data ParentLoginRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ParentLoginRequest")
	}
	if err = data.Validate(); err != nil {
		return err
	}

	st, err := api.studentSvc.PortalLogin(ctx.Request().Context(), t, data.AccountNo, data.StudentName)
	if err != nil {
		return err
	}
	token, err := GenerateToken(api.conf, getParentClaims(api.conf, t, st))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token})
}

func (api *parentsApi) feeBalance(ctx echo.Context) error {
	t, studentID, err := api.sessionStudent(ctx)
	if err != nil {
		return err
	}
	balance, err := api.billingSvc.FeeBalance(ctx.Request().Context(), t, studentID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, balance)
}

func (api *parentsApi) payments(ctx echo.Context) error {
	t, studentID, err := api.sessionStudent(ctx)
	if err != nil {
		return err
	}
	payments, err := api.billingSvc.Payments(ctx.Request().Context(), t, studentID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, payments)
}

func (api *parentsApi) initiatePayment(ctx echo.Context) error {
	t, studentID, err := api.sessionStudent(ctx)
	if err != nil {
		return err
	}

	var data billing.NewPayment
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewPayment")
	}
	data.StudentID = studentID // the token decides whose ledger is paid

	p, err := api.billingSvc.InitiatePayment(ctx.Request().Context(), t, &data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, echo.Map{
		"success":        true,
		"transaction_id": p.TransactionID,
		"reference":      p.Reference,
	})
}

func (api *parentsApi) notifications(ctx echo.Context) error {
	t, studentID, err := api.sessionStudent(ctx)
	if err != nil {
		return err
	}
	notifs, err := api.billingSvc.Notifications(ctx.Request().Context(), t, studentID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, notifs)
}

func (api *parentsApi) markRead(ctx echo.Context) error {
	t, studentID, err := api.sessionStudent(ctx)
	if err != nil {
		return err
	}

	var data MarkReadRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to MarkReadRequest")
	}

	if err = api.billingSvc.MarkNotificationsRead(ctx.Request().Context(), t, studentID, data.IDs); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "notifications marked read"})
}
