package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/tenant"
)

type subscriptionApi struct {
	conf *core.Config
	svc  *tenant.Service
}

func registerSubscriptionAPI(app *echo.Echo, conf *core.Config, svc *tenant.Service) {
	api := subscriptionApi{conf: conf, svc: svc}

	app.POST("/subscribe", api.subscribe)
	app.GET("/subscribe/verify", api.verify)
	app.GET("/api/schools", api.schools)
	app.POST("/login", api.login)
}

// subscribe registers a new school and emails its activation code.
func (api *subscriptionApi) subscribe(ctx echo.Context) error {
	var data tenant.NewTenant
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewTenant")
	}

	t, err := api.svc.Register(ctx.Request().Context(), &data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, t)
}

// verify consumes an activation code and reports the school's namespace.
func (api *subscriptionApi) verify(ctx echo.Context) error {
	email := ctx.QueryParam("email")
	code := ctx.QueryParam("code")

	namespace, err := api.svc.Verify(ctx.Request().Context(), email, code)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, VerifyResponse{
		Subdomain: namespace[len("tenant_"):],
		Namespace: namespace,
	})
}

// schools lists verified schools for the public school picker.
func (api *subscriptionApi) schools(ctx echo.Context) error {
	tenants, err := api.svc.Schools(ctx.Request().Context())
	if err != nil {
		return err
	}
	schools := make([]SchoolResponse, 0, len(tenants))
	for _, t := range tenants {
		schools = append(schools, SchoolResponse{ID: t.ID, Name: t.Name, Subdomain: t.Subdomain})
	}
	return ctx.JSON(http.StatusOK, schools)
}

// login authenticates a school admin and returns a signed token.
func (api *subscriptionApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	t, err := api.svc.Authenticate(ctx.Request().Context(), data.School, data.Email, data.Password)
	if err != nil {
		return err
	}
	token, err := GenerateToken(api.conf, getTenantClaims(api.conf, t))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token})
}
