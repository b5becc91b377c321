package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/tenant"
)

type platformApi struct {
	conf  *core.Config
	svc   *tenant.Service
	drift DriftChecker
}

func registerPlatformAPI(
	app *echo.Echo,
	jwt echo.MiddlewareFunc,
	conf *core.Config,
	svc *tenant.Service,
	drift DriftChecker,
) {
	api := platformApi{conf: conf, svc: svc, drift: drift}

	g := app.Group("/__platform", jwt, api.platformMiddleware)

	g.GET("/tenants", api.queryTenants)
	g.POST("/tenants/:school/disable", api.disableTenant)
	g.POST("/tenants/:school/enable", api.enableTenant)
	g.DELETE("/tenants/:school", api.destroyTenant)

	g.GET("/tenants/:school/driftcheck", api.driftCheck)
	g.POST("/autofix", api.autoFix)
	g.POST("/process-outbox", api.processOutbox)
	g.POST("/sweep-codes", api.sweepCodes)
}

// platformMiddleware gates every platform route on the configured admin
// identity.
func (api *platformApi) platformMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		auth, err := getContextAuth(ctx, api.conf.Env)
		if err != nil {
			return err
		}
		if err = auth.RequirePlatformAdmin(api.conf); err != nil {
			return errHttpForbidden
		}
		return next(ctx)
	}
}

func (api *platformApi) tenant(ctx echo.Context) (tenant.Tenant, error) {
	return api.svc.Resolve(ctx.Request().Context(), ctx.Param("school"), false)
}

func (api *platformApi) queryTenants(ctx echo.Context) error {
	tenants, err := api.svc.AllTenants(ctx.Request().Context())
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, tenants)
}

func (api *platformApi) disableTenant(ctx echo.Context) error {
	t, err := api.tenant(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.Disable(ctx.Request().Context(), t); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "tenant disabled"})
}

func (api *platformApi) enableTenant(ctx echo.Context) error {
	t, err := api.tenant(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.Enable(ctx.Request().Context(), t); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "tenant enabled"})
}

func (api *platformApi) destroyTenant(ctx echo.Context) error {
	t, err := api.tenant(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.Delete(ctx.Request().Context(), t); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *platformApi) driftCheck(ctx echo.Context) error {
	t, err := api.tenant(ctx)
	if err != nil {
		return err
	}
	report, err := api.drift.DriftCheck(ctx.Request().Context(), t.NamespaceKey())
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, report)
}

func (api *platformApi) autoFix(ctx echo.Context) error {
	tenants, err := api.svc.Schools(ctx.Request().Context())
	if err != nil {
		return err
	}
	report := api.drift.AutoFix(ctx.Request().Context(), tenants)
	return ctx.JSON(http.StatusOK, echo.Map{
		"processed": len(tenants),
		"report":    report,
	})
}

func (api *platformApi) processOutbox(ctx echo.Context) error {
	n, err := api.svc.ProcessPendingJobs(ctx.Request().Context())
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, echo.Map{"processed": n})
}

func (api *platformApi) sweepCodes(ctx echo.Context) error {
	n, err := api.svc.SweepExpired(ctx.Request().Context())
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, echo.Map{"deleted": n})
}
