package echoapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/billing"
	"github.com/shuletrack/shuletrack/core/student"
	"github.com/shuletrack/shuletrack/core/tenant"
)

type schoolApi struct {
	conf       *core.Config
	tenantSvc  *tenant.Service
	studentSvc *student.Service
	billingSvc *billing.Service
}

func registerSchoolAPI(
	app *echo.Echo,
	jwt echo.MiddlewareFunc,
	conf *core.Config,
	tenantSvc *tenant.Service,
	studentSvc *student.Service,
	billingSvc *billing.Service,
) {
	api := schoolApi{
		conf:       conf,
		tenantSvc:  tenantSvc,
		studentSvc: studentSvc,
		billingSvc: billingSvc,
	}

	g := app.Group("/schools/:school/api", jwt,
		roleMiddleware(core.RoleSchoolAdmin, core.RoleSecretary, core.RolePlatformAdmin),
		tenantScopeMiddleware,
	)

	g.POST("/register-student", api.registerStudent)
	g.GET("/students", api.queryStudents)
	g.GET("/students/stats", api.stats)
	g.GET("/students/:id", api.retrieveStudent)
	g.PUT("/students/:id", api.updateStudent)
	g.DELETE("/students/:id", api.destroyStudent)
	g.POST("/students/:id/approve", api.approveStudent)
	g.GET("/students/:id/payments", api.studentPayments)
	g.POST("/students/:id/cash-payment", api.cashPayment)

	g.GET("/schedules", api.querySchedules)
	g.POST("/schedules", api.addSchedule)

	g.GET("/fees/outstanding", api.outstanding)
	g.GET("/fees/collection-rate", api.collectionRate)
}

// school resolves the verified tenant addressed by the route.
func (api *schoolApi) school(ctx echo.Context) (tenant.Tenant, error) {
	return api.tenantSvc.Resolve(ctx.Request().Context(), ctx.Param("school"), true /* requireVerified */)
}

func pathID(ctx echo.Context) (int, error) {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (api *schoolApi) registerStudent(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}

	var data student.NewStudent
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewStudent")
	}

	st, err := api.studentSvc.Admit(ctx.Request().Context(), t, &data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, st)
}

func (api *schoolApi) queryStudents(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	students, err := api.studentSvc.List(ctx.Request().Context(), t)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, students)
}

func (api *schoolApi) stats(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	stats, err := api.studentSvc.Stats(ctx.Request().Context(), t)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, stats)
}

func (api *schoolApi) retrieveStudent(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	st, err := api.studentSvc.Get(ctx.Request().Context(), t, id)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, st)
}

func (api *schoolApi) updateStudent(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}

	var data student.NewStudent
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewStudent")
	}

	st, err := api.studentSvc.Update(ctx.Request().Context(), t, id, &data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, st)
}

func (api *schoolApi) destroyStudent(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	if err = api.studentSvc.Delete(ctx.Request().Context(), t, id); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *schoolApi) approveStudent(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	if err = api.studentSvc.Approve(ctx.Request().Context(), t, id); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "student approved"})
}

func (api *schoolApi) studentPayments(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	payments, err := api.billingSvc.Payments(ctx.Request().Context(), t, id)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, payments)
}

func (api *schoolApi) cashPayment(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}

	var data struct {
		Amount int `json:"amount"`
	}
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding cash payment")
	}

	p, err := api.billingSvc.RecordCashPayment(ctx.Request().Context(), t, id, data.Amount)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, p)
}

func (api *schoolApi) querySchedules(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	schedules, err := api.billingSvc.Schedules(ctx.Request().Context(), t)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, schedules)
}

func (api *schoolApi) addSchedule(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}

	var data billing.NewSchedule
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSchedule")
	}

	s, err := api.billingSvc.AddSchedule(ctx.Request().Context(), t, &data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, s)
}

func (api *schoolApi) outstanding(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	rows, err := api.billingSvc.OutstandingBalances(ctx.Request().Context(), t)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rows)
}

func (api *schoolApi) collectionRate(ctx echo.Context) error {
	t, err := api.school(ctx)
	if err != nil {
		return err
	}
	rate, err := api.billingSvc.CollectionRate(ctx.Request().Context(), t)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, echo.Map{"collection_rate": rate})
}
