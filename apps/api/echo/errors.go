package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/billing"
	"github.com/shuletrack/shuletrack/core/student"
	"github.com/shuletrack/shuletrack/core/tenant"
)

var (
	errUnauthorized  = echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	errMissingToken  = echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed jwt")
	errInvalidToken  = echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired jwt")
	errHttpForbidden = echo.NewHTTPError(http.StatusForbidden, "permission denied")
)

// sentinelHTTPError maps known business errors onto HTTP responses; the
// boolean reports whether the error was recognized.
func sentinelHTTPError(err error) (int, string, bool) {
	switch errors.Cause(err) {
	case tenant.ErrTenantNotFound, tenant.ErrActivationNotFound, student.ErrStudentNotFound,
		billing.ErrScheduleNotFound, billing.ErrPaymentNotFound:
		return http.StatusNotFound, errors.Cause(err).Error(), true
	case tenant.ErrInvalidCredentials, tenant.ErrInvalidCode, tenant.ErrCodeExpired,
		billing.ErrScheduleExists, billing.ErrPaymentFailed,
		billing.ErrDuplicateReference, student.ErrGenderPolicy:
		return http.StatusBadRequest, errors.Cause(err).Error(), true
	case tenant.ErrNotVerified:
		return http.StatusForbidden, errors.Cause(err).Error(), true
	case core.ErrPermissionDenied:
		return http.StatusForbidden, errors.Cause(err).Error(), true
	}
	if errors.Cause(err) == tenant.ErrTenantExists {
		return http.StatusBadRequest, err.Error(), true // keep the "did you mean" hint
	}
	return 0, "", false
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how
// to handle our errors. signalShutdown is called in order to gracefully shut
// the server down whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(conf *core.Config, logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		if c, msg, ok := sentinelHTTPError(err); ok {
			code = c
			message = msg
		} else {
			switch origErr := errors.Cause(err).(type) {
			case *echo.HTTPError:
				if origErr.Internal != nil {
					if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
						origErr = herr
					}
				}
				code = origErr.Code
				message = origErr.Message
			case validator.ValidationErrors:
				fldErrs := make(map[string]string, len(origErr))
				for _, vErr := range origErr {
					fldErrs[vErr.Field()] = vErr.Translate(core.Translator)
				}
				code = http.StatusBadRequest
				message = fldErrs
			case *core.ValidationError:
				if origErr.Fields != nil {
					fldErrs := make(map[string]string, len(origErr.Fields))
					for _, fErr := range origErr.Fields {
						fldErrs[fErr.Field] = fErr.Error
					}
					message = fldErrs
				} else {
					message = origErr.Error()
				}
				code = http.StatusBadRequest
			default: // any other error is a server error
				code = http.StatusInternalServerError
				msg := http.StatusText(http.StatusInternalServerError)
				message = msg

				var auth core.AuthContext
				if a, aErr := getContextAuth(ctx, conf.Env); aErr == nil {
					auth = a
				}
				logger.Error(msg, errors.Wrap(err, msg), auth)

				// shutting down...
				if core.IsShutdown(err) {
					signalShutdown()
				}
			}
		}

		if ctx.Echo().Debug && code == http.StatusInternalServerError {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
