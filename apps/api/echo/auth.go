package echoapi

import (
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/student"
	"github.com/shuletrack/shuletrack/core/tenant"
)

const contextClaimsKey = "claims"

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	Email     string   `json:"email,omitempty"`
	TenantID  int      `json:"tenant_id,omitempty"`
	Subdomain string   `json:"subdomain,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	StudentID int      `json:"student_id,omitempty"` // -> PARENT PORTAL
}

func getTenantClaims(conf *core.Config, t tenant.Tenant) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   t.Subdomain,
			Audience:  "ShuleTrack",
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Email:     t.Email,
		TenantID:  t.ID,
		Subdomain: t.Subdomain,
		Roles:     []string{core.RoleSchoolAdmin},
	}
}

func getParentClaims(conf *core.Config, t tenant.Tenant, st student.Student) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   st.AccountNo,
			Audience:  "ShuleTrack",
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		TenantID:  t.ID,
		Subdomain: t.Subdomain,
		Roles:     []string{core.RoleParent},
		StudentID: st.ID,
	}
}

func getPlatformClaims(conf *core.Config, email string) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   email,
			Audience:  "ShuleTrack",
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Email: email,
		Roles: []string{core.RolePlatformAdmin},
	}
}

// PlatformToken signs a token for the configured platform admin; minted by
// the admin CLI, never over HTTP.
func PlatformToken(conf *core.Config, email string) (string, error) {
	return GenerateToken(conf, getPlatformClaims(conf, email))
}

// GenerateToken generates a signed JWT token string representing the Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(conf.SecretKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// jwtMiddleware parses and verifies the Bearer token and stores the Claims
// in the request context.
func jwtMiddleware(conf *core.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			header := ctx.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(header, "Bearer ") {
				return errMissingToken
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims := new(Claims)
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.Errorf("unexpected signing method %q", t.Header["alg"])
				}
				return conf.SecretKey, nil
			})
			if err != nil || !token.Valid {
				return errInvalidToken
			}
			ctx.Set(contextClaimsKey, *claims)
			return next(ctx)
		}
	}
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if claims, ok := ctx.Get(contextClaimsKey).(Claims); ok {
		return claims, nil
	}
	return Claims{}, errUnauthorized
}

// getContextAuth converts the request Claims into the identity passed to
// platform-scoped operations.
func getContextAuth(ctx echo.Context, env string) (core.AuthContext, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return core.AuthContext{}, err
	}
	return core.AuthContext{
		Subject:   claims.Subject,
		Email:     claims.Email,
		TenantID:  claims.TenantID,
		Subdomain: claims.Subdomain,
		Roles:     claims.Roles,
		Env:       env,
		StudentID: claims.StudentID,
	}, nil
}

// roleMiddleware allows only callers holding one of the given roles.
func roleMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return err
			}
			for _, want := range roles {
				for _, role := range claims.Roles {
					if role == want {
						return next(ctx)
					}
				}
			}
			return errHttpForbidden
		}
	}
}

// tenantScopeMiddleware ensures school-scoped callers only reach their own
// school; platform admins pass for any school.
func tenantScopeMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		claims, err := getContextClaims(ctx)
		if err != nil {
			return err
		}
		for _, role := range claims.Roles {
			if role == core.RolePlatformAdmin {
				return next(ctx)
			}
		}
		if !strings.EqualFold(claims.Subdomain, ctx.Param("school")) {
			return errHttpForbidden
		}
		return next(ctx)
	}
}
