package echoapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuletrack/shuletrack/core/tenant"
)

func Test_platformApi_auth(t *testing.T) {
	app := setupApp(t)
	verified := registerSchool(t, app, "Greenwood Academy", "head@greenwood.ac.ke")

	adminToken, err := PlatformToken(app.conf, "ops@shuletrack.io")
	require.NoError(t, err)
	schoolAdminToken := schoolToken(t, app, verified)

	tests := []httpTest{
		{name: "no token", method: http.MethodGet, path: "/__platform/tenants", wantCode: http.StatusUnauthorized},
		{name: "school admin", method: http.MethodGet, path: "/__platform/tenants", token: schoolAdminToken, wantCode: http.StatusForbidden},
		{name: "platform admin", method: http.MethodGet, path: "/__platform/tenants", token: adminToken, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token)
			app.server.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func Test_platformApi_configuredAdminIdentity(t *testing.T) {
	app := setupApp(t)
	app.conf.PlatformAdminEmail = "ops@shuletrack.io"

	wrongToken, err := PlatformToken(app.conf, "impostor@shuletrack.io")
	require.NoError(t, err)
	rightToken, err := PlatformToken(app.conf, "ops@shuletrack.io")
	require.NoError(t, err)

	req, rec := newAuthRequest(http.MethodGet, "/__platform/tenants", wrongToken)
	app.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req, rec = newAuthRequest(http.MethodGet, "/__platform/tenants", rightToken)
	app.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func Test_platformApi_tenantLifecycle(t *testing.T) {
	app := setupApp(t)
	verified := registerSchool(t, app, "Greenwood Academy", "head@greenwood.ac.ke")
	adminToken, err := PlatformToken(app.conf, "ops@shuletrack.io")
	require.NoError(t, err)

	// disable drops the school off the public picker
	req, rec := newAuthRequest(http.MethodPost, "/__platform/tenants/"+verified.Subdomain+"/disable", adminToken)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req, rec = newRequest(http.MethodGet, "/api/schools")
	app.server.ServeHTTP(rec, req)
	var schools []SchoolResponse
	decodeBody(t, rec, &schools)
	assert.Empty(t, schools)

	req, rec = newAuthRequest(http.MethodPost, "/__platform/tenants/"+verified.Subdomain+"/enable", adminToken)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// delete removes the directory row entirely
	req, rec = newAuthRequest(http.MethodDelete, "/__platform/tenants/"+verified.Subdomain, adminToken)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = app.tenantSvc.Resolve(context.Background(), verified.Subdomain, false)
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func Test_platformApi_operations(t *testing.T) {
	app := setupApp(t)
	verified := registerSchool(t, app, "Greenwood Academy", "head@greenwood.ac.ke")
	adminToken, err := PlatformToken(app.conf, "ops@shuletrack.io")
	require.NoError(t, err)

	app.drift.reports[verified.NamespaceKey()] = map[string]bool{"Students": true, "Payments": false}

	req, rec := newAuthRequest(http.MethodGet, "/__platform/tenants/"+verified.Subdomain+"/driftcheck", adminToken)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report map[string]bool
	decodeBody(t, rec, &report)
	assert.False(t, report["Payments"])

	req, rec = newAuthRequest(http.MethodPost, "/__platform/autofix", adminToken)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req, rec = newAuthRequest(http.MethodPost, "/__platform/process-outbox", adminToken)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req, rec = newAuthRequest(http.MethodPost, "/__platform/sweep-codes", adminToken)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
