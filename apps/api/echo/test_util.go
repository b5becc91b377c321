package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/billing"
	"github.com/shuletrack/shuletrack/core/student"
	"github.com/shuletrack/shuletrack/core/tenant"
	emailsvc "github.com/shuletrack/shuletrack/services/email"
	paymentsvc "github.com/shuletrack/shuletrack/services/payment"
	dummydb "github.com/shuletrack/shuletrack/storage/database/dummy"
)

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
}

type testApp struct {
	server     Server
	conf       *core.Config
	db         *dummydb.DB
	tenantSvc  *tenant.Service
	studentSvc *student.Service
	billingSvc *billing.Service
	drift      *stubDrift
}

type stubDrift struct {
	reports map[string]map[string]bool
}

func (f *stubDrift) DriftCheck(_ context.Context, namespace string) (map[string]bool, error) {
	if r, ok := f.reports[namespace]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("namespace %q does not exist", namespace)
}

func (f *stubDrift) AutoFix(_ context.Context, tenants []tenant.Tenant) []string {
	report := make([]string, 0, len(tenants))
	for _, t := range tenants {
		report = append(report, fmt.Sprintf("%s: ok", t.Subdomain))
	}
	return report
}

func setupApp(t *testing.T) *testApp {
	t.Helper()

	db, err := dummydb.Open()
	require.NoError(t, err)

	conf := &core.Config{
		Env:               "TEST",
		TestMode:          true,
		AppName:           "ShuleTrack",
		SecretKey:         []byte("secret"),
		FrontendBaseURL:   "http://localhost:5201",
		ActivationCodeTTL: 10 * time.Minute,
		TrialPeriod:       7 * 24 * time.Hour,
		Server:            core.ServerConfig{JWTExpirationDelta: 10 * time.Minute},
		Daraja:            core.DarajaConfig{Timeout: time.Second},
	}
	logger := core.NewStdLogger(log.New(io.Discard, "", 0))

	billingSvc := billing.NewService(conf, dummydb.NewBillingRepository(db), paymentsvc.NewSimulatedService(logger), logger)
	tenantSvc := tenant.NewService(
		conf,
		dummydb.NewTenantRepository(db),
		dummydb.NewProvisioner(db),
		billingSvc,
		emailsvc.NewConsoleServiceMock(conf),
		logger,
	)
	studentSvc := student.NewService(dummydb.NewStudentRepository(db), logger)

	drift := &stubDrift{reports: make(map[string]map[string]bool)}
	server := NewServer(ServerDeps{
		Conf:           conf,
		Logger:         logger,
		TenantSvc:      tenantSvc,
		StudentSvc:     studentSvc,
		BillingSvc:     billingSvc,
		Drift:          drift,
		DisableReqLogs: true,
	})

	return &testApp{
		server:     server,
		conf:       conf,
		db:         db,
		tenantSvc:  tenantSvc,
		studentSvc: studentSvc,
		billingSvc: billingSvc,
		drift:      drift,
	}
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	return data
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// registerSchool registers and activates a school through the public API.
func registerSchool(t *testing.T, app *testApp, name, email string) tenant.Tenant {
	t.Helper()

	fees := &tenant.TermFees{Term1: 500, Term2: 500, Term3: 500}
	body := marshallObj(t, tenant.NewTenant{
		SchoolName:   name,
		AdminEmail:   email,
		Password:     "s3cret!",
		GenderPolicy: tenant.PolicyMixed,
		PlanAmount:   2000,
		Grades: []tenant.GradeSeed{
			{Name: "Grade 1", Fees: fees, Streams: []string{"East", "West"}},
			{Name: "Grade 2", Fees: &tenant.TermFees{Term1: 700, Term2: 650, Term3: 600}},
		},
	})

	req, rec := newRequest(http.MethodPost, "/subscribe", body)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var reg tenant.Tenant
	decodeBody(t, rec, &reg)

	code, ok := app.db.ActivationCode(reg.ID)
	require.True(t, ok)

	req, rec = newRequest(http.MethodGet, "/subscribe/verify?email="+email+"&code="+code)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	verified, err := app.tenantSvc.Resolve(context.Background(), reg.Subdomain, true)
	require.NoError(t, err)
	return verified
}

func schoolToken(t *testing.T, app *testApp, tn tenant.Tenant) string {
	t.Helper()
	token, err := GenerateToken(app.conf, getTenantClaims(app.conf, tn))
	require.NoError(t, err)
	return token
}

func admitStudent(t *testing.T, app *testApp, tn tenant.Tenant, name, grade string) student.Student {
	t.Helper()

	body := marshallObj(t, student.NewStudent{
		FullName:             name,
		DateOfBirth:          time.Date(2015, 3, 12, 0, 0, 0, 0, time.UTC),
		Gender:               student.GenderFemale,
		Grade:                grade,
		GuardianName:         "Jane " + name,
		GuardianRelationship: "Mother",
		GuardianPhone:        "0712345678",
	})
	req, rec := newAuthRequest(http.MethodPost, "/schools/"+tn.Subdomain+"/api/register-student", schoolToken(t, app, tn), body)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var st student.Student
	decodeBody(t, rec, &st)
	return st
}

func parentToken(t *testing.T, app *testApp, tn tenant.Tenant, st student.Student) string {
	t.Helper()

	body := marshallObj(t, ParentLoginRequest{AccountNo: st.AccountNo, StudentName: st.FullName})
	req, rec := newRequest(http.MethodPost, "/schools/"+tn.Subdomain+"/parents/login", body)
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp LoginResponse
	decodeBody(t, rec, &resp)
	return resp.Token
}
