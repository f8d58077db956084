package httpserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ILLUVRSE/driftguard/internal/alert"
	"github.com/ILLUVRSE/driftguard/internal/audit"
	"github.com/ILLUVRSE/driftguard/internal/baseline"
	"github.com/ILLUVRSE/driftguard/internal/compliance"
	"github.com/ILLUVRSE/driftguard/internal/drift"
	"github.com/ILLUVRSE/driftguard/internal/signer"
	"github.com/ILLUVRSE/driftguard/internal/snapshot"
)

var jwtSecret = []byte("http-tests-jwt-secret")

type testEnv struct {
	router http.Handler
	ledger *audit.Ledger
	alerts *alert.Manager
}

func newTestEnv(t *testing.T, auth AuthConfig, ready func(context.Context) error) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	sig, err := signer.NewHMACSigner("http-tests", []byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	keys := signer.NewKeyring()
	require.NoError(t, keys.AddSigner(sig))
	ledger, err := audit.Open(ctx, sig, audit.NewMemoryStore(), audit.Config{FlushInterval: time.Hour}, logger, audit.WithKeyring(keys))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close(context.Background()) })

	capturer := snapshot.NewCapturer(snapshot.StaticEnv{"APP_MODE": "blue"}, nil, nil, nil, logger)
	driftSvc := drift.NewService(capturer, baseline.NewMemoryStore(0), ledger, 10, logger)
	alerts := alert.NewManager(ledger, logger)
	corr, err := alert.NewCorrelationEngine(alerts, nil, logger)
	require.NoError(t, err)

	srv := New(Deps{
		Drift:       driftSvc,
		Alerts:      alerts,
		Incidents:   corr,
		Audit:       ledger,
		Compliance:  compliance.NewReporter(ledger, alerts, driftSvc, ledger, logger),
		Keys:        keys.StatusHandler(),
		Ready:       ready,
		Environment: "prod",
	}, auth, logger)
	return &testEnv{router: srv.Router(), ledger: ledger, alerts: alerts}
}

func defaultAuth() AuthConfig { return AuthConfig{JWTSecret: jwtSecret} }

func token(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   sub,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret)
	require.NoError(t, err)
	return s
}

func do(router http.Handler, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestPublicEndpoints(t *testing.T) {
	env := newTestEnv(t, defaultAuth(), nil)

	assert.Equal(t, http.StatusOK, do(env.router, "GET", "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(env.router, "GET", "/ready", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(env.router, "GET", "/metrics", "", nil).Code)

	rec := do(env.router, "GET", "/keys", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http-tests")
}

func TestReadyReportsDependencyFailure(t *testing.T) {
	env := newTestEnv(t, defaultAuth(), func(context.Context) error { return errors.New("store down") })
	rec := do(env.router, "GET", "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store down")
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, defaultAuth(), nil)

	rec := do(env.router, "GET", "/v1/alerts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(env.router, "GET", "/v1/alerts", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "roles": []string{RoleOperator}, "exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString(jwtSecret)
	require.NoError(t, err)
	rec = do(env.router, "GET", "/v1/alerts", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "mallory", "roles": []string{RoleAdmin}, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("some-other-secret"))
	require.NoError(t, err)
	rec = do(env.router, "GET", "/v1/alerts", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(env.router, "GET", "/v1/alerts", token(t, "alice", RoleOperator), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoles(t *testing.T) {
	env := newTestEnv(t, defaultAuth(), nil)
	in := alert.Input{Severity: alert.SeverityHigh, Category: alert.CategorySecurity, Title: "t", Source: "test"}

	rec := do(env.router, "POST", "/v1/alerts", token(t, "carol", RoleAuditor), in)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(env.router, "GET", "/v1/audit", token(t, "alice", RoleOperator), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(env.router, "GET", "/v1/audit", token(t, "root", RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(env.router, "GET", "/v1/alerts", token(t, "nobody"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func withPeer(req *http.Request, cn string) *http.Request {
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{Subject: pkix.Name{CommonName: cn}}}}
	return req
}

func TestMutualTLSIdentity(t *testing.T) {
	env := newTestEnv(t, AuthConfig{RequireMTLS: true}, nil)
	body := `{"severity":"low","category":"security","title":"from service","source":"scanner"}`

	req := httptest.NewRequest("POST", "/v1/alerts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = withPeer(httptest.NewRequest("POST", "/v1/alerts", strings.NewReader(body)), RoleOperator)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct{ Alert alert.Alert }
	decode(t, rec, &resp)
	assert.Equal(t, "service:operator", resp.Alert.Timeline[0].Actor)
}

func TestAuthDisabled(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Disabled: true}, nil)
	rec := do(env.router, "GET", "/v1/audit/verify", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAlertLifecycle(t *testing.T) {
	env := newTestEnv(t, defaultAuth(), nil)
	op := token(t, "alice", RoleOperator)

	rec := do(env.router, "POST", "/v1/alerts", op, alert.Input{
		Severity: alert.SeverityCritical, Category: alert.CategorySecurity, Title: "root login", Source: "sshd",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		AlertID string      `json:"alertId"`
		Alert   alert.Alert `json:"alert"`
	}
	decode(t, rec, &created)
	require.NotEmpty(t, created.AlertID)
	assert.Equal(t, "prod", created.Alert.Environment)
	id := created.AlertID

	rec = do(env.router, "POST", "/v1/alerts", op, alert.Input{Severity: "urgent", Category: "x", Title: "x", Source: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(env.router, "GET", "/v1/alerts/"+id, op, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(env.router, "GET", "/v1/alerts/missing", op, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(env.router, "POST", "/v1/alerts/"+id+"/status", op, statusRequest{Status: alert.StatusAcknowledged, Comment: "looking"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(env.router, "POST", "/v1/alerts/"+id+"/status", op, statusRequest{Status: alert.StatusAcknowledged})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(env.router, "POST", "/v1/alerts/"+id+"/assign", op, assignRequest{Assignee: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(env.router, "POST", "/v1/alerts/"+id+"/assign", op, assignRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(env.router, "POST", "/v1/alerts/"+id+"/actions", op, alert.ActionInput{Kind: alert.ActionManual, Action: "rotate credentials"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var action struct {
		ActionID string      `json:"actionId"`
		Alert    alert.Alert `json:"alert"`
	}
	decode(t, rec, &action)
	require.Len(t, action.Alert.ResponseActions, 1)
	assert.Equal(t, action.ActionID, action.Alert.ResponseActions[0].ID)
	assert.Equal(t, "bob", action.Alert.Assignee)

	rec = do(env.router, "GET", "/v1/alerts?status=acknowledged&severity=critical", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct{ Alerts []alert.Alert }
	decode(t, rec, &list)
	assert.Len(t, list.Alerts, 1)

	rec = do(env.router, "GET", "/v1/alerts?status=sleeping", op, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(env.router, "GET", "/v1/alerts/export?format=csv", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv"))
	assert.Contains(t, rec.Body.String(), "root login")

	rec = do(env.router, "GET", "/v1/alerts/export?format=xml", op, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(env.router, "GET", "/v1/alerts/export?format=siem&since=yesterday", op, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBaselineAndDrift(t *testing.T) {
	env := newTestEnv(t, defaultAuth(), nil)
	op := token(t, "alice", RoleOperator)

	rec := do(env.router, "POST", "/v1/drift/detect", op, detectRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(env.router, "POST", "/v1/baselines", op, createBaselineRequest{Description: "release 42"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b baseline.Baseline
	decode(t, rec, &b)
	assert.Equal(t, "prod", b.Environment)
	assert.Equal(t, "alice", b.Author)

	rec = do(env.router, "GET", "/v1/baselines/"+b.ID, op, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(env.router, "GET", "/v1/baselines?environment=prod", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct{ Baselines []baseline.Baseline }
	decode(t, rec, &list)
	assert.Len(t, list.Baselines, 1)

	rec = do(env.router, "POST", "/v1/drift/detect", op, detectRequest{BaselineID: b.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res drift.Result
	decode(t, rec, &res)
	assert.Equal(t, drift.SeverityNone, res.Severity)
	assert.Empty(t, res.Changes)

	rec = do(env.router, "POST", "/v1/drift/detect", op, detectRequest{Environment: "staging", BaselineID: b.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(env.router, "POST", "/v1/drift/detect", op, map[string]string{"env": "prod"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = do(env.router, "GET", "/v1/drift/history", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Results []historyItem `json:"results"`
	}
	decode(t, rec, &hist)
	require.Len(t, hist.Results, 1)
	assert.Equal(t, b.ID, hist.Results[0].BaselineID)
	assert.False(t, hist.Results[0].Timestamp.IsZero())
}

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t, defaultAuth(), nil)
	op := token(t, "alice", RoleOperator)
	aud := token(t, "carol", RoleAuditor)

	rec := do(env.router, "POST", "/v1/alerts", op, alert.Input{Severity: alert.SeverityLow, Category: "security", Title: "t", Source: "s"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(env.router, "GET", "/v1/audit?eventType=alert.created&actor=alice", aud, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct{ Entries []audit.Entry }
	decode(t, rec, &list)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "alert.created", list.Entries[0].EventType)

	rec = do(env.router, "GET", "/v1/audit/"+list.Entries[0].ID, aud, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(env.router, "GET", "/v1/audit/nope", aud, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(env.router, "GET", "/v1/audit?minSeverity=extreme", aud, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(env.router, "GET", "/v1/audit/export?format=syslog", aud, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alert.created")

	rec = do(env.router, "GET", "/v1/audit/verify", aud, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep audit.Report
	decode(t, rec, &rep)
	assert.True(t, rep.Valid)
	assert.Equal(t, 1, rep.VerifiedCount)

	require.NoError(t, env.ledger.Flush(context.Background()))
	rec = do(env.router, "GET", "/v1/audit/verify?scope=stored", aud, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &rep)
	assert.True(t, rep.Valid)
}

func TestComplianceEndpoint(t *testing.T) {
	env := newTestEnv(t, defaultAuth(), nil)
	aud := token(t, "carol", RoleAuditor)

	rec := do(env.router, "POST", "/v1/compliance/reports", aud, complianceRequest{
		Standard: compliance.SOC2, Start: time.Now().Add(-24 * time.Hour),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rep compliance.Report
	decode(t, rec, &rep)
	assert.Equal(t, "prod", rep.Environment)
	assert.Len(t, rep.Controls, 5)

	rec = do(env.router, "POST", "/v1/compliance/reports", aud, complianceRequest{Standard: "hipaa"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(env.router, "POST", "/v1/compliance/reports", aud, complianceRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIncidentEndpoints(t *testing.T) {
	env := newTestEnv(t, defaultAuth(), nil)
	op := token(t, "alice", RoleOperator)

	rec := do(env.router, "GET", "/v1/incidents", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"incidents":[]}`, rec.Body.String())

	rec = do(env.router, "GET", "/v1/incidents/unknown", op, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
