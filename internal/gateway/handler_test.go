package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth/keys"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth/token"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/outbox"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/platform/apperr"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/saga"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTx struct{}

func (fakeTx) WithinTx(_ context.Context, fn func(tx pgx.Tx) error) error { return fn(nil) }

type fakeSagas struct {
	created []*saga.Saga
}

func (f *fakeSagas) CreateTx(_ context.Context, _ pgx.Tx, sg *saga.Saga) error {
	f.created = append(f.created, sg)
	return nil
}

type fakeOutbox struct {
	rows []*outbox.Row
}

func (f *fakeOutbox) SaveTx(_ context.Context, _ pgx.Tx, row *outbox.Row) error {
	f.rows = append(f.rows, row)
	return nil
}

type fakeLogin struct {
	username string
	password string
	grant    *auth.Grant
}

func (f *fakeLogin) Login(_ context.Context, username, password, _ string) (*auth.Grant, error) {
	if username != f.username || password != f.password {
		return nil, apperr.New(apperr.KindAuth, "invalid credentials")
	}
	return f.grant, nil
}

type fakeRedis struct {
	data map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.data[key] = asString(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = asString(value)
	return redis.NewBoolResult(true, nil)
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.JWT = config.JWTConfig{
		Issuer:              "http://localhost:8080",
		Audience:            "order-platform",
		AccessTokenTTL:      15 * time.Minute,
		KeyRotationInterval: 24 * time.Hour,
		KeySize:             2048,
	}
	cfg.Authz = config.AuthzConfig{
		ScopeAuthorityPrefix:         "SCOPE_",
		TenantRoleAuthorityPattern:   "TENANT_%s:%s",
		KeycloakTenantResourcePrefix: "tenant-",
		PermissionAuthorityPrefix:    "PERM_",
		TenantHeader:                 "X-Tenant-ID",
	}
	cfg.Kafka.Topics = config.KafkaTopics{
		OrderCreateCommand: "order.command.create.v1",
		OrderEvents:        "order.events.v1",
		PaymentEvents:      "payment.events.v1",
		InventoryEvents:    "inventory.events.v1",
	}
	return cfg
}

type fixture struct {
	router *gin.Engine
	sagas  *fakeSagas
	outbox *fakeOutbox
	login  *fakeLogin
	issuer *token.Issuer
	rdb    *fakeRedis
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	log := logger.New("error", "gateway-test")

	km, err := keys.NewManager(&cfg.JWT, log)
	require.NoError(t, err)

	f := &fixture{
		sagas:  &fakeSagas{},
		outbox: &fakeOutbox{},
		login: &fakeLogin{username: "alice", password: "s3cret", grant: &auth.Grant{
			AccessToken: "tok", TokenType: "Bearer", ExpiresIn: 900,
			Ext: auth.GrantExt{Scope: "orders.write profile"},
		}},
		issuer: token.NewIssuer(km, &cfg.JWT),
		rdb:    newFakeRedis(),
		cfg:    cfg,
	}

	h := NewHandler(fakeTx{}, f.sagas, f.outbox, f.login, km, cfg, nil, log)
	verifier := token.NewVerifier(km, &cfg.JWT)
	mapper := token.NewMapper(&cfg.Authz)

	r := gin.New()
	r.Use(CorrelationID())
	h.Register(r, Authenticate(verifier, mapper), Idempotency(f.rdb, IdempotencyOptions{}))
	f.router = r
	return f
}

func (f *fixture) accessToken(t *testing.T, scopes []string, tenants map[string][]string) string {
	t.Helper()
	tok, _, err := f.issuer.Issue(token.IssueRequest{
		Subject:     "user-1",
		Scopes:      scopes,
		TenantRoles: tenants,
	})
	require.NoError(t, err)
	return tok
}

const orderBody = `{"customerId":"cust-1","lines":[{"sku":"sku-1","qty":2,"price":"9.99"}],"currencyCode":"USD","totalAmountMinor":1998}`

func (f *fixture) postOrder(body, bearer, idemKey string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if idemKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idemKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCreateOrder_Accepted(t *testing.T) {
	f := newFixture(t)
	tok := f.accessToken(t, []string{"orders.write"}, map[string][]string{"acme": {"admin"}})

	w := f.postOrder(orderBody, tok, "idem-1", map[string]string{HeaderCorrelationID: "corr-42"})

	require.Equal(t, http.StatusAccepted, w.Code)
	var body struct {
		SagaID        string `json:"sagaId"`
		CorrelationID string `json:"correlationId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.SagaID)
	assert.Equal(t, "corr-42", body.CorrelationID)
	assert.Equal(t, "corr-42", w.Header().Get(HeaderCorrelationID))

	require.Len(t, f.sagas.created, 1)
	sg := f.sagas.created[0]
	assert.Equal(t, body.SagaID, sg.ID)
	assert.Equal(t, "acme", sg.TenantID)
	assert.Equal(t, "user-1", sg.UserID)
	assert.Equal(t, saga.StatePending, sg.State)

	require.Len(t, f.outbox.rows, 1)
	row := f.outbox.rows[0]
	assert.Equal(t, "order.command.create.v1", row.Topic)
	assert.Equal(t, sg.ID, row.Key)
	env, err := event.Parse(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, event.TypeOrderCreate, env.Type)
	var payload event.OrderCreatePayload
	require.NoError(t, env.DecodePayload(&payload))
	assert.Equal(t, "cust-1", payload.CustomerID)
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, int64(1998), payload.TotalAmountMinor)
}

func TestCreateOrder_NoToken(t *testing.T) {
	f := newFixture(t)
	w := f.postOrder(orderBody, "", "idem-1", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.sagas.created)
}

func TestCreateOrder_MissingScope(t *testing.T) {
	f := newFixture(t)
	tok := f.accessToken(t, []string{"profile"}, map[string][]string{"acme": {"admin"}})

	w := f.postOrder(orderBody, tok, "idem-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.sagas.created)
}

func TestCreateOrder_TenantHeaderRequiresMembership(t *testing.T) {
	f := newFixture(t)
	tok := f.accessToken(t, []string{"orders.write"}, map[string][]string{"acme": {"admin"}})

	w := f.postOrder(orderBody, tok, "idem-1", map[string]string{"X-Tenant-ID": "globex"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.sagas.created)
}

func TestCreateOrder_AmbiguousTenant(t *testing.T) {
	f := newFixture(t)
	tok := f.accessToken(t, []string{"orders.write"},
		map[string][]string{"acme": {"admin"}, "globex": {"viewer"}})

	w := f.postOrder(orderBody, tok, "idem-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.postOrder(orderBody, tok, "idem-2", map[string]string{"X-Tenant-ID": "globex"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, f.sagas.created, 1)
	assert.Equal(t, "globex", f.sagas.created[0].TenantID)
}

func TestCreateOrder_InvalidBody(t *testing.T) {
	f := newFixture(t)
	tok := f.accessToken(t, []string{"orders.write"}, map[string][]string{"acme": {"admin"}})

	w := f.postOrder(`{"customerId":"cust-1","lines":[],"currencyCode":"USD","totalAmountMinor":10}`, tok, "idem-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.sagas.created)
}

func TestCreateOrder_MissingIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	tok := f.accessToken(t, []string{"orders.write"}, map[string][]string{"acme": {"admin"}})

	w := f.postOrder(orderBody, tok, "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.sagas.created)
}

func TestCreateOrder_DuplicateIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	tok := f.accessToken(t, []string{"orders.write"}, map[string][]string{"acme": {"admin"}})

	first := f.postOrder(orderBody, tok, "idem-1", nil)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := f.postOrder(orderBody, tok, "idem-1", nil)
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// Exactly one saga despite the retry.
	assert.Len(t, f.sagas.created, 1)
	assert.Len(t, f.outbox.rows, 1)
}

func TestCreateOrder_IdempotencyKeyReusedWithDifferentBody(t *testing.T) {
	f := newFixture(t)
	tok := f.accessToken(t, []string{"orders.write"}, map[string][]string{"acme": {"admin"}})

	first := f.postOrder(orderBody, tok, "idem-1", nil)
	require.Equal(t, http.StatusAccepted, first.Code)

	other := `{"customerId":"cust-2","lines":[{"sku":"sku-9","qty":1,"price":"1.00"}],"currencyCode":"USD","totalAmountMinor":100}`
	w := f.postOrder(other, tok, "idem-1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Len(t, f.sagas.created, 1)
}

func TestCorrelationID_DefaultedWhenAbsent(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderCorrelationID))
}

func TestTokenEndpoint_PasswordGrant(t *testing.T) {
	f := newFixture(t)

	form := "grant_type=password&username=alice&password=s3cret"
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var grant auth.Grant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grant))
	assert.Equal(t, "tok", grant.AccessToken)
	assert.Equal(t, "Bearer", grant.TokenType)
	assert.Equal(t, "orders.write profile", grant.Ext.Scope)
}

func TestTokenEndpoint_JSONBodyWithoutGrantType(t *testing.T) {
	f := newFixture(t)

	// grant_type is optional; a JSON body defaults to the password grant.
	req := httptest.NewRequest(http.MethodPost, "/oauth/token",
		strings.NewReader(`{"username":"alice","password":"s3cret"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var grant auth.Grant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grant))
	assert.Equal(t, "tok", grant.AccessToken)
	assert.Equal(t, "orders.write profile", grant.Ext.Scope)
}

func TestTokenEndpoint_BadCredentials(t *testing.T) {
	f := newFixture(t)

	form := "grant_type=password&username=alice&password=wrong"
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_grant")
}

func TestTokenEndpoint_UnsupportedGrantType(t *testing.T) {
	f := newFixture(t)

	form := "grant_type=client_credentials"
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported_grant_type")
}

func TestJWKS_ServedWithCacheHeader(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=600", w.Header().Get("Cache-Control"))

	var set keys.JWKS
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
	require.NotEmpty(t, set.Keys)
	assert.Equal(t, "RS256", set.Keys[0].Alg)
}

func TestOpenIDConfiguration(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, f.cfg.JWT.Issuer, doc["issuer"])
	assert.Equal(t, f.cfg.JWT.Issuer+"/.well-known/jwks.json", doc["jwks_uri"])
	assert.Contains(t, doc["subject_types_supported"], "public")
}
