package api_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage/memory"
)

type testServer struct {
	ca      *pki.CA
	handler http.Handler
	logs    *bytes.Buffer
}

type serverOptions struct {
	caOpts   []pki.Option
	apiOpts  []api.Option
	skipInit bool
}

func newTestServer(t *testing.T, so serverOptions) *testServer {
	t.Helper()
	kdf, err := pki.KDFProfile("interactive")
	require.NoError(t, err)

	store := memory.NewStore()
	cfg := pki.Config{
		KeyAlgorithm:     pki.KeyAlgorithmEC,
		KeyBits:          256,
		ValidityDays:     30,
		KeyStorePassword: "test",
		Issuer:           "CN=Test CA,O=Example",
	}
	ca, err := pki.New(store, cfg, append([]pki.Option{pki.WithKDFParams(kdf)}, so.caOpts...)...)
	require.NoError(t, err)
	if !so.skipInit {
		require.NoError(t, ca.Initialize(t.Context()))
	}
	t.Cleanup(ca.Destroy)

	sc, err := api.NewServerContext(ca, store)
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	opts := append([]api.Option{api.WithLogger(slog.New(slog.NewJSONHandler(logs, nil)))}, so.apiOpts...)
	a := api.New(sc, opts...)

	r := chi.NewRouter()
	r.Get("/health", a.Health)
	r.Mount("/api/v1", a.Router())
	return &testServer{ca: ca, handler: r, logs: logs}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func newRequest(t *testing.T, cn string, role pki.Role) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := pki.CreateRequest(rand.Reader, pki.RequestTemplate{Subject: "CN=" + cn, Role: role}, key)
	require.NoError(t, err)
	return der
}

func pemRequest(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func parsePEMCert(t *testing.T, body []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(body)
	require.NotNil(t, block)
	require.Equal(t, "CERTIFICATE", block.Type)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	rec := s.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.CAReady)

	s.ca.Destroy()
	rec = s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetCACert(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	rec := s.do(t, http.MethodGet, "/api/v1/ca", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-pem-file", rec.Header().Get("Content-Type"))
	cert := parsePEMCert(t, rec.Body.Bytes())
	assert.True(t, cert.IsCA)
	assert.Equal(t, int64(1), cert.SerialNumber.Int64())
	assert.Equal(t, "CN=Test CA,O=Example", cert.Subject.String())

	rec = s.do(t, http.MethodGet, "/api/v1/ca?format=der", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pkix-cert", rec.Header().Get("Content-Type"))
	assert.Equal(t, cert.Raw, rec.Body.Bytes())
}

func TestSignCSR_PEM(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	der := newRequest(t, "web01", pki.RoleServer)

	rec := s.do(t, http.MethodPost, "/api/v1/certificates", pemRequest(der), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2", rec.Header().Get(api.SerialHeader))

	cert := parsePEMCert(t, rec.Body.Bytes())
	assert.Equal(t, int64(2), cert.SerialNumber.Int64())
	assert.Equal(t, "CN=web01", cert.Subject.String())
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)

	caCert, err := s.ca.CACertificate()
	require.NoError(t, err)
	require.NoError(t, cert.CheckSignatureFrom(caCert))
}

func TestSignCSR_DERDefaultsToClient(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	der := newRequest(t, "laptop", "")

	rec := s.do(t, http.MethodPost, "/api/v1/certificates", der, map[string]string{"Content-Type": "application/pkcs10"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	cert := parsePEMCert(t, rec.Body.Bytes())
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
}

func TestSignCSR_JSON(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	der := newRequest(t, "web02", pki.RoleServer)

	rec := s.do(t, http.MethodPost, "/api/v1/certificates", pemRequest(der), map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var info api.CertificateInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "2", info.Serial)
	assert.Equal(t, "CN=web02", info.Subject)
	assert.Equal(t, "CN=Test CA,O=Example", info.Issuer)
	assert.False(t, info.IsCA)
	assert.Equal(t, []string{"server_auth"}, info.ExtKeyUsage)
	assert.Len(t, strings.Split(info.FingerprintSHA256, ":"), 32)
	assert.Equal(t, int64(2), parsePEMCert(t, []byte(info.PEM)).SerialNumber.Int64())
}

func TestSignCSR_Errors(t *testing.T) {
	tests := []struct {
		name   string
		opts   serverOptions
		body   []byte
		status int
	}{
		{
			name:   "garbage",
			body:   []byte("not a certificate request"),
			status: http.StatusBadRequest,
		},
		{
			name:   "wrong pem type",
			body:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}}),
			status: http.StatusBadRequest,
		},
		{
			name:   "empty",
			body:   nil,
			status: http.StatusBadRequest,
		},
		{
			name:   "denied",
			opts:   serverOptions{caOpts: []pki.Option{pki.WithAuthorizer(pki.DenyAll())}},
			body:   newRequest(t, "intruder", pki.RoleServer),
			status: http.StatusForbidden,
		},
		{
			name:   "ca role",
			body:   newRequest(t, "sub-ca", pki.RoleCA),
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "unknown role",
			body:   newRequest(t, "thing", "Printer"),
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "not initialized",
			opts:   serverOptions{skipInit: true},
			body:   newRequest(t, "early", pki.RoleServer),
			status: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.opts)
			rec := s.do(t, http.MethodPost, "/api/v1/certificates", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, errorMessage(t, rec))
			assert.Empty(t, rec.Header().Get(api.SerialHeader))
		})
	}
}

func TestSignCSR_ChallengePassword(t *testing.T) {
	s := newTestServer(t, serverOptions{
		caOpts: []pki.Option{pki.WithAuthorizer(pki.NewChallengePasswordAuthorizer("enroll-me"))},
	})
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	wrong, err := pki.CreateRequest(rand.Reader, pki.RequestTemplate{Subject: "CN=a", ChallengePassword: "guess"}, key)
	require.NoError(t, err)
	rec := s.do(t, http.MethodPost, "/api/v1/certificates", wrong, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	right, err := pki.CreateRequest(rand.Reader, pki.RequestTemplate{Subject: "CN=a", ChallengePassword: "enroll-me"}, key)
	require.NoError(t, err)
	rec = s.do(t, http.MethodPost, "/api/v1/certificates", right, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2", rec.Header().Get(api.SerialHeader))
}

func TestSignCSR_BodyLimit(t *testing.T) {
	s := newTestServer(t, serverOptions{apiOpts: []api.Option{api.WithMaxRequestBytes(64)}})
	rec := s.do(t, http.MethodPost, "/api/v1/certificates", pemRequest(newRequest(t, "big", "")), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSignCSR_RateLimited(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	garbage := []byte("junk")

	var rec *httptest.ResponseRecorder
	for range 100 {
		rec = s.do(t, http.MethodPost, "/api/v1/certificates", garbage, nil)
		if rec.Code == http.StatusTooManyRequests {
			break
		}
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A well-formed request from the same address is refused too.
	rec = s.do(t, http.MethodPost, "/api/v1/certificates", newRequest(t, "late", ""), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, s.logs.String(), `"event":"enrollment_rate_limited"`)
}

func TestSignCSR_AlertOnRejectionSpike(t *testing.T) {
	var alerts []api.AlertEvent
	s := newTestServer(t, serverOptions{apiOpts: []api.Option{
		api.WithAlertFunc(func(e api.AlertEvent) { alerts = append(alerts, e) }),
	}})
	for range 100 {
		s.do(t, http.MethodPost, "/api/v1/certificates", []byte("junk"), nil)
	}
	require.NotEmpty(t, alerts)
	assert.Equal(t, api.AlertRejectionSpike, alerts[0].Type)
}

func TestListCertificates(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	for _, cn := range []string{"a", "b", "c"} {
		rec := s.do(t, http.MethodPost, "/api/v1/certificates", newRequest(t, cn, pki.RoleServer), nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/certificates?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var first api.ListCertificatesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, 4, first.TotalCount)
	assert.True(t, first.HasMore)
	require.Len(t, first.Certificates, 2)
	assert.Equal(t, "1", first.Certificates[0].Serial)
	assert.True(t, first.Certificates[0].IsCA)
	assert.Equal(t, "2", first.Certificates[1].Serial)

	rec = s.do(t, http.MethodGet, "/api/v1/certificates?limit=2&offset=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var second api.ListCertificatesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.False(t, second.HasMore)
	require.Len(t, second.Certificates, 2)
	assert.Equal(t, "3", second.Certificates[0].Serial)
	assert.Equal(t, "CN=c", second.Certificates[1].Subject)

	assert.Contains(t, s.logs.String(), `"event":"certificates_listed"`)
}

func TestListCertificates_NotInitialized(t *testing.T) {
	s := newTestServer(t, serverOptions{skipInit: true})
	rec := s.do(t, http.MethodGet, "/api/v1/certificates", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "certificate authority is not available", errorMessage(t, rec))

	rec = s.do(t, http.MethodGet, "/api/v1/ca", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetCertificate(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	rec := s.do(t, http.MethodPost, "/api/v1/certificates", newRequest(t, "one", pki.RoleServer), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	issued := parsePEMCert(t, rec.Body.Bytes())

	rec = s.do(t, http.MethodGet, "/api/v1/certificates/2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, issued.Raw, parsePEMCert(t, rec.Body.Bytes()).Raw)

	rec = s.do(t, http.MethodGet, "/api/v1/certificates/1", nil, map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, rec.Code)
	var info api.CertificateInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.True(t, info.IsCA)

	tests := map[string]int{
		"99":  http.StatusNotFound,
		"0":   http.StatusBadRequest,
		"-2":  http.StatusBadRequest,
		"abc": http.StatusBadRequest,
	}
	for serial, status := range tests {
		rec = s.do(t, http.MethodGet, "/api/v1/certificates/"+serial, nil, nil)
		assert.Equal(t, status, rec.Code, serial)
	}
}

func TestRequestIDAndHeaders(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	rec := s.do(t, http.MethodGet, "/api/v1/ca", nil, nil)
	assert.NotEmpty(t, rec.Header().Get(api.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = s.do(t, http.MethodPost, "/api/v1/certificates", newRequest(t, "traced", ""), map[string]string{
		api.RequestIDHeader: "trace-abc-123",
		"X-Forwarded-Proto": "https",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "trace-abc-123", rec.Header().Get(api.RequestIDHeader))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
	assert.Contains(t, s.logs.String(), `"request_id":"trace-abc-123"`)
	assert.Contains(t, s.logs.String(), `"event":"cert_issued"`)

	rec = s.do(t, http.MethodGet, "/api/v1/ca", nil, map[string]string{api.RequestIDHeader: "bad id with spaces"})
	assert.NotEqual(t, "bad id with spaces", rec.Header().Get(api.RequestIDHeader))
}

func TestOpenAPIDocument(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	rec := s.do(t, http.MethodGet, "/api/v1/openapi.yaml", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/certificates/{serial}")
}

func TestNewServerContextValidation(t *testing.T) {
	store := memory.NewStore()
	cfg := pki.DefaultConfig()
	cfg.KeyStorePassword = "pw"
	authz := pki.NewChallengePasswordAuthorizer("sesame")
	ca, err := pki.New(store, cfg, pki.WithAuthorizer(authz))
	require.NoError(t, err)

	_, err = api.NewServerContext(nil, store)
	assert.Error(t, err)
	_, err = api.NewServerContext(ca, nil)
	assert.Error(t, err)

	sc, err := api.NewServerContext(ca, store)
	require.NoError(t, err)
	assert.Same(t, ca, sc.CA())
	assert.Same(t, authz, sc.Authorizer(), "context reports the CA's own policy")
	assert.Same(t, store, sc.Store())
}
