package enroll

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flcs/coordinator/src/ca"
)

const testToken = "s3cr3t-registration-token"

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	caCertPEM, caKeyPEM, err := ca.GenerateSelfSignedCA("flcs-test-ca")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.crt"), caCertPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.key"), caKeyPEM, 0o600))
	// enroll only needs the CA pair to sign CSRs; reuse it as the nominal
	// server mTLS leaf so ca.Load succeeds without a second certificate.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.crt"), caCertPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.key"), caKeyPEM, 0o600))

	caSvc, err := ca.Load(
		filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"),
		filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"))
	require.NoError(t, err)

	return New(caSvc, testToken, zerolog.Nop())
}

func csrPEMFor(t *testing.T, commonName string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}, key)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
	return buf.String()
}

func doRegister(t *testing.T, s *Server, body Request) (int, Response) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestRegisterHappyPath(t *testing.T) {
	s := testServer(t)
	code, resp := doRegister(t, s, Request{
		ClientID:          "client-1",
		CSR:               csrPEMFor(t, "client-1"),
		RegistrationToken: testToken,
	})
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.RequestID)
	require.NotEmpty(t, resp.SignedCertificate)
	require.NotEmpty(t, resp.CACertificate)
}

func TestRegisterRejectsBadToken(t *testing.T) {
	s := testServer(t)
	code, resp := doRegister(t, s, Request{
		ClientID:          "client-1",
		CSR:               csrPEMFor(t, "client-1"),
		RegistrationToken: "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, code)
	require.False(t, resp.Success)
	require.NotEmpty(t, resp.RequestID)
}

func TestRegisterRejectsCNMismatch(t *testing.T) {
	s := testServer(t)
	code, resp := doRegister(t, s, Request{
		ClientID:          "client-1",
		CSR:               csrPEMFor(t, "someone-else"),
		RegistrationToken: testToken,
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.False(t, resp.Success)
}

func TestRegisterRejectsMalformedBody(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterRejectsWrongMethod(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/register", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
