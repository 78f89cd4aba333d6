package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestCA(t *testing.T) (dir string) {
	t.Helper()
	dir = t.TempDir()

	caCertPEM, caKeyPEM, err := GenerateSelfSignedCA("flcs-test-ca")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.crt"), caCertPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.key"), caKeyPEM, 0o600))

	caCert, err := parseCertificatePEM(caCertPEM)
	require.NoError(t, err)
	caKey, err := parseECKeyPEM(caKeyPEM)
	require.NoError(t, err)

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "flcs-server"},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &serverKey.PublicKey, caKey)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(serverKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.crt"), encodeCertPEM(der), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.key"), encodeECKeyPEM(keyDer), 0o600))

	return dir
}

func encodeCSRPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func TestSignCSRHappyPath(t *testing.T) {
	dir := writeTestCA(t)
	c, err := Load(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"), filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"))
	require.NoError(t, err)

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrTemplate := &x509.CertificateRequest{Subject: pkix.Name{CommonName: "client-1"}}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, clientKey)
	require.NoError(t, err)
	csrPEM := encodeCSRPEM(csrDER)

	clientCertPEM, caCertPEM, err := c.SignCSR(csrPEM, "client-1")
	require.NoError(t, err)
	require.NotEmpty(t, clientCertPEM)
	require.NotEmpty(t, caCertPEM)

	clientCert, err := parseCertificatePEM(clientCertPEM)
	require.NoError(t, err)
	require.Equal(t, "client-1", clientCert.Subject.CommonName)
	require.Contains(t, clientCert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
}

func TestSignCSRRejectsCNMismatch(t *testing.T) {
	dir := writeTestCA(t)
	c, err := Load(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"), filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"))
	require.NoError(t, err)

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrTemplate := &x509.CertificateRequest{Subject: pkix.Name{CommonName: "client-1"}}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, clientKey)
	require.NoError(t, err)
	csrPEM := encodeCSRPEM(csrDER)

	_, _, err = c.SignCSR(csrPEM, "client-2")
	require.Error(t, err)
}
