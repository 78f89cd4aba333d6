// Package ca implements C4: loading the CA key/cert pair, signing client
// CSRs into client certificates (valid for ClientCertValidity) used for mTLS, and presenting
// the server's own mTLS credentials. Grounded in Go's own crypto/x509 and
// crypto/tls idiom — no example repo in the retrieval pack carries a
// third-party CA library, so the standard library is the idiomatic (and
// only reasonable) choice here.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/flcs/coordinator/src/flerrors"
)

// ClientCertValidity is the lifetime of an issued client certificate per
// spec.md §4.4/§6.
const ClientCertValidity = 365 * 24 * time.Hour

// CA holds the loaded CA key pair and, optionally, a distinct server leaf
// certificate used to terminate mTLS.
type CA struct {
	caCert    *x509.Certificate
	caCertPEM []byte
	caKey     *ecdsa.PrivateKey

	serverCert tls.Certificate
}

// Load reads a PEM-encoded CA certificate and EC private key from disk. A
// load failure is FatalStartup: the process must not start without a CA.
func Load(caCertPath, caKeyPath, serverCertPath, serverKeyPath string) (*CA, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindFatalStartup, "read CA certificate", err)
	}
	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindFatalStartup, "read CA private key", err)
	}

	caCert, err := parseCertificatePEM(caCertPEM)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindFatalStartup, "parse CA certificate", err)
	}
	caKey, err := parseECKeyPEM(caKeyPEM)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindFatalStartup, "parse CA private key", err)
	}

	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindFatalStartup, "load server mTLS key pair", err)
	}

	return &CA{
		caCert:     caCert,
		caCertPEM:  caCertPEM,
		caKey:      caKey,
		serverCert: serverCert,
	}, nil
}

// SignCSR verifies csrPEM's signature, verifies its Common Name equals
// expectedCN, and issues a client certificate valid for ClientCertValidity
// with EKU=client-auth and KU={digital signature, key encipherment},
// signed with SHA-256. CN mismatch or an invalid signature is fatal to the
// request (never retried) and the registry is left untouched by this
// package — that invariant is the caller's (transport/enroll) job to
// uphold by not touching C5 on failure.
func (c *CA) SignCSR(csrPEM []byte, expectedCN string) (clientCertPEM, caCertPEM []byte, err error) {
	csr, err := parseCSRPEM(csrPEM)
	if err != nil {
		return nil, nil, flerrors.Wrap(flerrors.KindTransportAuth, "parse CSR", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, nil, flerrors.Wrap(flerrors.KindTransportAuth, "invalid CSR signature", err)
	}
	if csr.Subject.CommonName != expectedCN {
		return nil, nil, flerrors.New(flerrors.KindTransportAuth,
			fmt.Sprintf("CSR common name %q does not match declared client_id %q", csr.Subject.CommonName, expectedCN))
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, flerrors.Wrap(flerrors.KindFatalStartup, "generate certificate serial", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: expectedCN},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(ClientCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{expectedCN, "localhost"},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, c.caCert, csr.PublicKey, c.caKey)
	if err != nil {
		return nil, nil, flerrors.Wrap(flerrors.KindFatalStartup, "sign client certificate", err)
	}

	return encodeCertPEM(derBytes), c.caCertPEM, nil
}

// ServerCredentials returns a *tls.Config that terminates mTLS requiring
// and verifying client certificates signed by this CA.
func (c *CA) ServerCredentials() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(c.caCert)
	return &tls.Config{
		Certificates: []tls.Certificate{c.serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
}

// PeerCommonName extracts the verified client_id (Common Name) from an
// established mTLS connection state. Used by the control channel to
// authenticate every RPC per spec.md §4.13.
func PeerCommonName(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", flerrors.New(flerrors.KindTransportAuth, "no peer certificate presented")
	}
	return state.PeerCertificates[0].Subject.CommonName, nil
}

func (c *CA) CACertPEM() []byte { return c.caCertPEM }

// GenerateSelfSignedCA creates a fresh CA key/cert pair, for local
// bootstrap and tests. Not used in production startup, which always loads
// from disk per spec.md §6.
func GenerateSelfSignedCA(commonName string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDer, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	return encodeCertPEM(der), encodeECKeyPEM(keyDer), nil
}
