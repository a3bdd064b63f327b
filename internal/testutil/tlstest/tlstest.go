// Package tlstest mints a throwaway PKI for DICOM TLS tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// Authority is a throwaway CA that signs archive and modality certificates.
type Authority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	caPath string
	serial atomic.Int64
}

// Files locates one issued PEM key pair plus the authority bundle.
type Files struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func NewAuthority(t testing.TB, dir string, commonName string) *Authority {
	t.Helper()
	a := &Authority{caPath: filepath.Join(dir, "ca.crt")}
	key := newKey(t)
	tmpl := a.template(commonName)
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	tmpl.BasicConstraintsValid = true
	tmpl.IsCA = true
	tmpl.MaxPathLen = 1

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("self-sign ca: %v", err)
	}
	if a.cert, err = x509.ParseCertificate(der); err != nil {
		t.Fatalf("parse ca: %v", err)
	}
	a.key = key
	writePEM(t, a.caPath, "CERTIFICATE", der, 0o644)
	return a
}

func (a *Authority) CAFile() string {
	return a.caPath
}

// Archive issues a loopback server certificate for a storage SCP.
func (a *Authority) Archive(t testing.TB, dir string, aeTitle string) Files {
	t.Helper()
	tmpl := a.template(aeTitle)
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	tmpl.DNSNames = []string{"localhost"}
	tmpl.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	return a.issue(t, dir, tmpl)
}

// Modality issues a client certificate for a sending AE.
func (a *Authority) Modality(t testing.TB, dir string, aeTitle string) Files {
	t.Helper()
	tmpl := a.template(aeTitle)
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	return a.issue(t, dir, tmpl)
}

func (a *Authority) template(commonName string) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: big.NewInt(a.serial.Add(1)),
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"dicomctl test"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
}

func (a *Authority) issue(t testing.TB, dir string, tmpl *x509.Certificate) Files {
	t.Helper()
	key := newKey(t)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, key.Public(), a.key)
	if err != nil {
		t.Fatalf("sign %s: %v", tmpl.Subject.CommonName, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	base := filepath.Join(dir, fileName(tmpl.Subject.CommonName))
	out := Files{CertFile: base + ".crt", KeyFile: base + ".key", CAFile: a.caPath}
	writePEM(t, out.CertFile, "CERTIFICATE", der, 0o644)
	writePEM(t, out.KeyFile, "PRIVATE KEY", keyDER, 0o600)
	return out
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", filepath.Base(path), err)
	}
}

// AE titles may carry spaces; file names should not.
func fileName(ae string) string {
	ae = strings.TrimSpace(ae)
	if ae == "" {
		return "cert"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(ae)
}
