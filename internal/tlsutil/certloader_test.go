package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RHEcosystemAppEng/nemo-gateway/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeKeypair generates a self-signed cert for the given CN and writes it
// to certFile/keyFile.
func writeKeypair(t *testing.T, certFile, keyFile, commonName string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		t.Fatalf("create cert file: %v", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encode cert: %v", err)
	}
	certOut.Close()

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyOut, err := os.Create(keyFile)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		t.Fatalf("encode key: %v", err)
	}
	keyOut.Close()
}

func leafCommonName(t *testing.T, cert *tls.Certificate) string {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	return leaf.Subject.CommonName
}

func TestInitialLoad(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	writeKeypair(t, certFile, keyFile, "gateway-initial")

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	cert, err := cl.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil {
		t.Fatal("nil certificate")
	}
	if cn := leafCommonName(t, cert); cn != "gateway-initial" {
		t.Errorf("CN = %q, want gateway-initial", cn)
	}
}

func TestInitialLoadFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewCertLoader(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"), testLogger()); err == nil {
		t.Fatal("expected error for missing keypair")
	}
}

func TestManualReload(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	writeKeypair(t, certFile, keyFile, "gateway-v1")

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	writeKeypair(t, certFile, keyFile, "gateway-v2")
	if err := cl.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	cert, _ := cl.GetCertificate(nil)
	if cn := leafCommonName(t, cert); cn != "gateway-v2" {
		t.Errorf("CN after reload = %q, want gateway-v2", cn)
	}
}

func TestFailedReloadKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	writeKeypair(t, certFile, keyFile, "gateway-good")

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	if err := os.WriteFile(certFile, []byte("not a certificate"), 0o644); err != nil {
		t.Fatalf("corrupt cert file: %v", err)
	}
	if err := cl.Reload(); err == nil {
		t.Fatal("expected reload error for corrupt cert")
	}

	cert, _ := cl.GetCertificate(nil)
	if cn := leafCommonName(t, cert); cn != "gateway-good" {
		t.Errorf("CN after failed reload = %q, want gateway-good", cn)
	}
}

func TestWatcherReloadsOnRotation(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	writeKeypair(t, certFile, keyFile, "gateway-v1")

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	writeKeypair(t, certFile, keyFile, "gateway-rotated")

	deadline := time.After(3 * time.Second)
	for {
		cert, _ := cl.GetCertificate(nil)
		if leafCommonName(t, cert) == "gateway-rotated" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("certificate not reloaded after rotation")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestServerConfig(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	writeKeypair(t, certFile, keyFile, "gateway")

	tlsCfg, loader, err := ServerConfig(config.TLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3",
	}, testLogger())
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	defer loader.Stop()

	if tlsCfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %x, want TLS 1.3", tlsCfg.MinVersion)
	}
	if tlsCfg.GetCertificate == nil {
		t.Fatal("GetCertificate not wired")
	}
	cert, err := tlsCfg.GetCertificate(nil)
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate = (%v, %v)", cert, err)
	}
}
