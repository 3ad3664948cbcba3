package tls

import (
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestSelfSigned_SubjectAltNames(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned("mail.internal", "10.0.0.5")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	if cert.Leaf == nil {
		t.Fatal("leaf not populated")
	}
	if err := cert.Leaf.VerifyHostname("mail.internal"); err != nil {
		t.Errorf("DNS SAN: %v", err)
	}
	if err := cert.Leaf.VerifyHostname("10.0.0.5"); err != nil {
		t.Errorf("IP SAN: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "mail.internal" {
		t.Errorf("CN: got %q", cert.Leaf.Subject.CommonName)
	}
}

func TestSelfSigned_DefaultHosts(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned()
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	if err := cert.Leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("localhost: %v", err)
	}
	if !cert.Leaf.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("IP SAN: got %v", cert.Leaf.IPAddresses)
	}
}

func TestServerConfig_SelfSignedFallback(t *testing.T) {
	t.Parallel()

	cfg, source, err := ServerConfig("", "")
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if source != SourceSelfSigned {
		t.Errorf("source: got %q", source)
	}
	if len(cfg.Certificates) != 1 || cfg.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("config: %d certs, min version %x", len(cfg.Certificates), cfg.MinVersion)
	}
}

func TestServerConfig_FromFiles(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned("localhost")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600)
	os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600)

	_, source, err := ServerConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if source != SourceFile {
		t.Errorf("source: got %q, want file", source)
	}

	if _, _, err := ServerConfig(filepath.Join(dir, "missing.pem"), keyPath); err == nil {
		t.Error("expected error for missing certificate file")
	}
}

func TestPool_TrustsCertificate(t *testing.T) {
	t.Parallel()

	cert, _ := SelfSigned("localhost")
	pool, err := Pool(cert)
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	if _, err := cert.Leaf.Verify(x509.VerifyOptions{DNSName: "localhost", Roots: pool}); err != nil {
		t.Errorf("verify against pool: %v", err)
	}
}
