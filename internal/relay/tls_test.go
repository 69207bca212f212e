package relay

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
)

func leafCert(t *testing.T, cfg *tls.Config) *x509.Certificate {
	t.Helper()
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return leaf
}

func TestSelfSignedCertCoversRequestedHosts(t *testing.T) {
	cfg, err := selfSignedTLS(t.TempDir(), []string{"relay.example.com", "127.0.0.1"})
	if err != nil {
		t.Fatalf("selfSignedTLS: %v", err)
	}
	leaf := leafCert(t, cfg)

	if err := leaf.VerifyHostname("relay.example.com"); err != nil {
		t.Errorf("cert does not cover relay.example.com: %v", err)
	}
	if !coversIP(leaf, net.ParseIP("127.0.0.1")) {
		t.Errorf("cert does not cover 127.0.0.1; IPAddresses = %v", leaf.IPAddresses)
	}
}

func TestSelfSignedCertCacheReusedUntilHostsChange(t *testing.T) {
	dir := t.TempDir()
	hosts := []string{"localhost"}

	first, err := selfSignedTLS(dir, hosts)
	if err != nil {
		t.Fatalf("selfSignedTLS: %v", err)
	}
	second, err := selfSignedTLS(dir, hosts)
	if err != nil {
		t.Fatalf("selfSignedTLS (cached): %v", err)
	}
	if leafCert(t, first).SerialNumber.Cmp(leafCert(t, second).SerialNumber) != 0 {
		t.Error("cached certificate was regenerated for identical hosts")
	}

	// A host the cached cert does not cover forces regeneration.
	third, err := selfSignedTLS(dir, []string{"localhost", "10.0.0.7"})
	if err != nil {
		t.Fatalf("selfSignedTLS (new host): %v", err)
	}
	leaf := leafCert(t, third)
	if leaf.SerialNumber.Cmp(leafCert(t, first).SerialNumber) == 0 {
		t.Error("certificate was not regenerated for an uncovered host")
	}
	if !coversIP(leaf, net.ParseIP("10.0.0.7")) {
		t.Errorf("regenerated cert does not cover 10.0.0.7; IPAddresses = %v", leaf.IPAddresses)
	}
}

func TestSelfSignedDefaultsToLocalhost(t *testing.T) {
	cfg, err := selfSignedTLS(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("selfSignedTLS: %v", err)
	}
	if err := leafCert(t, cfg).VerifyHostname("localhost"); err != nil {
		t.Errorf("default cert does not cover localhost: %v", err)
	}
}
