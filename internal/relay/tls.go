package relay

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const certLifetime = 365 * 24 * time.Hour

// Regenerate a cached certificate once it gets this close to expiry, so a
// long-running relay never serves a stale one.
const renewBefore = 30 * 24 * time.Hour

// TLSConfig loads the given key pair, or falls back to a cached self-signed
// certificate covering hosts. The pre-shared tunnel secret does the real
// authentication; TLS here only protects the transport.
func TLSConfig(certFile, keyFile string, hosts []string) (*tls.Config, error) {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	dir, err := tlsDir()
	if err != nil {
		return nil, err
	}
	return selfSignedTLS(dir, hosts)
}

func selfSignedTLS(dir string, hosts []string) (*tls.Config, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	if cert, ok := loadCached(certPath, keyPath, hosts); ok {
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"termbridge relay"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, _ := x509.MarshalECPrivateKey(key)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	os.WriteFile(certPath, certPEM, 0600)
	os.WriteFile(keyPath, keyPEM, 0600)

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse generated cert: %w", err)
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// loadCached returns the cached pair only while it is far from expiry and
// still covers every requested host; otherwise the caller regenerates.
func loadCached(certPath, keyPath string, hosts []string) (tls.Certificate, bool) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, false
	}
	if time.Now().After(leaf.NotAfter.Add(-renewBefore)) {
		return tls.Certificate{}, false
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			if !coversIP(leaf, ip) {
				return tls.Certificate{}, false
			}
		} else if leaf.VerifyHostname(h) != nil {
			return tls.Certificate{}, false
		}
	}
	return cert, true
}

func coversIP(leaf *x509.Certificate, ip net.IP) bool {
	for _, got := range leaf.IPAddresses {
		if got.Equal(ip) {
			return true
		}
	}
	return false
}

func tlsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".termbridge", "relay-tls")
	return dir, os.MkdirAll(dir, 0700)
}
