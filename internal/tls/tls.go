// Package tls builds the certificate used by the SMTP intercept listener.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Source records where the serving certificate came from.
type Source string

const (
	SourceFile       Source = "file"
	SourceSelfSigned Source = "self-signed"
)

const selfSignedValidity = 365 * 24 * time.Hour

// DefaultHosts are the names a self-signed certificate covers when none are
// given.
var DefaultHosts = []string{"localhost", "127.0.0.1"}

// SelfSigned creates an in-memory ECDSA P-256 certificate for hosts. Each
// host becomes an IP or DNS subject alternative name.
func SelfSigned(hosts ...string) (tls.Certificate, error) {
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0], Organization: []string{"mail-dispatch"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// ServerConfig loads certFile and keyFile, or falls back to a self-signed
// certificate for hosts when either path is empty.
func ServerConfig(certFile, keyFile string, hosts ...string) (*tls.Config, Source, error) {
	var (
		cert   tls.Certificate
		source Source
		err    error
	)
	if certFile != "" && keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		source = SourceFile
	} else {
		cert, err = SelfSigned(hosts...)
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		source = SourceSelfSigned
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, source, nil
}

// Pool returns a pool trusting cert, for clients of a self-signed server.
func Pool(cert tls.Certificate) (*x509.CertPool, error) {
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, err
		}
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return pool, nil
}
