package server

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCertificateGeneratesOnce(t *testing.T) {
	dir := t.TempDir()

	cert, err := EnsureCertificate(dir, []string{"127.0.0.1", "tapwatch.example.com"}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(leaf.IPAddresses) != 1 || len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "tapwatch.example.com" {
		t.Fatalf("unexpected SANs %v %v", leaf.IPAddresses, leaf.DNSNames)
	}

	before, err := os.ReadFile(filepath.Join(dir, CertFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := EnsureCertificate(dir, nil, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, CertFile))
	if string(before) != string(after) {
		t.Fatalf("existing certificate must be reused")
	}
}

func TestEnsureCertificateRejectsHalfPair(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, KeyFile), []byte("key"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := EnsureCertificate(dir, nil, nil); err == nil {
		t.Fatalf("expected error for a key without certificate")
	}
}
