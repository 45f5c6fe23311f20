// Package certs mints the local leaf certificates the proxy's HTTPS
// listener presents to browsers. The proxy runs its own, offline CA
// rather than speaking ACME with anyone: the only trust relationship
// that matters is the operator installing this CA's root once.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

const (
	caCertFileName = "ca.crt"
	caKeyFileName  = "ca.key"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 825 * 24 * time.Hour // matches the ~27-month cap modern browsers enforce
)

// Authority loads (or creates, on first run) a local root CA and uses
// it to mint short-lived leaf certificates on demand.
type Authority struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

// LoadOrCreate loads the CA certificate/key pair from dir, generating
// and persisting a new one if absent.
func LoadOrCreate(dir string) (*Authority, error) {
	certFile := filepath.Join(dir, caCertFileName)
	keyFile := filepath.Join(dir, caKeyFileName)

	if a, err := load(certFile, keyFile); err == nil {
		return a, nil
	}

	return create(dir, certFile, keyFile)
}

func load(certFile, keyFile string) (*Authority, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block found in %s", certFile)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key in %s is not ECDSA", keyFile)
	}

	return &Authority{caCert: cert, caKey: ecKey}, nil
}

func create(dir, certFile, keyFile string) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate CA serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"snimap local CA"},
			CommonName:   "snimap local CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse freshly created CA certificate: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create CA directory %s: %w", dir, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write CA certificate: %w", err)
	}

	keyPEM := certcrypto.PEMEncode(key)
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}

	return &Authority{caCert: cert, caKey: key}, nil
}

// CertPEM returns the CA's own certificate, PEM-encoded, for display
// or distribution to the operator (it must be installed as a trusted
// root for the proxy's leaf certs to validate).
func (a *Authority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.caCert.Raw})
}

// Mint signs a fresh leaf certificate covering every name in sanList
// (hostnames and/or IP literals), returning the DER-encoded
// certificate and EC private key.
func (a *Authority) Mint(sanList []string) (derCert, derKey []byte, err error) {
	if len(sanList) == 0 {
		return nil, nil, fmt.Errorf("mint: at least one SAN is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("mint: generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("mint: generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: sanList[0]},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	for _, name := range sanList {
		if ip := net.ParseIP(name); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, name)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("mint: sign leaf certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("mint: marshal leaf key: %w", err)
	}

	return certDER, keyDER, nil
}

// MintTLSCertificate mints a leaf for sanList and assembles it into a
// crypto/tls.Certificate (leaf + CA chain, parsed private key) ready
// to hand to a tls.Config, sparing callers the DER-parsing boilerplate
// Mint's lower-level return values require.
func (a *Authority) MintTLSCertificate(sanList []string) (*cryptotls.Certificate, error) {
	certDER, keyDER, err := a.Mint(sanList)
	if err != nil {
		return nil, err
	}

	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("mint tls certificate: parse leaf key: %w", err)
	}

	return &cryptotls.Certificate{
		Certificate: [][]byte{certDER, a.caCert.Raw},
		PrivateKey:  key,
	}, nil
}
