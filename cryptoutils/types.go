package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// CertPEM is an X.509 certificate in PEM format.
type CertPEM []byte

// NewCertPEM creates a new certificate object from PEM-encoded data with validation.
func NewCertPEM(data []byte) (CertPEM, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return CertPEM{}, errors.New("invalid certificate: not in PEM format or not a certificate")
	}

	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return CertPEM{}, fmt.Errorf("invalid certificate structure: %w", err)
	}

	return CertPEM(data), nil
}

// Validate checks if the certificate is properly formed.
func (cert CertPEM) Validate() error {
	_, err := NewCertPEM(cert)
	return err
}

// X509 returns the parsed X.509 certificate.
func (cert CertPEM) X509() (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// SerialHex returns the certificate serial number in hex.
func (cert CertPEM) SerialHex() (string, error) {
	parsed, err := cert.X509()
	if err != nil {
		return "", err
	}
	return parsed.SerialNumber.Text(16), nil
}

// IsExpired checks if the certificate has expired at the given time.
func (cert CertPEM) IsExpired(at time.Time) (bool, error) {
	parsed, err := cert.X509()
	if err != nil {
		return false, err
	}
	return parsed.NotAfter.Before(at), nil
}

// CACertPEM is a Certificate Authority certificate in PEM format.
type CACertPEM []byte

// NewCACertPEM creates a new CA certificate object from PEM-encoded data with validation.
func NewCACertPEM(data []byte) (CACertPEM, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return CACertPEM{}, errors.New("invalid CA certificate: not in PEM format or not a certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return CACertPEM{}, fmt.Errorf("invalid CA certificate structure: %w", err)
	}

	if !cert.IsCA {
		return CACertPEM{}, errors.New("certificate is not a CA certificate (IsCA flag not set)")
	}

	return CACertPEM(data), nil
}

// X509 returns the parsed X.509 certificate.
func (ca CACertPEM) X509() (*x509.Certificate, error) {
	block, _ := pem.Decode(ca)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// VerifyCertificate checks if a certificate was signed by this CA.
func (ca CACertPEM) VerifyCertificate(cert CertPEM) error {
	caCert, err := ca.X509()
	if err != nil {
		return err
	}

	leafCert, err := cert.X509()
	if err != nil {
		return err
	}

	caPool := x509.NewCertPool()
	caPool.AddCert(caCert)

	_, err = leafCert.Verify(x509.VerifyOptions{
		Roots:     caPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// PrivateKeyPEM is an EC private key in PEM format.
type PrivateKeyPEM []byte

// ECDSA returns the parsed private key.
func (priv PrivateKeyPEM) ECDSA() (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("failed to parse private key")
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", key)
	}
	return ecKey, nil
}

// RandomP256Key generates a fresh P-256 key and returns it with its PEM encoding.
func RandomP256Key() (*ecdsa.PrivateKey, PrivateKeyPEM, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	return privateKey, pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	}), nil
}
