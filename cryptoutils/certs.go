package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// CreateCACertificate creates a self-signed CA certificate valid for ten years.
func CreateCACertificate(caKey *ecdsa.PrivateKey, subject pkix.Name, now time.Time) (CACertPEM, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), nil
}

// IssueSigningCertificate issues a leaf certificate for a natural person's
// signing key. The certificate carries the non-repudiation key usage and is
// signed by the given CA.
func IssueSigningCertificate(caKey *ecdsa.PrivateKey, caCert CACertPEM, subjectKey *ecdsa.PublicKey, subject pkix.Name, email string, now time.Time, validity time.Duration) (CertPEM, error) {
	parsedCA, err := caCert.X509()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
	}
	if email != "" {
		template.EmailAddresses = []string{email}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parsedCA, subjectKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), nil
}

// SignDigest signs a SHA-256 digest with ECDSA and returns an ASN.1 signature.
func SignDigest(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("digest must be 32 bytes")
	}
	return ecdsa.SignASN1(rand.Reader, key, digest)
}

// VerifyDigestSignature checks an ASN.1 ECDSA signature over digest against
// the public key of cert.
func VerifyDigestSignature(cert CertPEM, digest, signature []byte) error {
	parsed, err := cert.X509()
	if err != nil {
		return err
	}
	pub, ok := parsed.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("unsupported public key type %T", parsed.PublicKey)
	}
	if !ecdsa.VerifyASN1(pub, digest, signature) {
		return errors.New("signature does not verify")
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serialNumber, nil
}
