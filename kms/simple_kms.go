package kms

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ruteri/signing-ceremony-backend/cryptoutils"
)

var (
	documentKeySalt = []byte("signing-ceremony/document-key/v1")
	caKeySalt       = []byte("signing-ceremony/ca-key/v1")
)

// SimpleKMS derives every key it hands out from a single master key:
// per-envelope document encryption keys and the signing CA key.
// It is suitable for development and single-node deployments.
type SimpleKMS struct {
	masterKey []byte
	caName    string
	now       func() time.Time

	mu     sync.Mutex
	caKey  *ecdsa.PrivateKey
	caCert cryptoutils.CACertPEM
}

// NewSimpleKMS creates a new instance with the provided master key.
// The master key must be at least 32 bytes long.
func NewSimpleKMS(masterKey []byte) (*SimpleKMS, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &SimpleKMS{masterKey: key, caName: "Signing Ceremony Sandbox CA", now: time.Now}, nil
}

// WithCAName returns a copy using a different CA common name.
func (k *SimpleKMS) WithCAName(name string) *SimpleKMS {
	newkms := &SimpleKMS{masterKey: make([]byte, len(k.masterKey)), caName: name, now: k.now}
	copy(newkms.masterKey, k.masterKey)
	return newkms
}

// WithClock returns a copy using the given time source for certificate validity.
func (k *SimpleKMS) WithClock(now func() time.Time) *SimpleKMS {
	newkms := &SimpleKMS{masterKey: make([]byte, len(k.masterKey)), caName: k.caName, now: now}
	copy(newkms.masterKey, k.masterKey)
	return newkms
}

// DocumentKey returns the AES-256 key protecting an envelope's documents.
func (k *SimpleKMS) DocumentKey(envelopeID string) ([]byte, error) {
	if envelopeID == "" {
		return nil, errors.New("envelope id is required")
	}
	return cryptoutils.DeriveKey(k.masterKey, documentKeySalt, []byte(envelopeID), cryptoutils.DocumentKeySize)
}

// CACertificate returns the signing CA certificate.
func (k *SimpleKMS) CACertificate() (cryptoutils.CACertPEM, error) {
	_, cert, err := k.getCA()
	return cert, err
}

// IssueSigningCertificate issues a leaf certificate for a signer's key, valid for validity.
func (k *SimpleKMS) IssueSigningCertificate(pub *ecdsa.PublicKey, commonName, email string, validity time.Duration) (cryptoutils.CertPEM, error) {
	caKey, caCert, err := k.getCA()
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}
	return cryptoutils.IssueSigningCertificate(caKey, caCert, pub, pkix.Name{
		CommonName:   commonName,
		Organization: []string{"Signing Ceremony"},
	}, email, k.now(), validity)
}

// getCA derives the CA key and creates its self-signed certificate on first use.
func (k *SimpleKMS) getCA() (*ecdsa.PrivateKey, cryptoutils.CACertPEM, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.caKey != nil {
		return k.caKey, k.caCert, nil
	}

	caKey, err := k.deriveECDSAKey(caKeySalt, []byte(k.caName))
	if err != nil {
		return nil, nil, err
	}

	certPEM, err := cryptoutils.CreateCACertificate(caKey, pkix.Name{
		Organization: []string{"SimpleKMS"},
		CommonName:   k.caName,
	}, k.now())
	if err != nil {
		return nil, nil, err
	}

	k.caKey, k.caCert = caKey, certPEM
	return caKey, certPEM, nil
}

// deriveECDSAKey creates a deterministic P-256 key from the master key.
func (k *SimpleKMS) deriveECDSAKey(salt, info []byte) (*ecdsa.PrivateKey, error) {
	seed, err := cryptoutils.DeriveKey(k.masterKey, salt, info, 40)
	if err != nil {
		return nil, err
	}

	curve := elliptic.P256()
	// Reduce into [1, N-1].
	nMinusOne := new(big.Int).Sub(curve.Params().N, big.NewInt(1))
	d := new(big.Int).SetBytes(seed)
	d.Mod(d, nMinusOne)
	d.Add(d, big.NewInt(1))

	privateKey := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         d,
	}
	privateKey.PublicKey.X, privateKey.PublicKey.Y = curve.ScalarBaseMult(d.FillBytes(make([]byte, 32)))
	return privateKey, nil
}
