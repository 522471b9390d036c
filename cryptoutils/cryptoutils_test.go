package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509/pkix"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastParams = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestAESGCMRoundTrip(t *testing.T) {
	key, err := DeriveKey(bytes.Repeat([]byte{7}, 32), []byte("salt"), []byte("env-1"), DocumentKeySize)
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "Simple string", data: []byte("This is a secret contract")},
		{name: "Binary data", data: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE}},
		{name: "Empty data", data: []byte{}},
		{name: "Long data", data: make([]byte, 64*1024)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted, err := EncryptAESGCM(key, tc.data, []byte("env-1"))
			require.NoError(t, err)
			require.NotEqual(t, tc.data, encrypted)

			decrypted, err := DecryptAESGCM(key, encrypted, []byte("env-1"))
			require.NoError(t, err)
			require.True(t, bytes.Equal(tc.data, decrypted))
		})
	}
}

func TestAESGCMRejectsTampering(t *testing.T) {
	key, err := DeriveKey(bytes.Repeat([]byte{1}, 32), nil, []byte("env-1"), DocumentKeySize)
	require.NoError(t, err)

	encrypted, err := EncryptAESGCM(key, []byte("payload"), []byte("env-1"))
	require.NoError(t, err)

	_, err = DecryptAESGCM(key, encrypted, []byte("env-2"))
	assert.Error(t, err, "wrong additional data")

	otherKey, err := DeriveKey(bytes.Repeat([]byte{1}, 32), nil, []byte("env-2"), DocumentKeySize)
	require.NoError(t, err)
	_, err = DecryptAESGCM(otherKey, encrypted, []byte("env-1"))
	assert.Error(t, err, "wrong key")

	encrypted[len(encrypted)-1] ^= 0xFF
	_, err = DecryptAESGCM(key, encrypted, []byte("env-1"))
	assert.Error(t, err, "flipped tag")

	_, err = DecryptAESGCM(key, []byte{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	master := bytes.Repeat([]byte{9}, 32)
	a, err := DeriveKey(master, nil, []byte("x"), 32)
	require.NoError(t, err)
	b, err := DeriveKey(master, nil, []byte("x"), 32)
	require.NoError(t, err)
	c, err := DeriveKey(master, nil, []byte("y"), 32)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestHashSecret(t *testing.T) {
	encoded, err := HashSecret("123456", fastParams)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$"))

	again, err := HashSecret("123456", fastParams)
	require.NoError(t, err)
	assert.NotEqual(t, encoded, again, "salts differ")

	ok, err := VerifySecret("123456", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySecret("654321", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifySecret("123456", "$bcrypt$nope")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestGenerateNumericCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateNumericCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9')
		}
	}
}

func TestTokens(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)
	other, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)

	stored := HashToken(token)
	assert.Len(t, stored, 64)
	assert.True(t, TokenMatches(token, stored))
	assert.False(t, TokenMatches(other, stored))
	assert.False(t, TokenMatches("", stored))
	assert.False(t, TokenMatches(token, ""))
}

func TestSigningCertificates(t *testing.T) {
	now := time.Now()
	caKey, _, err := RandomP256Key()
	require.NoError(t, err)
	caCert, err := CreateCACertificate(caKey, pkix.Name{CommonName: "Test QTSP CA"}, now)
	require.NoError(t, err)
	_, err = NewCACertPEM(caCert)
	require.NoError(t, err)

	signerKey, signerPEM, err := RandomP256Key()
	require.NoError(t, err)
	parsed, err := signerPEM.ECDSA()
	require.NoError(t, err)
	assert.True(t, parsed.Equal(signerKey))

	cert, err := IssueSigningCertificate(caKey, caCert, &signerKey.PublicKey, pkix.Name{CommonName: "Ada Lovelace"}, "ada@example.com", now, time.Hour)
	require.NoError(t, err)
	require.NoError(t, cert.Validate())
	require.NoError(t, caCert.VerifyCertificate(cert))

	x, err := cert.X509()
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", x.Subject.CommonName)
	assert.Equal(t, []string{"ada@example.com"}, x.EmailAddresses)

	serial, err := cert.SerialHex()
	require.NoError(t, err)
	assert.NotEmpty(t, serial)

	expired, err := cert.IsExpired(now.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)

	digest := sha256.Sum256([]byte("sealed document"))
	sig, err := SignDigest(signerKey, digest[:])
	require.NoError(t, err)
	require.NoError(t, VerifyDigestSignature(cert, digest[:], sig))

	tampered := sha256.Sum256([]byte("other document"))
	assert.Error(t, VerifyDigestSignature(cert, tampered[:], sig))

	_, err = SignDigest(signerKey, []byte("short"))
	assert.Error(t, err)
}
