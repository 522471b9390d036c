package sealer

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/kms"
	"github.com/ruteri/signing-ceremony-backend/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDocStore(t *testing.T) *storage.DocumentStore {
	t.Helper()
	keys, err := kms.NewSimpleKMS(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return storage.NewDocumentStore(storage.NewMemoryBackend("sealer-test"), keys, testLogger())
}

type mockDocs struct {
	mock.Mock
}

func (m *mockDocs) Put(ctx context.Context, data []byte, meta interfaces.DocumentMeta) (string, error) {
	args := m.Called(ctx, data, meta)
	return args.String(0), args.Error(1)
}

func (m *mockDocs) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockDocs) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func signaturePNG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 12))
	for x := 0; x < 40; x++ {
		img.Set(x, 6, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func sourcePDF(t *testing.T, pages int) []byte {
	t.Helper()
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetFont("Helvetica", "", 12)
	for i := 0; i < pages; i++ {
		pdf.AddPage()
		pdf.Text(40, 40, "Agreement page")
	}
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

func completedEnvelope(t *testing.T, docs interfaces.DocumentStorage, content []byte, contentType string, pages int) *interfaces.Envelope {
	t.Helper()
	completedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key, err := docs.Put(context.Background(), content, interfaces.DocumentMeta{
		EnvelopeID: "env-1", Kind: interfaces.DocumentContent, Name: "nda.pdf", ContentType: contentType,
	})
	require.NoError(t, err)

	return &interfaces.Envelope{
		ID:           "env-1",
		Subject:      "Mutual NDA",
		Status:       interfaces.EnvelopeCompleted,
		SigningOrder: interfaces.SigningOrderSequential,
		CreatedAt:    completedAt.Add(-time.Hour),
		CompletedAt:  &completedAt,
		Documents: []*interfaces.Document{{
			ID: "doc-1", EnvelopeID: "env-1", Name: "nda.pdf", ContentType: contentType,
			StorageKey: key, ContentHash: HashContent(content), PageCount: pages,
		}},
		Signers: []*interfaces.Signer{
			{ID: "s1", Name: "Alice Müller", Email: "alice@example.com", Order: 1, Status: interfaces.SignerSigned, SignedAt: &completedAt,
				Evidence: &interfaces.SignerEvidence{ConsentGiven: true, IPAddress: "10.0.0.1"}},
			{ID: "s2", Name: "Bob", Email: "bob@example.com", Order: 2, Status: interfaces.SignerDelegated, DelegatedToID: "s3"},
			{ID: "s3", Name: "Carol", Email: "carol@example.com", Order: 2, Status: interfaces.SignerSigned, DelegatedFromID: "s2", SignedAt: &completedAt},
		},
		Fields: []*interfaces.Field{
			{ID: "sig", DocumentID: "doc-1", SignerID: "s1", Type: interfaces.FieldSignature, Page: 1, X: 10, Y: 80, Width: 30, Height: 5, Value: signaturePNG(t)},
			{ID: "typed", DocumentID: "doc-1", SignerID: "s3", Type: interfaces.FieldInitials, Page: pages, X: 60, Y: 80, Width: 10, Height: 5, Value: "CC"},
			{ID: "name", DocumentID: "doc-1", SignerID: "s1", Type: interfaces.FieldText, Page: 1, X: 10, Y: 70, Width: 40, Height: 4, Value: "Alice Müller"},
			{ID: "agree", DocumentID: "doc-1", SignerID: "s1", Type: interfaces.FieldCheckbox, Page: 1, X: 5, Y: 70, Width: 3, Height: 2, Value: "true"},
			{ID: "unassigned", DocumentID: "doc-1", Type: interfaces.FieldText, Page: 1, X: 5, Y: 5, Width: 10, Height: 2, Value: "ignored"},
		},
	}
}

func TestSeal_BlankPages(t *testing.T) {
	docs := newDocStore(t)
	s := New(docs, testLogger())
	env := completedEnvelope(t, docs, []byte("plain text agreement"), "text/plain", 2)

	result, err := s.Seal(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)

	doc := env.Documents[0]
	assert.Equal(t, result.Documents[0].SealedKey, doc.SealedKey)
	assert.Equal(t, result.Documents[0].SealedHash, doc.SealedHash)
	assert.Equal(t, doc.SealedHash, result.DocumentHash)
	assert.Len(t, doc.SealedHash, 64)
	require.NotNil(t, doc.SealedAt)
	assert.True(t, strings.HasPrefix(doc.SealedKey, "sealed/env-1/"))

	sealed, err := docs.Get(context.Background(), doc.SealedKey)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(sealed, []byte("%PDF")))
	assert.Equal(t, doc.SealedHash, HashContent(sealed))

	original, err := docs.Get(context.Background(), doc.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("plain text agreement"), original)
}

func TestSeal_ImportedPDF(t *testing.T) {
	docs := newDocStore(t)
	s := New(docs, testLogger())
	env := completedEnvelope(t, docs, sourcePDF(t, 2), "application/pdf", 2)

	result, err := s.Seal(context.Background(), env)
	require.NoError(t, err)

	sealed, err := docs.Get(context.Background(), result.Documents[0].SealedKey)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(sealed, []byte("%PDF")))
}

type countingDocs struct {
	interfaces.DocumentStorage
	puts, deletes int
}

func (c *countingDocs) Put(ctx context.Context, data []byte, meta interfaces.DocumentMeta) (string, error) {
	c.puts++
	return c.DocumentStorage.Put(ctx, data, meta)
}

func (c *countingDocs) Delete(ctx context.Context, key string) error {
	c.deletes++
	return c.DocumentStorage.Delete(ctx, key)
}

func TestSeal_Deterministic(t *testing.T) {
	tests := []struct {
		name        string
		content     []byte
		contentType string
		pages       int
	}{
		{"blank pages", []byte("agreement"), "text/plain", 1},
		{"imported pdf", sourcePDF(t, 2), "application/pdf", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := &countingDocs{DocumentStorage: newDocStore(t)}
			s := New(docs, testLogger())
			env := completedEnvelope(t, docs, tt.content, tt.contentType, tt.pages)
			uploads := docs.puts

			first, err := s.Seal(context.Background(), env)
			require.NoError(t, err)
			second, err := s.Seal(context.Background(), env)
			require.NoError(t, err)
			assert.Equal(t, first.DocumentHash, second.DocumentHash)
			assert.Equal(t, first.Documents[0].SealedKey, second.Documents[0].SealedKey)
			assert.Equal(t, 1, docs.puts-uploads)
			assert.NotEmpty(t, env.Documents[0].SealFingerprint)

			// Recomputing from the stored artifact is stable.
			for i := 0; i < 2; i++ {
				hash, err := s.VerifySealedDocument(context.Background(), env.Documents[0])
				require.NoError(t, err)
				assert.Equal(t, first.DocumentHash, hash)
			}
		})
	}
}

func TestSeal_ChangedInputsSealAgain(t *testing.T) {
	docs := &countingDocs{DocumentStorage: newDocStore(t)}
	s := New(docs, testLogger())
	env := completedEnvelope(t, docs, sourcePDF(t, 2), "application/pdf", 2)

	first, err := s.Seal(context.Background(), env)
	require.NoError(t, err)
	fingerprint := env.Documents[0].SealFingerprint

	env.Field("name").Value = "Alice M."
	second, err := s.Seal(context.Background(), env)
	require.NoError(t, err)
	assert.NotEqual(t, first.Documents[0].SealedKey, second.Documents[0].SealedKey)
	assert.Equal(t, 3, docs.puts) // original upload plus two seals
	assert.NotEqual(t, fingerprint, env.Documents[0].SealFingerprint)

	// A recorded seal whose artifact no longer matches is rendered again.
	puts := docs.puts
	env.Documents[0].SealedHash = strings.Repeat("0", 64)
	_, err = s.Seal(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, puts+1, docs.puts)
	_, err = s.VerifySealedDocument(context.Background(), env.Documents[0])
	assert.NoError(t, err)
}

func TestSeal_PageOutOfRange(t *testing.T) {
	tests := []struct {
		name        string
		content     func(t *testing.T) []byte
		contentType string
		pages       int
		fieldPage   int
	}{
		{"imported pdf", func(t *testing.T) []byte { return sourcePDF(t, 2) }, "application/pdf", 2, 3},
		{"blank pages", func(t *testing.T) []byte { return []byte("agreement") }, "text/plain", 1, 2},
		{"page zero", func(t *testing.T) []byte { return []byte("agreement") }, "text/plain", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := newDocStore(t)
			s := New(docs, testLogger())
			env := completedEnvelope(t, docs, tt.content(t), tt.contentType, tt.pages)
			env.Field("name").Page = tt.fieldPage

			_, err := s.Seal(context.Background(), env)
			assert.ErrorIs(t, err, ErrPageOutOfRange)
			assert.Empty(t, env.Documents[0].SealedKey)
		})
	}
}

func TestSeal_PartialFailureLeavesNothingSealed(t *testing.T) {
	docs := &countingDocs{DocumentStorage: newDocStore(t)}
	s := New(docs, testLogger())
	env := completedEnvelope(t, docs, []byte("one"), "text/plain", 1)
	env.Documents = append(env.Documents, &interfaces.Document{
		ID: "doc-2", EnvelopeID: "env-1", Name: "annex", StorageKey: "document/env-1/" + strings.Repeat("ab", 32), PageCount: 1,
	})

	_, err := s.Seal(context.Background(), env)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
	assert.Equal(t, 1, docs.deletes)
	for _, doc := range env.Documents {
		assert.Empty(t, doc.SealedKey)
		assert.Empty(t, doc.SealedHash)
		assert.Nil(t, doc.SealedAt)
	}
}

func TestSeal_MultipleDocumentsCombineHashes(t *testing.T) {
	docs := newDocStore(t)
	s := New(docs, testLogger())
	env := completedEnvelope(t, docs, []byte("one"), "text/plain", 1)

	key, err := docs.Put(context.Background(), []byte("two"), interfaces.DocumentMeta{EnvelopeID: "env-1", Kind: interfaces.DocumentContent})
	require.NoError(t, err)
	env.Documents = append(env.Documents, &interfaces.Document{ID: "doc-2", EnvelopeID: "env-1", Name: "annex", StorageKey: key, PageCount: 1})

	result, err := s.Seal(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, result.Documents, 2)
	assert.Len(t, result.DocumentHash, 64)
	assert.NotEqual(t, result.Documents[0].SealedHash, result.DocumentHash)
}

func TestSeal_Errors(t *testing.T) {
	s := New(newDocStore(t), testLogger())
	_, err := s.Seal(context.Background(), &interfaces.Envelope{ID: "empty"})
	assert.ErrorIs(t, err, ErrNothingToSeal)

	docs := &mockDocs{}
	docs.On("Get", mock.Anything, "document/env-1/missing").Return(nil, interfaces.ErrContentNotFound)
	s = New(docs, testLogger())
	env := &interfaces.Envelope{ID: "env-1", Documents: []*interfaces.Document{{ID: "d", StorageKey: "document/env-1/missing"}}}
	_, err = s.Seal(context.Background(), env)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
	assert.Empty(t, env.Documents[0].SealedKey)

	docs = &mockDocs{}
	docs.On("Get", mock.Anything, "k").Return([]byte("text"), nil)
	docs.On("Put", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("backend down"))
	s = New(docs, testLogger())
	env = &interfaces.Envelope{ID: "env-1", Documents: []*interfaces.Document{{ID: "d", StorageKey: "k"}}}
	_, err = s.Seal(context.Background(), env)
	assert.ErrorContains(t, err, "backend down")
	docs.AssertExpectations(t)
}

func TestVerifySealedDocument(t *testing.T) {
	docs := newDocStore(t)
	s := New(docs, testLogger())
	env := completedEnvelope(t, docs, []byte("agreement"), "text/plain", 1)

	_, err := s.VerifySealedDocument(context.Background(), env.Documents[0])
	assert.True(t, interfaces.IsState(err))

	_, err = s.Seal(context.Background(), env)
	require.NoError(t, err)

	tampered := *env.Documents[0]
	tampered.SealedHash = strings.Repeat("0", 64)
	_, err = s.VerifySealedDocument(context.Background(), &tampered)
	assert.ErrorContains(t, err, "hash mismatch")
}

func TestDecodeDataURL(t *testing.T) {
	valid := signaturePNG(t)
	tests := []struct {
		name   string
		value  string
		ok     bool
		format string
	}{
		{"png", valid, true, "PNG"},
		{"typed name", "Alice", false, ""},
		{"not base64", "data:image/png;base64,***", false, ""},
		{"not an image", "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("hello")), false, ""},
		{"unsupported type", "data:image/svg+xml;base64,PHN2Zy8+", false, ""},
		{"no base64 marker", "data:image/png,abc", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, format, ok := decodeDataURL(tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.format, format)
		})
	}
}

func TestGenerateCertificate(t *testing.T) {
	docs := newDocStore(t)
	s := New(docs, testLogger())
	env := completedEnvelope(t, docs, []byte("agreement"), "text/plain", 1)
	result, err := s.Seal(context.Background(), env)
	require.NoError(t, err)

	verifiedAt := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	var trail []*interfaces.AuditEvent
	prev := ""
	for i := 0; i < 120; i++ {
		hash := strings.Repeat(string(rune('a'+i%6)), 64)
		trail = append(trail, &interfaces.AuditEvent{
			ID: "e", Sequence: int64(i + 1), EnvelopeID: "env-1", SignerID: "s1",
			Type: interfaces.EventSignerNotified, Payload: map[string]any{"wave": i},
			IPAddress: "10.0.0.1", CreatedAt: verifiedAt, EventHash: hash, PreviousHash: prev,
		})
		prev = hash
	}

	key, err := s.GenerateCertificate(context.Background(), CertificateInput{
		Envelope:     env,
		DocumentHash: result.DocumentHash,
		AuditTrail:   trail,
		ChainValid:   true,
		Verifications: []*interfaces.IdentityVerification{
			{ID: "v1", SignerID: "s1", Level: interfaces.VerificationQES, Method: interfaces.MethodQES, Provider: "sandbox",
				Status: interfaces.VerificationVerified, VerifiedAt: &verifiedAt,
				Evidence: map[string]any{"tsp": "sandbox", "certificate_serial": "01ab", "qscd_reference": "qscd-1", "document_hash": result.DocumentHash}},
			{ID: "v2", SignerID: "s3", Level: interfaces.VerificationAES, Method: interfaces.MethodTwoFactor, Provider: "internal",
				Status: interfaces.VerificationVerified, VerifiedAt: &verifiedAt, Evidence: map[string]any{"fallback_from": "government_id"}},
			{ID: "v3", SignerID: "s2", Status: interfaces.VerificationFailed},
		},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "certificate/env-1/"))

	cert, err := docs.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(cert, []byte("%PDF")))
}

// pdfText inflates every compressed stream of a PDF.
func pdfText(t *testing.T, data []byte) []byte {
	t.Helper()
	var out []byte
	for _, m := range pdfStream.FindAllSubmatch(data, -1) {
		r, err := zlib.NewReader(bytes.NewReader(m[1]))
		if err != nil {
			continue
		}
		b, _ := io.ReadAll(r)
		out = append(out, b...)
	}
	require.NotEmpty(t, out)
	return out
}

var pdfStream = regexp.MustCompile(`(?s)\nstream\n(.*?)\nendstream`)

func utf16BE(s string) []byte {
	var out []byte
	for _, u := range utf16.Encode([]rune(s)) {
		out = append(out, byte(u>>8), byte(u))
	}
	return out
}

func TestSeal_NonLatinText(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"cyrillic", "Дора Иванова"},
		{"greek", "Ζωή Παππά"},
		{"latin with accents", "Łukasz Żółć"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := newDocStore(t)
			s := New(docs, testLogger())
			env := completedEnvelope(t, docs, []byte("agreement"), "text/plain", 1)
			env.Field("name").Value = tt.value
			env.Field("typed").Value = tt.value
			env.Signers[0].Name = tt.value

			result, err := s.Seal(context.Background(), env)
			require.NoError(t, err)
			sealed, err := docs.Get(context.Background(), result.Documents[0].SealedKey)
			require.NoError(t, err)
			assert.True(t, bytes.Contains(sealed, []byte("/FontFile2")), "font is embedded")
			assert.True(t, bytes.Contains(pdfText(t, sealed), utf16BE(tt.value)), "field text kept its runes")

			key, err := s.GenerateCertificate(context.Background(), CertificateInput{
				Envelope: env, DocumentHash: result.DocumentHash, ChainValid: true,
			})
			require.NoError(t, err)
			cert, err := docs.Get(context.Background(), key)
			require.NoError(t, err)
			assert.True(t, bytes.Contains(pdfText(t, cert), utf16BE(tt.value)), "signer name kept its runes")
		})
	}
}

func TestDelegationLabel(t *testing.T) {
	env := completedEnvelope(t, newDocStore(t), []byte("x"), "text/plain", 1)
	assert.Equal(t, "-", delegation(env, env.Signers[0]))
	assert.Equal(t, "to Carol", delegation(env, env.Signers[1]))
	assert.Equal(t, "from Bob", delegation(env, env.Signers[2]))
}
