package sealer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/go-pdf/fpdf/contrib/gofpdi"

	"github.com/ruteri/signing-ceremony-backend/fields"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/metrics"
)

// Letter size in points, used when a document carries no page descriptor.
const (
	defaultPageWidth  = 612.0
	defaultPageHeight = 792.0
)

const mediaBox = "/MediaBox"

var (
	// ErrNothingToSeal is returned when an envelope has no documents.
	ErrNothingToSeal = errors.New("envelope has no documents to seal")
	// ErrPageOutOfRange is returned when a field sits on a page the document does not have.
	ErrPageOutOfRange = errors.New("field page out of range")
)

// SealedDocument is the sealed artifact of one document.
type SealedDocument struct {
	DocumentID string `json:"document_id"`
	SealedKey  string `json:"sealed_key"`
	SealedHash string `json:"sealed_hash"`
}

// SealResult is the outcome of sealing every document of an envelope.
// DocumentHash is the SHA-256 over the sealed hashes in document order; for a
// single-document envelope it is a stable fingerprint of that document.
type SealResult struct {
	Documents    []SealedDocument `json:"documents"`
	DocumentHash string           `json:"document_hash"`
}

// Sealer merges signer input into documents and renders completion certificates.
type Sealer struct {
	docs interfaces.DocumentStorage
	log  *slog.Logger
	now  func() time.Time
}

// Option configures a Sealer.
type Option func(*Sealer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sealer) { s.now = now }
}

// New creates a Sealer reading and writing through docs.
func New(docs interfaces.DocumentStorage, log *slog.Logger, opts ...Option) *Sealer {
	s := &Sealer{docs: docs, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seal renders every document of env with its signer-assigned field values
// and stores the result as sealed content. The documents on env are updated
// with the sealed key, hash, time and fingerprint only when every document
// sealed; on failure all of them are left unsealed and artifacts stored by
// this call are deleted. The original storage keys are untouched.
//
// PDF originals are imported page by page; PNG and JPEG originals become the
// page background; anything else is sealed onto blank pages sized by the page
// descriptor. Field coordinates are percentages from the top-left corner,
// which is the native origin of the renderer.
//
// Imported PDFs are not byte-reproducible: the renderer numbers imported
// objects in map iteration order. A document whose recorded fingerprint
// matches the current inputs keeps its stored artifact instead of being
// rendered again, so sealing an envelope twice yields the same hash.
func (s *Sealer) Seal(ctx context.Context, env *interfaces.Envelope) (_ *SealResult, err error) {
	if len(env.Documents) == 0 {
		return nil, ErrNothingToSeal
	}

	start := time.Now()
	defer func() { metrics.ObserveSealDuration(time.Since(start)) }()

	sealedAt := s.sealTime(env)
	staged := make([]stagedSeal, 0, len(env.Documents))
	defer func() {
		if err != nil {
			s.discard(ctx, env, staged)
		}
	}()

	for _, doc := range env.Documents {
		original, err := s.docs.Get(ctx, doc.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load document %s: %w", doc.ID, err)
		}

		placed := documentFields(env, doc.ID)
		fingerprint := sealFingerprint(doc, original, placed, sealedAt)
		if s.reusable(ctx, doc, fingerprint) {
			staged = append(staged, stagedSeal{doc: doc, key: doc.SealedKey, hash: doc.SealedHash, fingerprint: fingerprint})
			continue
		}

		rendered, err := s.render(doc, original, placed, sealedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to render document %s: %w", doc.ID, err)
		}

		key, err := s.docs.Put(ctx, rendered, interfaces.DocumentMeta{
			EnvelopeID:  env.ID,
			Kind:        interfaces.SealedContent,
			Name:        doc.Name,
			ContentType: "application/pdf",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store sealed document %s: %w", doc.ID, err)
		}
		staged = append(staged, stagedSeal{doc: doc, key: key, hash: HashContent(rendered), fingerprint: fingerprint, stored: true})
	}

	result := &SealResult{Documents: make([]SealedDocument, 0, len(staged))}
	combined := sha256.New()
	for _, st := range staged {
		at := sealedAt
		st.doc.SealedKey = st.key
		st.doc.SealedHash = st.hash
		st.doc.SealedAt = &at
		st.doc.SealFingerprint = st.fingerprint

		combined.Write([]byte(st.hash))
		result.Documents = append(result.Documents, SealedDocument{DocumentID: st.doc.ID, SealedKey: st.key, SealedHash: st.hash})

		s.log.Info("Document sealed",
			slog.String("envelope_id", env.ID),
			slog.String("document_id", st.doc.ID),
			slog.String("sealed_hash", st.hash),
			slog.Bool("reused", !st.stored))
	}

	if len(result.Documents) == 1 {
		result.DocumentHash = result.Documents[0].SealedHash
	} else {
		result.DocumentHash = hex.EncodeToString(combined.Sum(nil))
	}
	return result, nil
}

type stagedSeal struct {
	doc         *interfaces.Document
	key, hash   string
	fingerprint string
	stored      bool
}

// discard clears the seal of every document and removes the artifacts this
// call stored.
func (s *Sealer) discard(ctx context.Context, env *interfaces.Envelope, staged []stagedSeal) {
	for _, st := range staged {
		if !st.stored {
			continue
		}
		if err := s.docs.Delete(ctx, st.key); err != nil {
			s.log.Warn("Failed to delete partial sealed document",
				slog.String("envelope_id", env.ID),
				slog.String("document_id", st.doc.ID),
				"err", err)
		}
	}
	for _, doc := range env.Documents {
		doc.SealedKey = ""
		doc.SealedHash = ""
		doc.SealedAt = nil
		doc.SealFingerprint = ""
	}
}

// reusable reports whether doc already carries a seal of the same inputs
// whose stored artifact still matches its recorded hash.
func (s *Sealer) reusable(ctx context.Context, doc *interfaces.Document, fingerprint string) bool {
	if doc.SealedKey == "" || doc.SealFingerprint != fingerprint {
		return false
	}
	data, err := s.docs.Get(ctx, doc.SealedKey)
	if err != nil {
		s.log.Warn("Recorded sealed document unreadable, sealing again",
			slog.String("document_id", doc.ID), "err", err)
		return false
	}
	return HashContent(data) == doc.SealedHash
}

// sealFingerprint hashes everything render depends on.
func sealFingerprint(doc *interfaces.Document, original []byte, placed []*interfaces.Field, sealedAt time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%q %q %q %s %d %g %g %d\n",
		doc.ID, doc.Name, doc.ContentType, HashContent(original),
		doc.PageCount, doc.PageWidth, doc.PageHeight, sealedAt.Unix())
	for _, f := range placed {
		fmt.Fprintf(h, "%q %q %d %g %g %g %g %q\n", f.ID, f.Type, f.Page, f.X, f.Y, f.Width, f.Height, f.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySealedDocument re-fetches the sealed artifact of doc and checks that
// its hash still matches the recorded one. It returns the recomputed hash.
func (s *Sealer) VerifySealedDocument(ctx context.Context, doc *interfaces.Document) (string, error) {
	if doc.SealedKey == "" {
		return "", &interfaces.StateError{Entity: "document", ID: doc.ID, State: "unsealed", Operation: "verify"}
	}
	data, err := s.docs.Get(ctx, doc.SealedKey)
	if err != nil {
		return "", fmt.Errorf("failed to load sealed document %s: %w", doc.ID, err)
	}
	hash := HashContent(data)
	if hash != doc.SealedHash {
		return hash, fmt.Errorf("sealed document %s hash mismatch: recorded %s, computed %s", doc.ID, doc.SealedHash, hash)
	}
	return hash, nil
}

// HashContent is the lowercase hex SHA-256 of data.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sealTime pins the document dates to the completion time.
func (s *Sealer) sealTime(env *interfaces.Envelope) time.Time {
	if env.CompletedAt != nil {
		return env.CompletedAt.UTC().Truncate(time.Second)
	}
	return s.now().UTC().Truncate(time.Second)
}

func documentFields(env *interfaces.Envelope, documentID string) []*interfaces.Field {
	var out []*interfaces.Field
	for _, f := range env.Fields {
		if f.DocumentID == documentID && f.SignerID != "" && f.Value != "" {
			out = append(out, f)
		}
	}
	return out
}

type page struct {
	width, height float64
	draw          func(pdf *fpdf.Fpdf)
}

func (s *Sealer) render(doc *interfaces.Document, original []byte, placed []*interfaces.Field, sealedAt time.Time) (_ []byte, err error) {
	pdf := fpdf.New("P", "pt", "", "")
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(sealedAt)
	pdf.SetModificationDate(sealedAt)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(doc.Name, true)
	pdf.SetCreator("signing-ceremony-backend", false)
	useGoFonts(pdf)

	// The PDF importer panics on malformed input.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed source document: %v", r)
		}
	}()

	var pages []page
	switch {
	case bytes.HasPrefix(original, []byte("%PDF")):
		pages = importPDF(pdf, original)
	case isImage(doc.ContentType, original):
		pages, err = imagePages(pdf, doc, original)
		if err != nil {
			return nil, err
		}
	default:
		pages = blankPages(doc)
	}

	for _, f := range placed {
		if f.Page < 1 || f.Page > len(pages) {
			return nil, fmt.Errorf("%w: field %s is on page %d of %d", ErrPageOutOfRange, f.ID, f.Page, len(pages))
		}
	}

	for i, p := range pages {
		pdf.AddPageFormat("P", fpdf.SizeType{Wd: p.width, Ht: p.height})
		if p.draw != nil {
			p.draw(pdf)
		}
		for _, f := range placed {
			if f.Page == i+1 {
				drawField(pdf, f, p.width, p.height)
			}
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func importPDF(pdf *fpdf.Fpdf, original []byte) []page {
	imp := gofpdi.NewImporter()
	var rs io.ReadSeeker = bytes.NewReader(original)

	first := imp.ImportPageFromStream(pdf, &rs, 1, mediaBox)
	sizes := imp.GetPageSizes()

	pages := make([]page, 0, len(sizes))
	for n := 1; n <= len(sizes); n++ {
		tpl := first
		if n > 1 {
			tpl = imp.ImportPageFromStream(pdf, &rs, n, mediaBox)
		}
		w, h := sizes[n][mediaBox]["w"], sizes[n][mediaBox]["h"]
		pages = append(pages, page{
			width:  w,
			height: h,
			draw: func(pdf *fpdf.Fpdf) {
				imp.UseImportedTemplate(pdf, tpl, 0, 0, w, h)
			},
		})
	}
	return pages
}

func isImage(contentType string, data []byte) bool {
	switch contentType {
	case "image/png", "image/jpeg":
		return true
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	return err == nil && (format == "png" || format == "jpeg")
}

func imagePages(pdf *fpdf.Fpdf, doc *interfaces.Document, original []byte) ([]page, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("unreadable image: %w", err)
	}
	name := "original-" + doc.ID
	opts := fpdf.ImageOptions{ImageType: strings.ToUpper(format)}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(original))
	if err := pdf.Error(); err != nil {
		return nil, err
	}

	w, h := pageSize(doc)
	return []page{{
		width:  w,
		height: h,
		draw: func(pdf *fpdf.Fpdf) {
			pdf.ImageOptions(name, 0, 0, w, h, false, opts, 0, "")
		},
	}}, nil
}

func blankPages(doc *interfaces.Document) []page {
	w, h := pageSize(doc)
	n := doc.PageCount
	if n < 1 {
		n = 1
	}
	pages := make([]page, n)
	for i := range pages {
		pages[i] = page{width: w, height: h}
	}
	return pages
}

func pageSize(doc *interfaces.Document) (float64, float64) {
	w, h := doc.PageWidth, doc.PageHeight
	if w <= 0 || h <= 0 {
		return defaultPageWidth, defaultPageHeight
	}
	return w, h
}

func drawField(pdf *fpdf.Fpdf, f *interfaces.Field, pageW, pageH float64) {
	x := f.X / 100 * pageW
	y := f.Y / 100 * pageH
	w := f.Width / 100 * pageW
	h := f.Height / 100 * pageH

	switch f.Type {
	case interfaces.FieldSignature, interfaces.FieldInitials:
		if drawImageValue(pdf, f, x, y, w, h) {
			return
		}
		pdf.SetFont(fontSans, "I", fontSize(h))
		drawText(pdf, f.Value, x, y, w, h)
	case interfaces.FieldCheckbox:
		pdf.SetDrawColor(0, 0, 0)
		pdf.SetLineWidth(0.75)
		pdf.Rect(x, y, w, h, "D")
		if f.Value == fields.CheckboxChecked {
			pdf.Line(x, y, x+w, y+h)
			pdf.Line(x, y+h, x+w, y)
		}
	default:
		pdf.SetFont(fontSans, "", fontSize(h))
		drawText(pdf, f.Value, x, y, w, h)
	}
}

func drawText(pdf *fpdf.Fpdf, text string, x, y, w, h float64) {
	pdf.SetTextColor(0, 0, 0)
	pdf.SetXY(x, y)
	pdf.CellFormat(w, h, text, "", 0, "LM", false, 0, "")
}

func fontSize(boxHeight float64) float64 {
	size := boxHeight * 0.7
	if size > 14 {
		return 14
	}
	if size < 6 {
		return 6
	}
	return size
}

// drawImageValue embeds a data URL signature image. It reports false when the
// value is not a usable image so the caller can render it as text.
func drawImageValue(pdf *fpdf.Fpdf, f *interfaces.Field, x, y, w, h float64) bool {
	data, format, ok := decodeDataURL(f.Value)
	if !ok {
		return false
	}
	name := "field-" + f.ID
	opts := fpdf.ImageOptions{ImageType: format}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	if pdf.Err() {
		pdf.ClearError()
		return false
	}
	pdf.ImageOptions(name, x, y, w, h, false, opts, 0, "")
	return true
}

func decodeDataURL(value string) ([]byte, string, bool) {
	rest, found := strings.CutPrefix(value, "data:")
	if !found {
		return nil, "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return nil, "", false
	}
	var format string
	switch strings.TrimSuffix(meta, ";base64") {
	case "image/png":
		format = "PNG"
	case "image/jpeg", "image/jpg":
		format = "JPG"
	default:
		return nil, "", false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", false
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, "", false
	}
	return data, format, true
}
