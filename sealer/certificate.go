package sealer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

const (
	certMargin = 40.0
	certLine   = 14.0
)

// CertificateInput is everything a completion certificate reports on.
type CertificateInput struct {
	Envelope      *interfaces.Envelope
	DocumentHash  string
	AuditTrail    []*interfaces.AuditEvent
	Verifications []*interfaces.IdentityVerification
	ChainValid    bool
}

// GenerateCertificate renders the completion certificate of an envelope and
// stores it as certificate content, returning the storage key. The
// certificate is advisory evidence; the sealed documents and their hashes are
// the artifacts of record.
func (s *Sealer) GenerateCertificate(ctx context.Context, in CertificateInput) (string, error) {
	env := in.Envelope
	data, err := s.renderCertificate(in)
	if err != nil {
		return "", fmt.Errorf("failed to render certificate: %w", err)
	}

	key, err := s.docs.Put(ctx, data, interfaces.DocumentMeta{
		EnvelopeID:  env.ID,
		Kind:        interfaces.CertificateContent,
		Name:        "certificate-" + env.ID + ".pdf",
		ContentType: "application/pdf",
	})
	if err != nil {
		return "", fmt.Errorf("failed to store certificate: %w", err)
	}

	s.log.Info("Completion certificate generated",
		slog.String("envelope_id", env.ID),
		slog.String("certificate_key", key),
		slog.Int("audit_events", len(in.AuditTrail)))
	return key, nil
}

type certWriter struct {
	pdf *fpdf.Fpdf
}

func (s *Sealer) renderCertificate(in CertificateInput) ([]byte, error) {
	env := in.Envelope
	generatedAt := s.sealTime(env)

	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(generatedAt)
	pdf.SetModificationDate(generatedAt)
	pdf.SetMargins(certMargin, certMargin, certMargin)
	pdf.SetAutoPageBreak(true, certMargin)
	pdf.SetTitle("Certificate of completion: "+env.Subject, true)
	pdf.AliasNbPages("{nb}")
	useGoFonts(pdf)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-certMargin + 10)
		pdf.SetFont(fontSans, "", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Envelope %s - page %d of {nb}", env.ID, pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	w := &certWriter{pdf: pdf}
	pdf.AddPage()

	pdf.SetFont(fontSans, "B", 18)
	pdf.CellFormat(0, 24, "Certificate of Completion", "", 1, "L", false, 0, "")
	pdf.Ln(6)

	w.section("Envelope")
	w.row("Subject", env.Subject)
	w.row("Envelope ID", env.ID)
	w.row("Status", string(env.Status))
	w.row("Signing order", string(env.SigningOrder))
	w.row("Created", formatTime(&env.CreatedAt))
	w.row("Sent", formatTime(env.SentAt))
	w.row("Completed", formatTime(env.CompletedAt))

	w.section("Documents")
	w.row("Document hash", orDash(in.DocumentHash))
	for _, d := range env.Documents {
		w.row(d.Name, "original sha256 "+d.ContentHash)
		if d.SealedHash != "" {
			w.row("", "sealed sha256 "+d.SealedHash)
		}
	}

	w.section("Signers")
	w.signerTable(env)

	w.section("Identity verification")
	verifications := verifiedOnly(in.Verifications)
	if len(verifications) == 0 {
		w.text("No identity verification was required.")
	}
	for _, v := range verifications {
		signer := env.Signer(v.SignerID)
		name := v.SignerID
		if signer != nil {
			name = signer.Name
		}
		w.row(name, fmt.Sprintf("%s via %s (%s), verified %s", strings.ToUpper(string(v.Level)), v.Method, v.Provider, formatTime(v.VerifiedAt)))
		if fb, ok := v.Evidence["fallback_from"].(string); ok {
			w.row("", "fallback from "+fb)
		}
		if v.Level == interfaces.VerificationQES {
			w.row("", "TSP "+evidenceString(v.Evidence, "tsp"))
			w.row("", "certificate serial "+evidenceString(v.Evidence, "certificate_serial"))
			w.row("", "QSCD reference "+evidenceString(v.Evidence, "qscd_reference"))
			w.row("", "signed hash "+evidenceString(v.Evidence, "document_hash"))
		}
	}

	w.section("Audit trail")
	if in.ChainValid {
		w.text(fmt.Sprintf("%d events, hash chain intact.", len(in.AuditTrail)))
	} else {
		w.text(fmt.Sprintf("%d events, hash chain BROKEN.", len(in.AuditTrail)))
	}
	for _, e := range in.AuditTrail {
		w.auditEvent(e)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *certWriter) section(title string) {
	w.pdf.Ln(8)
	w.pdf.SetFont(fontSans, "B", 12)
	w.pdf.SetFillColor(230, 230, 230)
	w.pdf.CellFormat(0, certLine+4, title, "", 1, "L", true, 0, "")
	w.pdf.Ln(2)
}

func (w *certWriter) row(label, value string) {
	w.pdf.SetFont(fontSans, "B", 9)
	w.pdf.CellFormat(120, certLine, label, "", 0, "L", false, 0, "")
	w.pdf.SetFont(fontSans, "", 9)
	w.pdf.MultiCell(0, certLine, value, "", "L", false)
}

func (w *certWriter) text(s string) {
	w.pdf.SetFont(fontSans, "", 9)
	w.pdf.MultiCell(0, certLine, s, "", "L", false)
}

var signerColumns = []struct {
	title string
	width float64
}{
	{"Name", 100}, {"Email", 130}, {"Status", 60}, {"Signed", 95}, {"IP", 75}, {"Delegation", 55},
}

func (w *certWriter) signerTable(env *interfaces.Envelope) {
	w.pdf.SetFont(fontSans, "B", 8)
	for _, c := range signerColumns {
		w.pdf.CellFormat(c.width, certLine, c.title, "1", 0, "L", false, 0, "")
	}
	w.pdf.Ln(-1)

	w.pdf.SetFont(fontSans, "", 8)
	for _, s := range env.Signers {
		at := s.SignedAt
		if at == nil {
			at = s.DeclinedAt
		}
		ip := ""
		if s.Evidence != nil {
			ip = s.Evidence.IPAddress
		}
		cells := []string{s.Name, s.Email, string(s.Status), formatTime(at), orDash(ip), delegation(env, s)}
		for i, c := range signerColumns {
			w.pdf.CellFormat(c.width, certLine, truncate(w.pdf, cells[i], c.width-4), "1", 0, "L", false, 0, "")
		}
		w.pdf.Ln(-1)
	}
}

func (w *certWriter) auditEvent(e *interfaces.AuditEvent) {
	line := fmt.Sprintf("#%d %s %s", e.Sequence, e.CreatedAt.UTC().Format(time.RFC3339), e.Type)
	if e.SignerID != "" {
		line += " signer=" + e.SignerID
	}
	if e.IPAddress != "" {
		line += " ip=" + e.IPAddress
	}
	if e.Fallback {
		line += " (not persisted)"
	}
	w.pdf.SetFont(fontSans, "", 8)
	w.pdf.MultiCell(0, 11, line, "", "L", false)
	w.pdf.SetFont(fontMono, "", 7)
	w.pdf.MultiCell(0, 9, "hash "+e.EventHash+" prev "+orDash(e.PreviousHash), "", "L", false)
	if len(e.Payload) > 0 {
		payload, _ := json.Marshal(e.Payload)
		w.pdf.MultiCell(0, 9, string(payload), "", "L", false)
	}
}

// delegation describes the signer's place in a delegation chain, e.g.
// "from Alice" or "to Bob".
func delegation(env *interfaces.Envelope, s *interfaces.Signer) string {
	var parts []string
	if s.DelegatedFromID != "" {
		if from := env.Signer(s.DelegatedFromID); from != nil {
			parts = append(parts, "from "+from.Name)
		}
	}
	if s.DelegatedToID != "" {
		if to := env.Signer(s.DelegatedToID); to != nil {
			parts = append(parts, "to "+to.Name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

func verifiedOnly(vs []*interfaces.IdentityVerification) []*interfaces.IdentityVerification {
	var out []*interfaces.IdentityVerification
	for _, v := range vs {
		if v.Status == interfaces.VerificationVerified {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func evidenceString(evidence map[string]any, key string) string {
	if v, ok := evidence[key]; ok {
		return fmt.Sprint(v)
	}
	return "-"
}

func truncate(pdf *fpdf.Fpdf, s string, width float64) string {
	if pdf.GetStringWidth(s) <= width {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && pdf.GetStringWidth(string(r)+"...") > width {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
