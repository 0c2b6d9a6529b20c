package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

const certificateDisclaimer = "THIS CERTIFICATE IS ISSUED AS A MATTER OF INFORMATION ONLY AND CONFERS NO RIGHTS UPON THE " +
	"CERTIFICATE HOLDER. THIS CERTIFICATE DOES NOT AFFIRMATIVELY OR NEGATIVELY AMEND, EXTEND OR ALTER THE COVERAGE " +
	"AFFORDED BY THE POLICIES BELOW."

// Certificate is the content printed on a certificate of insurance.
type Certificate struct {
	ConfirmationID string
	Producer       string
	InsuredName    string
	HolderName     string
	HolderAddr1    string
	HolderAddr2    string
	IssuedAt       time.Time
}

// CertificateRenderer lays out certificates of insurance as single-page PDFs.
type CertificateRenderer struct{}

// NewCertificateRenderer constructs a renderer.
func NewCertificateRenderer() *CertificateRenderer {
	return &CertificateRenderer{}
}

// Render produces the PDF bytes for cert.
func (r *CertificateRenderer) Render(cert Certificate) ([]byte, error) {
	if strings.TrimSpace(cert.HolderName) == "" {
		return nil, fmt.Errorf("certificate holder name required")
	}
	if strings.TrimSpace(cert.InsuredName) == "" {
		return nil, fmt.Errorf("insured name required")
	}
	issuedAt := cert.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}

	pdf := gofpdf.New("P", "mm", "Letter", "")
	pdf.SetTitle("Certificate of Liability Insurance", false)
	pdf.SetSubject(cert.ConfirmationID, false)
	pdf.SetCreator(cert.Producer, false)
	pdf.SetCreationDate(issuedAt)
	pdf.SetMargins(12, 12, 12)
	pdf.SetAutoPageBreak(false, 12)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Arial", "B", 15)
	pdf.CellFormat(140, 9, "CERTIFICATE OF LIABILITY INSURANCE", "1", 0, "C", false, 0, "")
	pdf.SetFont("Arial", "", 8)
	pdf.CellFormat(0, 4.5, "DATE (MM/DD/YYYY)", "LTR", 2, "C", false, 0, "")
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(0, 4.5, issuedAt.Format("01/02/2006"), "LBR", 1, "C", false, 0, "")

	pdf.Ln(2)
	pdf.SetFont("Arial", "", 7)
	pdf.MultiCell(0, 3.5, certificateDisclaimer, "1", "L", false)
	pdf.Ln(2)

	left, top := pdf.GetXY()
	boxWidth := 94.0
	r.box(pdf, tr, left, top, boxWidth, "PRODUCER", []string{cert.Producer})
	r.box(pdf, tr, left+boxWidth+4, top, boxWidth-2, "CERTIFICATE NUMBER", []string{cert.ConfirmationID})
	r.box(pdf, tr, left, top+26, boxWidth, "INSURED", []string{cert.InsuredName})

	pdf.SetXY(left, top+60)
	pdf.SetFont("Arial", "", 7)
	pdf.MultiCell(0, 3.5, "COVERAGES: the policies of insurance listed on file with the producer have been issued to the "+
		"insured named above for the policy period indicated. Refer to the policies for terms, exclusions and conditions.", "1", "L", false)

	holderTop := 200.0
	r.box(pdf, tr, left, holderTop, boxWidth, "CERTIFICATE HOLDER", []string{cert.HolderName, cert.HolderAddr1, cert.HolderAddr2})
	r.box(pdf, tr, left+boxWidth+4, holderTop, boxWidth-2, "CANCELLATION", []string{
		"Should any of the above described policies be",
		"cancelled before the expiration date thereof,",
		"notice will be delivered in accordance with",
		"the policy provisions.",
	})

	pdf.SetXY(left+boxWidth+4, holderTop+40)
	pdf.SetFont("Arial", "", 7)
	pdf.CellFormat(boxWidth-2, 4, "AUTHORIZED REPRESENTATIVE", "T", 1, "L", false, 0, "")

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render certificate pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *CertificateRenderer) box(pdf *gofpdf.Fpdf, tr func(string) string, x, y, w float64, label string, lines []string) {
	height := 6.0 + float64(len(lines))*5.0
	if height < 22 {
		height = 22
	}
	pdf.Rect(x, y, w, height, "D")
	pdf.SetXY(x+1.5, y+1.5)
	pdf.SetFont("Arial", "B", 7)
	pdf.CellFormat(w-3, 4, label, "", 2, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		pdf.CellFormat(w-3, 5, tr(line), "", 2, "L", false, 0, "")
	}
}
