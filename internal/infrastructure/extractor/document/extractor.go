package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
)

const (
	defaultMaxBytes = 20 << 20

	mimePDF  = "application/pdf"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeText = "text/plain"
	mimeZip  = "application/zip"
)

// Extractor reads an uploaded document from object storage, sniffs its
// content type and returns the plain text.
type Extractor struct {
	storage  ports.ObjectStorage
	maxBytes int64
}

func NewExtractor(storage ports.ObjectStorage, maxBytes int64) *Extractor {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Extractor{storage: storage, maxBytes: maxBytes}
}

func (e *Extractor) ExtractText(ctx context.Context, ref domain.DocumentRef) (domain.ExtractedDocument, error) {
	reader, err := e.storage.Open(ctx, ref.StorageKey)
	if err != nil {
		return domain.ExtractedDocument{}, fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(io.LimitReader(reader, e.maxBytes+1))
	if err != nil {
		return domain.ExtractedDocument{}, fmt.Errorf("read source document: %w", err)
	}
	if int64(len(raw)) > e.maxBytes {
		return domain.ExtractedDocument{}, domain.WrapError(domain.ErrInvalidInput, "extract document",
			fmt.Errorf("%s exceeds %d bytes", ref.Filename, e.maxBytes))
	}

	mt := mimetype.Detect(raw)
	var doc domain.ExtractedDocument
	switch {
	case mt.Is(mimePDF):
		doc, err = extractPDF(raw)
	case mt.Is(mimeXLSX), mt.Is(mimeZip) && strings.HasSuffix(strings.ToLower(ref.Filename), ".xlsx"):
		doc, err = extractSpreadsheet(raw)
	case isText(mt):
		doc, err = extractPlainText(raw, ref.Filename)
	default:
		return domain.ExtractedDocument{}, domain.WrapError(domain.ErrInvalidInput, "extract document",
			fmt.Errorf("unsupported format %s: %s", mt.String(), ref.Filename))
	}
	if err != nil {
		return domain.ExtractedDocument{}, err
	}

	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	doc.Metadata["mime_type"] = mt.String()
	doc.Metadata["filename"] = ref.Filename
	return doc, nil
}

func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is(mimeText) {
			return true
		}
	}
	return false
}

func extractPlainText(raw []byte, filename string) (domain.ExtractedDocument, error) {
	if !utf8.Valid(raw) {
		return domain.ExtractedDocument{}, domain.WrapError(domain.ErrInvalidInput, "extract text",
			fmt.Errorf("invalid utf-8: %s", filename))
	}
	text := strings.TrimSpace(string(raw))
	pages := 0
	if text != "" {
		pages = 1
	}
	return domain.ExtractedDocument{Text: text, PageCount: pages}, nil
}

func extractPDF(raw []byte) (domain.ExtractedDocument, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return domain.ExtractedDocument{}, domain.WrapError(domain.ErrInvalidInput, "extract pdf", err)
	}

	var b strings.Builder
	pages := r.NumPage()
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return domain.ExtractedDocument{}, domain.WrapError(domain.ErrInvalidInput, "extract pdf",
				fmt.Errorf("page %d: %w", i, err))
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return domain.ExtractedDocument{
		Text:      strings.TrimSpace(b.String()),
		PageCount: pages,
	}, nil
}

// extractSpreadsheet flattens every sheet into tab-separated lines; each sheet
// counts as one page.
func extractSpreadsheet(raw []byte) (domain.ExtractedDocument, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return domain.ExtractedDocument{}, domain.WrapError(domain.ErrInvalidInput, "extract spreadsheet", err)
	}
	defer f.Close()

	var b strings.Builder
	sheets := f.GetSheetList()
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return domain.ExtractedDocument{}, errors.Join(
				domain.WrapError(domain.ErrInvalidInput, "extract spreadsheet", err),
				fmt.Errorf("sheet %q", sheet),
			)
		}
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return domain.ExtractedDocument{
		Text:      strings.TrimSpace(b.String()),
		PageCount: len(sheets),
		Metadata:  map[string]string{"sheets": strings.Join(sheets, ",")},
	}, nil
}
