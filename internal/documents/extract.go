package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

const extractionFailedMessage = "Failed to extract text from PDF"

// ExtractionError reports any failure to read text out of a PDF.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string { return extractionFailedMessage }

func (e *ExtractionError) Unwrap() error { return e.Err }

// pageReader is the part of a parsed PDF the extractor needs. Pages are numbered from 1.
type pageReader interface {
	NumPage() int
	PageText(n int) (string, error)
}

type pdfPages struct {
	r *pdf.Reader
}

func (p pdfPages) NumPage() int { return p.r.NumPage() }

func (p pdfPages) PageText(n int) (string, error) {
	page := p.r.Page(n)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}

func openPDF(r io.ReaderAt, size int64) (pageReader, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	return pdfPages{r: reader}, nil
}

type Extractor struct {
	log  *slog.Logger
	open func(io.ReaderAt, int64) (pageReader, error)
}

func NewExtractor(log *slog.Logger) *Extractor {
	return &Extractor{
		log:  log.With(slog.String("component", "pdf-extractor")),
		open: openPDF,
	}
}

// Extract returns the text of every page in order, each followed by a newline, trimmed as a
// whole. Malformed documents make the parser panic, so panics are reported as ExtractionError.
func (x *Extractor) Extract(ctx context.Context, r io.ReaderAt, size int64) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ExtractionError{Err: fmt.Errorf("pdf parser panic: %v", p)}
		}
		if err != nil {
			x.log.Warn("pdf extraction failed", slog.Int64("bytes", size), slogError(err))
		}
	}()

	if size <= 0 {
		return "", &ExtractionError{Err: errors.New("empty document")}
	}
	pages, err := x.open(r, size)
	if err != nil {
		return "", &ExtractionError{Err: err}
	}

	var sb strings.Builder
	for n := 1; n <= pages.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return "", &ExtractionError{Err: err}
		}
		pageText, err := pages.PageText(n)
		if err != nil {
			return "", &ExtractionError{Err: fmt.Errorf("page %d: %w", n, err)}
		}
		sb.WriteString(pageText)
		sb.WriteByte('\n')
	}
	text = strings.TrimSpace(sb.String())
	x.log.Debug("pdf extracted", slog.Int("pages", pages.NumPage()), slog.Int("chars", len(text)))
	return text, nil
}

func slogError(err error) slog.Attr {
	if u := errors.Unwrap(err); u != nil {
		return slog.String("error", u.Error())
	}
	return slog.String("error", err.Error())
}
