// Package extract turns uploaded files into plain text for grading. Only text-like
// formats are read here; PDF and Word documents must be converted upstream.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
)

var (
	// ErrUnsupportedFormat indicates a file type that cannot be read as text.
	ErrUnsupportedFormat = errors.New("unsupported document format; upload plain text")
	// ErrTooLarge indicates the document exceeded the configured size.
	ErrTooLarge = errors.New("document exceeds maximum allowed size")
	// ErrEmptyDocument indicates the document contains no text.
	ErrEmptyDocument = errors.New("document contains no text")
)

var textTypes = []string{"text/plain", "text/markdown", "text/csv", "application/json"}

// Document is the text of one upload.
type Document struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Text     string `json:"text"`
}

// Extractor reads text from uploads.
type Extractor struct {
	maxBytes int64
	strip    *bluemonday.Policy
	logger   zerolog.Logger
}

// NewExtractor builds an extractor that accepts documents up to maxBytes.
func NewExtractor(maxBytes int64, logger zerolog.Logger) *Extractor {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &Extractor{
		maxBytes: maxBytes,
		strip:    bluemonday.StrictPolicy(),
		logger:   logger.With().Str("component", "text_extractor").Logger(),
	}
}

// Extract detects the type of r and returns its text.
func (e *Extractor) Extract(name string, r io.Reader) (Document, error) {
	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(r, e.maxBytes+1)); err != nil {
		return Document{}, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(buf.Len()) > e.maxBytes {
		return Document{}, ErrTooLarge
	}
	return e.ExtractBytes(name, buf.Bytes())
}

// ExtractBytes is Extract for an in-memory document.
func (e *Extractor) ExtractBytes(name string, data []byte) (Document, error) {
	if int64(len(data)) > e.maxBytes {
		return Document{}, ErrTooLarge
	}

	detected := mimetype.Detect(data)
	doc := Document{Name: name, MIMEType: detected.String()}

	switch {
	case detected.Is("text/html"):
		doc.Text = html.UnescapeString(e.strip.Sanitize(string(data)))
	case isText(detected):
		doc.Text = string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	default:
		e.logger.Warn().Str("file", name).Str("mime", detected.String()).Msg("rejected document with unsupported format")
		return Document{}, fmt.Errorf("%w: %s is %s", ErrUnsupportedFormat, name, detected.String())
	}

	if !utf8.ValidString(doc.Text) {
		doc.Text = strings.ToValidUTF8(doc.Text, "�")
	}
	doc.Text = normalizeNewlines(doc.Text)
	if strings.TrimSpace(doc.Text) == "" {
		return Document{}, fmt.Errorf("%w: %s", ErrEmptyDocument, name)
	}
	return doc, nil
}

func isText(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		for _, t := range textTypes {
			if m.Is(t) {
				return true
			}
		}
	}
	return false
}

func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}
