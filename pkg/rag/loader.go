package rag

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Loader builds Documents from files and raw text. File extraction is
// delegated to the configured Extractor; the loader owns metadata shaping.
type Loader struct {
	extractor Extractor
	logger    *slog.Logger
}

// NewLoader builds a Loader over the given extractor. A nil extractor uses
// the default FileExtractor.
func NewLoader(extractor Extractor) *Loader {
	if extractor == nil {
		extractor = NewFileExtractor(nil)
	}
	return &Loader{
		extractor: extractor,
		logger:    slog.Default().With("component", "loader"),
	}
}

// LoadFile extracts path and returns one Document per extracted section:
// a single Document for plain-text files, one per page for paginated
// formats. Page images from the extractor travel in metadata extras so the
// embedding stage can use them.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]*Document, error) {
	sections, err := l.extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}

	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(path))
	title := strings.TrimSuffix(base, filepath.Ext(path))

	docs := make([]*Document, 0, len(sections))
	for _, sec := range sections {
		meta := DocumentMeta{
			Source:   path,
			Title:    title,
			FileType: strings.TrimPrefix(ext, "."),
			Page:     sec.Page,
		}
		if sec.ImageB64 != "" {
			meta.Extra = map[string]any{extraPageImage: sec.ImageB64}
		}
		docs = append(docs, NewDocument(sec.Text, meta))
	}

	l.logger.Debug("file loaded", "path", path, "documents", len(docs))
	return docs, nil
}

// RemoteBacked reports whether loading path would call a remote extraction
// service, when the underlying extractor can tell.
func (l *Loader) RemoteBacked(path string) bool {
	if rb, ok := l.extractor.(interface{ RemoteBacked(string) bool }); ok {
		return rb.RemoteBacked(path)
	}
	return false
}

// LoadText wraps raw text into a single Document.
func (l *Loader) LoadText(content string, meta DocumentMeta) (*Document, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content is empty")
	}
	return NewDocument(content, meta), nil
}

// extraPageImage is the metadata extras key carrying a base64 page image
// from extraction to embedding.
const extraPageImage = "page_image_b64"
