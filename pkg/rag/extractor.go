package rag

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

// ExtractedSection is one unit of extracted text: a page for paginated
// formats, the whole file otherwise (Page 0). ImageB64 optionally carries a
// rendered page image for multimodal embedding.
type ExtractedSection struct {
	Text     string
	Page     int
	ImageB64 string
}

// Extractor turns a file into ordered text sections.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]ExtractedSection, error)
}

// FileExtractor routes files by extension: PDFs go through the native reader
// or a remote extraction service, everything else is read as plain text.
type FileExtractor struct {
	config     ExtractionConfig
	logger     *slog.Logger
	httpClient *http.Client
}

// NewFileExtractor builds an extractor from config. A nil config uses the
// defaults (native PDF engine, no remote service).
func NewFileExtractor(config *ExtractionConfig) *FileExtractor {
	cfg := getDefaultExtractionConfig()
	if config != nil {
		cfg = *config
	}
	return &FileExtractor{
		config: cfg,
		logger: slog.Default().With("component", "extractor"),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// RemoteBacked reports whether extracting path would call the remote
// extraction service. The ingestion scheduler uses this to pick an
// I/O-shaped worker pool for such batches.
func (e *FileExtractor) RemoteBacked(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".pdf" &&
		e.config.PDFEngine == "remote" && e.config.RemoteEndpoint != ""
}

// Extract returns the ordered text sections of the file at path.
func (e *FileExtractor) Extract(ctx context.Context, path string) ([]ExtractedSection, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		if e.config.PDFEngine == "remote" && e.config.RemoteEndpoint != "" {
			return e.extractRemote(ctx, path)
		}
		return e.extractPDF(path)
	default:
		return e.extractPlainText(path)
	}
}

func (e *FileExtractor) extractPlainText(path string) ([]ExtractedSection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	text := normalizeText(string(data))
	if text == "" {
		return nil, fmt.Errorf("file %s is empty", path)
	}
	return []ExtractedSection{{Text: text}}, nil
}

func (e *FileExtractor) extractPDF(path string) ([]ExtractedSection, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat pdf %s: %w", path, err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pdf %s: %w", path, err)
	}

	var sections []ExtractedSection
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.Warn("failed to extract pdf page, skipping",
				"path", path, "page", i, "error", err)
			continue
		}
		if text = normalizeText(text); text == "" {
			continue
		}
		sections = append(sections, ExtractedSection{Text: text, Page: i})
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("no extractable text in pdf %s", path)
	}
	return sections, nil
}

type remoteExtractRequest struct {
	Filename     string `json:"filename"`
	Content      string `json:"content"`
	RenderImages bool   `json:"render_images,omitempty"`
}

type remoteExtractResponse struct {
	Pages []struct {
		Page  int    `json:"page"`
		Text  string `json:"text"`
		Image string `json:"image,omitempty"`
	} `json:"pages"`
}

// extractRemote uploads the file to the document-extraction service and maps
// the returned pages to sections. Used for scanned or layout-heavy PDFs the
// native reader cannot handle.
func (e *FileExtractor) extractRemote(ctx context.Context, path string) ([]ExtractedSection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	payload, err := json.Marshal(remoteExtractRequest{
		Filename:     filepath.Base(path),
		Content:      base64.StdEncoding.EncodeToString(data),
		RenderImages: e.config.RenderPageImage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extraction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.RemoteEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.RemoteAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.RemoteAPIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extraction service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("extraction service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result remoteExtractResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode extraction response: %w", err)
	}

	sections := make([]ExtractedSection, 0, len(result.Pages))
	for _, p := range result.Pages {
		text := normalizeText(p.Text)
		if text == "" && p.Image == "" {
			continue
		}
		sections = append(sections, ExtractedSection{Text: text, Page: p.Page, ImageB64: p.Image})
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("extraction service returned no usable pages for %s", path)
	}
	return sections, nil
}

var excessiveNewlines = regexp.MustCompile(`\n{3,}`)

// normalizeText unifies line endings and collapses runs of blank lines while
// preserving the newlines the splitter relies on for boundary detection.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = excessiveNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
