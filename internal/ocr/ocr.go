// Package ocr turns uploaded documents into text by shelling out to poppler
// and tesseract.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
)

type Config struct {
	Pdftotext string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	TesseractLang string // default "eng"
	DPI           int    // rasterization DPI for scanned PDFs, default 300
	MaxPages      int    // 0 = no limit

	TessdataDir         string
	HeicConverter       string // "heif-convert" | "magick" | "sips"
	EnableTSVConfidence bool

	PSM int // e.g., 6 is good for uniform block of text
	OEM int // 1 = LSTM; leave 0 to use default

	// MinTextChars below which a PDF text layer is treated as missing and the
	// pages are rasterized and OCR'd instead.
	MinTextChars int
}

type ExtractionResult struct {
	Text       string
	Pages      int
	SourceType string // PDF | IMAGE | TXT
	Method     string // "pdf-text" | "pdf-ocr" | "image-ocr" | "plain-text"
	Language   string
	Duration   time.Duration
	Warnings   []string
	Confidence float32
}

type Extractor struct {
	cfg      Config
	runner   Runner
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

type Option func(*Extractor)

// WithRunner replaces the exec runner, mainly for tests.
func WithRunner(r Runner) Option {
	return func(e *Extractor) { e.runner = r }
}

// WithLookPath replaces exec.LookPath in Probe.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(e *Extractor) { e.lookPath = fn }
}

func NewExtractor(cfg Config, logger *slog.Logger, opts ...Option) *Extractor {
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = 40
	}
	e := &Extractor{cfg: cfg, runner: execRunner{log: logger}, lookPath: exec.LookPath, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract picks a strategy based on file extension.
func (e *Extractor) Extract(ctx context.Context, path string) (ExtractionResult, error) {
	start := time.Now()
	ext := constants.NormalizeExt(filepath.Ext(path))
	e.logger.Debug("ocr.extract.start", "path", path, "ext", ext)

	var (
		res ExtractionResult
		err error
	)
	switch constants.FormatForExt(ext) {
	case "PDF":
		res, err = e.extractPDF(ctx, path)
	case "TXT":
		res, err = e.extractPlain(path)
	default:
		if _, ok := constants.AllowedExtensions[ext]; !ok {
			e.logger.Error("ocr.unsupported_extension", "extension", ext)
			return ExtractionResult{}, fmt.Errorf("unsupported extension: %q", ext)
		}
		res, err = e.extractImageFile(ctx, path, ext)
	}
	res.Duration = time.Since(start)
	if err == nil && strings.TrimSpace(res.Text) == "" {
		err = fmt.Errorf("no text found in %s", filepath.Base(path))
	}
	return res, err
}

func (e *Extractor) extractImageFile(ctx context.Context, path, ext string) (ExtractionResult, error) {
	var warns []string
	if ext == "heic" {
		out, w, cleanup, err := convertHEICtoPNG(ctx, e.runner, e.cfg.HeicConverter, path)
		if cleanup != nil {
			defer cleanup()
		}
		warns = append(warns, w...)
		if err != nil {
			e.logger.Error("ocr.heic_conversion_failed", "path", path, "err", err)
			return ExtractionResult{SourceType: "IMAGE", Warnings: warns}, err
		}
		path = out
	}
	res, err := e.extractImage(ctx, path)
	res.Warnings = append(res.Warnings, warns...)
	return res, err
}

func (e *Extractor) extractPlain(path string) (ExtractionResult, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ExtractionResult{SourceType: "TXT"}, err
	}
	if !utf8.Valid(b) {
		return ExtractionResult{SourceType: "TXT"}, fmt.Errorf("text file is not valid UTF-8")
	}
	txt := Normalize(string(b))
	return ExtractionResult{
		Text:       txt,
		Pages:      1,
		SourceType: "TXT",
		Method:     "plain-text",
		Confidence: 1,
	}, nil
}

// Probe checks the OCR binaries are installed.
func (e *Extractor) Probe(_ context.Context) error {
	for _, bin := range []string{e.cfg.Pdftotext, e.cfg.Pdftoppm, e.cfg.Tesseract} {
		if _, err := e.lookPath(bin); err != nil {
			return fmt.Errorf("%w: ocr binary %q: %v", common.ErrProviderUnavailable, bin, err)
		}
	}
	return nil
}
