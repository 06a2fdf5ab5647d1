// Package security bounds what a firmware archive may make us extract.
package security

import (
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

// Validator checks firmware archives and their entries before and during
// extraction.
type Validator struct {
	maxImageSize        int64
	maxArchiveSize      int64
	maxCompressionRatio float64
}

// NewValidator creates a new validator. Zero limits disable the check.
func NewValidator(maxImageSize, maxArchiveSize int64, maxCompressionRatio float64) *Validator {
	slog.Debug("security_validator_init",
		"max_image_size_kb", maxImageSize/1024,
		"max_archive_size_kb", maxArchiveSize/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxImageSize:        maxImageSize,
		maxArchiveSize:      maxArchiveSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidateEntryName rejects absolute and escaping entry names.
func (v *Validator) ValidateEntryName(name string) error {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))

	if path.IsAbs(clean) {
		slog.Error("security_entry_validation_failed", "entry", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute entry name not allowed: %s", name)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_entry_validation_failed", "entry", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", name)
	}
	return nil
}

// ValidateArchiveSize checks the container file itself.
func (v *Validator) ValidateArchiveSize(size int64) error {
	if v.maxArchiveSize > 0 && size > v.maxArchiveSize {
		slog.Error("security_archive_size_exceeded", "size", size, "max_size", v.maxArchiveSize)
		return fmt.Errorf("security: archive size %d exceeds max %d", size, v.maxArchiveSize)
	}
	return nil
}

// ValidateImageSize checks the declared uncompressed size of an entry.
func (v *Validator) ValidateImageSize(size int64) error {
	if v.maxImageSize > 0 && size > v.maxImageSize {
		slog.Error("security_image_size_exceeded", "size", size, "max_size", v.maxImageSize)
		return fmt.Errorf("security: image size %d exceeds max %d", size, v.maxImageSize)
	}
	return nil
}

// ValidateCompressionRatio checks for compression bombs. Entries with an
// unknown compressed size are not checked.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if v.maxCompressionRatio <= 0 || compressedSize <= 0 {
		return nil
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed", compressedSize,
			"uncompressed", uncompressedSize)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, v.maxCompressionRatio, compressedSize, uncompressedSize)
	}
	return nil
}

// LimitReader fails once more than the image size limit has been read from
// r, so a lying size header cannot fill the disk.
func (v *Validator) LimitReader(r io.Reader) io.Reader {
	if v.maxImageSize <= 0 {
		return r
	}
	return &limitedReader{r: r, remaining: v.maxImageSize, max: v.maxImageSize}
}

type limitedReader struct {
	r         io.Reader
	remaining int64
	max       int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, fmt.Errorf("security: image exceeds max size %d", l.max)
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, fmt.Errorf("security: image exceeds max size %d", l.max)
	}
	return n, err
}
