package importer

// filecheck.go is the pure gate every upload passes before any processing
// begins. It never mutates state.

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FileValidator enforces the file-type and size policy for uploads.
type FileValidator struct {
	maxSize    int64
	extensions map[string]bool
	mimeTypes  map[string]bool
}

// NewFileValidator builds a validator from the configured allow-lists.
// Extensions are matched without the leading dot, case-insensitively.
func NewFileValidator(maxSize int64, extensions, mimeTypes []string) *FileValidator {
	v := &FileValidator{
		maxSize:    maxSize,
		extensions: make(map[string]bool, len(extensions)),
		mimeTypes:  make(map[string]bool, len(mimeTypes)),
	}
	for _, ext := range extensions {
		v.extensions[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))] = true
	}
	for _, mt := range mimeTypes {
		v.mimeTypes[strings.ToLower(strings.TrimSpace(mt))] = true
	}
	return v
}

// Validate checks name, size and declared MIME type against policy.
// Returns a *FileValidationError describing the first violation.
func (v *FileValidator) Validate(name string, size int64, mimeType string) error {
	if size <= 0 {
		return &FileValidationError{
			Code:    CodeFileUnreadable,
			Message: "uploaded file is empty",
		}
	}
	if size > v.maxSize {
		return &FileValidationError{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("file exceeds the %dMB limit", v.maxSize/(1024*1024)),
		}
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if !v.extensions[ext] {
		return &FileValidationError{
			Code:    CodeFileType,
			Message: fmt.Sprintf("file type %q is not allowed", ext),
		}
	}

	// Browsers are inconsistent about CSV MIME types, so an empty declared
	// type is tolerated when the extension passed.
	if mimeType != "" && len(v.mimeTypes) > 0 {
		mt := strings.ToLower(mimeType)
		if i := strings.Index(mt, ";"); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		if !v.mimeTypes[mt] {
			return &FileValidationError{
				Code:    CodeFileType,
				Message: fmt.Sprintf("content type %q is not allowed", mt),
			}
		}
	}

	return nil
}

// SanitizeFileName strips path separators and characters outside
// [A-Za-z0-9._-], then truncates to 255 characters. The original name is
// kept separately on the batch.
func SanitizeFileName(name string) string {
	name = filepath.Base(name)

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	s := b.String()
	if s == "" || s == "." || s == ".." {
		s = "upload"
	}
	if len(s) > 255 {
		s = s[len(s)-255:]
	}
	return s
}
