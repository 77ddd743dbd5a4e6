// Package skill parses and validates skill documents: text files that begin with a
// YAML metadata block delimited by '---' lines, followed by free-form content.
package skill

import (
	"fmt"
	"strings"
)

// ManifestFilename is the name every skill document has, both in the source
// repository and in the deployed skill directory.
const ManifestFilename = "SKILL.md"

// Document is a parsed skill document. It is immutable once created.
type Document struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Integrations []string `json:"integrations,omitempty"`
	Content      []byte   `json:"-"`
	Size         int      `json:"size"`
	Filename     string   `json:"filename"`
}

// Result is the outcome of validating one candidate file.
type Result struct {
	Valid    bool      `json:"valid"`
	Errors   []string  `json:"errors"`
	Warnings []string  `json:"warnings"`
	Document *Document `json:"-"`
}

type FileErrors struct {
	File   string   `json:"file"`
	Errors []string `json:"errors"`
}

// ValidationError is returned when at least one document in a batch is invalid.
// Nothing from the batch is deployed.
type ValidationError struct {
	Files []FileErrors
}

func (e *ValidationError) Error() string {
	files := make([]string, 0, len(e.Files))
	for _, f := range e.Files {
		files = append(files, fmt.Sprintf("%s: %s", f.File, strings.Join(f.Errors, "; ")))
	}
	return fmt.Sprintf("%d invalid skill document(s): %s", len(e.Files), strings.Join(files, ", "))
}

// NewValidationError collects the failed results of a batch, keyed by filename,
// in the order given. It returns nil if every result is valid.
func NewValidationError(filenames []string, results map[string]Result) *ValidationError {
	var files []FileErrors
	for _, name := range filenames {
		result, ok := results[name]
		if !ok || result.Valid {
			continue
		}
		files = append(files, FileErrors{File: name, Errors: result.Errors})
	}
	if len(files) == 0 {
		return nil
	}
	return &ValidationError{Files: files}
}
