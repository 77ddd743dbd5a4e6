package skill

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultMaxSize = 100 * 1024

var (
	versionPattern = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)
	requiredFields = []string{"name", "version", "description"}
)

// Validator performs structural and security checks on skill documents.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	maxSize   int
	detectors []Detector
}

func NewValidator(maxSize int, detectors []Detector) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if detectors == nil {
		detectors = DefaultDetectors
	}
	return &Validator{
		maxSize:   maxSize,
		detectors: detectors,
	}
}

// Validate checks one candidate document. Malformed input is reported in the
// result, never as a panic or error.
func (v *Validator) Validate(content []byte, filename string) Result {
	result := Result{
		Errors:   make([]string, 0),
		Warnings: make([]string, 0),
	}

	if len(content) > v.maxSize {
		result.Errors = append(result.Errors, fmt.Sprintf("document is %d bytes, exceeding the maximum of %d bytes", len(content), v.maxSize))
		return result
	}

	doc, errs, warnings := v.structure(content, filename)
	result.Errors = append(result.Errors, errs...)
	result.Warnings = append(result.Warnings, warnings...)

	if secrets := detectSecrets(content, v.detectors); len(secrets) > 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("potential secrets detected: %s", strings.Join(secrets, ", ")))
	}

	if len(result.Errors) == 0 {
		result.Valid = true
		result.Document = doc
	}

	return result
}

func (v *Validator) structure(content []byte, filename string) (*Document, []string, []string) {
	var errs, warnings []string

	meta, _, err := splitMetadata(content)
	if err != nil {
		return nil, []string{err.Error()}, nil
	}

	fields, err := parseMetadata(meta)
	if err != nil {
		return nil, []string{err.Error()}, nil
	}

	doc := &Document{
		Content:  content,
		Size:     len(content),
		Filename: filename,
	}

	values := make(map[string]string, len(requiredFields))
	missing := make([]string, 0)
	for _, key := range requiredFields {
		node, ok := lookup(fields, key)
		if !ok || node.ShortTag() == "!!null" {
			missing = append(missing, key)
			continue
		}
		value, ok := scalar(node)
		if !ok {
			errs = append(errs, fmt.Sprintf("metadata field %q must be a string", key))
			continue
		}
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
			continue
		}
		values[key] = value
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Sprintf("missing required metadata fields: %s", strings.Join(missing, ", ")))
	}

	doc.Name = values["name"]
	doc.Version = values["version"]
	doc.Description = values["description"]

	if doc.Name != "" && !namePattern.MatchString(doc.Name) {
		errs = append(errs, fmt.Sprintf("name %q must be a single path segment of letters, digits, '.', '_' or '-'", doc.Name))
	}

	if doc.Version != "" && !versionPattern.MatchString(doc.Version) {
		warnings = append(warnings, fmt.Sprintf("version %q does not follow the major.minor[.patch] format", doc.Version))
	}

	if node, ok := lookup(fields, "integrations"); ok {
		integrations, err := stringList(node)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			doc.Integrations = integrations
		}
	}

	return doc, errs, warnings
}

func stringList(node *yaml.Node) ([]string, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("metadata field \"integrations\" must be a list")
	}
	list := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		s, ok := scalar(item)
		if !ok {
			return nil, fmt.Errorf("metadata field \"integrations\" must only contain strings")
		}
		list = append(list, s)
	}
	return list, nil
}
