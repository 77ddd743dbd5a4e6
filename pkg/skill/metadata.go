package skill

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// maxMetadataSize limits the metadata block to prevent YAML parsing attacks.
const maxMetadataSize = 64 * 1024

var (
	delimiter = []byte("---")

	ErrNoMetadata          = errors.New("document must begin with a metadata block delimited by '---'")
	ErrUnterminatedMeta    = errors.New("metadata block is missing its closing '---' delimiter")
	ErrMetadataNotMapping  = errors.New("metadata must be a key/value mapping")
	ErrMetadataTooLarge    = fmt.Errorf("metadata block exceeds maximum size of %d bytes", maxMetadataSize)
	ErrMetadataAlias       = errors.New("metadata must not use YAML anchors or aliases")
	ErrMetadataNonScalarID = errors.New("metadata keys must be plain strings")
)

// Only the YAML core schema is accepted; any other tag would ask the decoder to
// construct an application-defined type.
var allowedTags = map[string]bool{
	"!!str":       true,
	"!!int":       true,
	"!!float":     true,
	"!!bool":      true,
	"!!null":      true,
	"!!seq":       true,
	"!!map":       true,
	"!!timestamp": true,
}

// splitMetadata separates the metadata block from the body. The first line must be
// exactly '---', and the block ends at the next line consisting of '---'.
func splitMetadata(content []byte) (meta, body []byte, err error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	content = bytes.TrimLeft(content, " \t\r\n")

	if !bytes.HasPrefix(content, delimiter) {
		return nil, nil, ErrNoMetadata
	}

	nl := bytes.IndexByte(content, '\n')
	if nl < 0 {
		return nil, nil, ErrUnterminatedMeta
	}
	if !isDelimiter(content[:nl]) {
		return nil, nil, ErrNoMetadata
	}

	rest := content[nl+1:]
	offset := 0
	for offset <= len(rest) {
		end := bytes.IndexByte(rest[offset:], '\n')
		var line []byte
		if end < 0 {
			line = rest[offset:]
		} else {
			line = rest[offset : offset+end]
		}

		if isDelimiter(line) {
			meta = rest[:offset]
			if end >= 0 {
				body = rest[offset+end+1:]
			}
			if len(meta) > maxMetadataSize {
				return nil, nil, ErrMetadataTooLarge
			}
			return meta, body, nil
		}

		if end < 0 {
			break
		}
		offset += end + 1
	}

	return nil, nil, ErrUnterminatedMeta
}

func isDelimiter(line []byte) bool {
	return bytes.Equal(bytes.TrimRight(line, " \t\r"), delimiter)
}

// field is one top-level metadata entry.
type field struct {
	key  string
	node *yaml.Node
}

// parseMetadata decodes the metadata block into its top-level fields. The block is
// decoded into a yaml.Node tree, never into Go values, and rejected if it uses
// anchors, aliases or tags outside the core schema.
func parseMetadata(meta []byte) ([]field, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(meta, &root); err != nil {
		return nil, fmt.Errorf("parsing metadata YAML: %w", err)
	}

	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, ErrMetadataNotMapping
	}

	mapping := root.Content[0]
	if err := checkNode(mapping); err != nil {
		return nil, err
	}
	if mapping.Kind != yaml.MappingNode {
		return nil, ErrMetadataNotMapping
	}

	fields := make([]field, 0, len(mapping.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, value := mapping.Content[i], mapping.Content[i+1]
		if key.Kind != yaml.ScalarNode {
			return nil, ErrMetadataNonScalarID
		}
		if seen[key.Value] {
			return nil, fmt.Errorf("duplicate metadata key %q", key.Value)
		}
		seen[key.Value] = true
		fields = append(fields, field{key: key.Value, node: value})
	}

	return fields, nil
}

func checkNode(node *yaml.Node) error {
	if node.Kind == yaml.AliasNode || node.Anchor != "" {
		return ErrMetadataAlias
	}
	if tag := node.ShortTag(); !allowedTags[tag] {
		return fmt.Errorf("metadata uses unsupported YAML tag %q", tag)
	}
	for _, child := range node.Content {
		if err := checkNode(child); err != nil {
			return err
		}
	}
	return nil
}

func lookup(fields []field, key string) (*yaml.Node, bool) {
	for _, f := range fields {
		if f.key == key {
			return f.node, true
		}
	}
	return nil, false
}

// scalar returns the verbatim text of a scalar node, so that `version: 1.0` stays
// "1.0" instead of being reinterpreted as a number.
func scalar(node *yaml.Node) (string, bool) {
	if node == nil || node.Kind != yaml.ScalarNode || node.ShortTag() == "!!null" {
		return "", false
	}
	return node.Value, true
}

// Inspect parses the metadata block of a document without any validation beyond
// what is needed to read name, version, description and integrations.
func Inspect(content []byte, filename string) (*Document, error) {
	meta, _, err := splitMetadata(content)
	if err != nil {
		return nil, err
	}
	fields, err := parseMetadata(meta)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Content:  content,
		Size:     len(content),
		Filename: filename,
	}
	if node, ok := lookup(fields, "name"); ok {
		doc.Name, _ = scalar(node)
	}
	if node, ok := lookup(fields, "version"); ok {
		doc.Version, _ = scalar(node)
	}
	if node, ok := lookup(fields, "description"); ok {
		doc.Description, _ = scalar(node)
	}
	if node, ok := lookup(fields, "integrations"); ok && node.Kind == yaml.SequenceNode {
		for _, item := range node.Content {
			if s, ok := scalar(item); ok {
				doc.Integrations = append(doc.Integrations, s)
			}
		}
	}

	return doc, nil
}
