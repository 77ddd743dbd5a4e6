package skill

import (
	"regexp"
)

// Detector flags content that looks like a credential. Only the detector name is
// ever reported, never the matched text.
type Detector struct {
	Name    string
	Pattern *regexp.Regexp
}

func detector(name, pattern string) Detector {
	return Detector{Name: name, Pattern: regexp.MustCompile(pattern)}
}

// DefaultDetectors covers API keys, access tokens, private key markers and webhook secrets.
var DefaultDetectors = []Detector{
	detector("anthropic_api_key", `sk-ant-[A-Za-z0-9_\-]{20,}`),
	detector("openai_api_key", `\bsk-(?:proj-)?[A-Za-z0-9]{32,}`),
	detector("aws_access_key", `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
	detector("github_token", `\b(?:gh[pousr]_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{22,})`),
	detector("slack_token", `\bxox[abprs]-[A-Za-z0-9\-]{10,}`),
	detector("google_api_key", `\bAIza[0-9A-Za-z_\-]{35}\b`),
	detector("stripe_key", `\b(?:sk|rk)_live_[0-9A-Za-z]{24,}`),
	detector("private_key", `-----BEGIN (?:[A-Z0-9]+ )*PRIVATE KEY(?: BLOCK)?-----`),
	detector("slack_webhook", `https://hooks\.slack\.com/services/[A-Za-z0-9_/]+`),
	detector("webhook_secret", `(?i)webhook[_\-]?secret["']?\s*[:=]\s*["']?[A-Za-z0-9_\-+/=]{16,}`),
}

// examplesHeader marks where illustrative content starts. Secret detection stops
// there, since examples legitimately contain fake credentials.
var examplesHeader = regexp.MustCompile(`(?m)^#{1,6}[ \t]+Examples[ \t]*\r?$`)

// scannable returns the metadata block and the part of the body that precedes
// the Examples section. The header only counts in the body, where it cannot be
// a YAML comment. Documents without a metadata block are scanned whole.
func scannable(content []byte) []byte {
	_, body, err := splitMetadata(content)
	if err != nil {
		return content
	}
	loc := examplesHeader.FindIndex(body)
	if loc == nil {
		return content
	}
	// body is a suffix of content.
	return content[:len(content)-len(body)+loc[0]]
}

// detectSecrets returns the names of all detectors that match, in detector order.
func detectSecrets(content []byte, detectors []Detector) []string {
	region := scannable(content)
	var matched []string
	for _, d := range detectors {
		if d.Pattern.Match(region) {
			matched = append(matched, d.Name)
		}
	}
	return matched
}
