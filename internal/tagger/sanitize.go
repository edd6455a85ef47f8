package tagger

import (
	"regexp"

	"purpletrace/internal/schema"
)

const (
	maxNameLength   = 200
	maxClientLength = 100
)

var (
	// nameStrip removes everything outside word characters, whitespace and
	// hyphens from free-text name fields.
	nameStrip = regexp.MustCompile(`[^\w\s-]`)

	// clientStrip removes everything outside word characters and hyphens
	// from the grouping/client label.
	clientStrip = regexp.MustCompile(`[^\w-]`)
)

// Sanitize scrubs a tag document in place and returns it. This is the sole
// injection defense before a value reaches a query or a persisted document,
// so it runs on every document regardless of origin. It never fails:
// entries that do not match are dropped, not replaced. Sanitizing an
// already-sanitized document is a no-op.
func Sanitize(doc *schema.TagDocument) *schema.TagDocument {
	doc.OperationName = cleanName(doc.OperationName)
	doc.ClientID = cleanClient(doc.ClientID)
	doc.Techniques = filterTechniques(doc.Techniques)
	doc.Tactics = filterTactics(doc.Tactics)
	doc.Abilities = cleanNames(doc.Abilities)

	doc.Purple.OperationName = doc.OperationName
	doc.Purple.AgentID = cleanClient(doc.Purple.AgentID)
	doc.Purple.Techniques = filterTechniques(doc.Purple.Techniques)
	doc.Purple.Tactics = filterTactics(doc.Purple.Tactics)
	doc.Purple.Technique = firstOrEmpty(doc.Purple.Techniques, doc.Purple.Technique)
	doc.Purple.Tactic = firstOrEmpty(doc.Purple.Tactics, doc.Purple.Tactic)

	// Rebuild the token list from the filtered lists: an identifier that
	// failed validation must not survive as a mangled token either.
	doc.Tags = buildTokens(doc.Techniques, doc.Tactics)

	if doc.Link != nil {
		doc.Link.Executor = cleanName(doc.Link.Executor)
		doc.Link.Platform = cleanName(doc.Link.Platform)
	}

	return doc
}

func cleanName(s string) string {
	s = nameStrip.ReplaceAllString(s, "")
	if len(s) > maxNameLength {
		s = s[:maxNameLength]
	}
	return s
}

func cleanNames(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = cleanName(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func cleanClient(s string) string {
	s = clientStrip.ReplaceAllString(s, "")
	if len(s) > maxClientLength {
		s = s[:maxClientLength]
	}
	return s
}

// filterTechniques allocates: the same backing array can be shared between
// the legacy and namespaced blocks, so in-place filtering would corrupt the
// second pass.
func filterTechniques(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if schema.ValidTechniqueID(v) {
			out = append(out, v)
		}
	}
	return out
}

func filterTactics(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if schema.ValidTactic(v) {
			out = append(out, v)
		}
	}
	return out
}

// firstOrEmpty keeps the convenience field consistent with its filtered
// list: dropped if its value no longer survives, first element otherwise.
func firstOrEmpty(filtered []string, current string) string {
	for _, v := range filtered {
		if v == current {
			return current
		}
	}
	if len(filtered) > 0 && current != "" {
		return filtered[0]
	}
	if current != "" {
		return ""
	}
	return current
}
