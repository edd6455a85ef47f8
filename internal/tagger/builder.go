// Package tagger turns executed operations into sanitized tag documents and
// delivers them to the backend index, falling back to local files when the
// backend is unreachable.
package tagger

import (
	"time"

	"purpletrace/internal/schema"
)

const (
	// maxTechniques caps the deduplicated technique list per document. The
	// pre-truncation count is preserved in purple.technique_count.
	maxTechniques = 500

	// Token sub-lists are capped independently so the flat tags list stays
	// bounded regardless of the main list caps.
	maxTechniqueTokens = 50
	maxTacticTokens    = 20

	// maxAbilities caps the legacy ability-name list.
	maxAbilities = 100
)

// constantTokens are always present in the tags list for dashboard filtering.
var constantTokens = []string{"purple_team", "attack_emulation", "simulation"}

// BuildDocument builds a tag document from an operation snapshot. It is a
// pure function of the record: absent ability fields contribute nothing, and
// no I/O happens here. Output must still pass through Sanitize before it
// reaches the backend or a fallback file.
func BuildDocument(op *schema.Operation, now time.Time) *schema.TagDocument {
	var techniques, tactics, abilityNames []string

	for _, link := range op.Chain {
		if link.Ability == nil {
			continue
		}
		if link.Ability.TechniqueID != "" {
			techniques = append(techniques, link.Ability.TechniqueID)
		}
		if link.Ability.Tactic != "" {
			tactics = append(tactics, link.Ability.Tactic)
		}
		if link.Ability.Name != "" {
			abilityNames = append(abilityNames, link.Ability.Name)
		}
	}

	techniques = dedupe(techniques)
	tactics = dedupe(tactics)

	techniqueCount := len(techniques)
	if len(techniques) > maxTechniques {
		techniques = techniques[:maxTechniques]
	}
	if len(abilityNames) > maxAbilities {
		abilityNames = abilityNames[:maxAbilities]
	}

	doc := &schema.TagDocument{
		Timestamp: schema.NewTimestamp(now),
		Purple: schema.PurpleTags{
			Techniques:      techniques,
			Tactics:         tactics,
			OperationID:     op.ID,
			OperationName:   op.Name,
			AgentID:         op.Group,
			DetectionStatus: string(schema.VerdictPending),
			AbilityCount:    len(abilityNames),
			TechniqueCount:  techniqueCount,
			Status:          op.State,
		},
		Tags:          buildTokens(techniques, tactics),
		OperationID:   op.ID,
		OperationName: op.Name,
		PurpleTeam:    true,
		ClientID:      op.Group,
		Techniques:    techniques,
		Tactics:       tactics,
		Abilities:     abilityNames,
		Severity:      "low",
		AutoClose:     true,
		AgentCount:    op.AgentCount,
		Status:        op.State,
	}

	if len(techniques) > 0 {
		doc.Purple.Technique = techniques[0]
	}
	if len(tactics) > 0 {
		doc.Purple.Tactic = tactics[0]
	}

	return doc
}

// BuildStepDocument builds a tag document for a single executed link,
// attaching step-specific fields on top of the operation-level document.
// Captured output is passed in already read and capped by the caller.
func BuildStepDocument(link *schema.Link, op *schema.Operation, stdout, stderr string, now time.Time) *schema.TagDocument {
	doc := BuildDocument(op, now)

	doc.Link = &schema.LinkTags{
		ID:       link.ID,
		Executor: link.Executor,
		Platform: link.Platform,
		Status:   schema.LabelForStatus(link.Status),
		Stdout:   stdout,
		Stderr:   stderr,
	}
	if !link.Finished.IsZero() {
		doc.Link.Finished = schema.NewTimestamp(link.Finished)
	}

	if link.Ability != nil {
		if link.Ability.TechniqueID != "" {
			doc.Purple.Technique = link.Ability.TechniqueID
		}
		if link.Ability.Tactic != "" {
			doc.Purple.Tactic = link.Ability.Tactic
		}
	}

	return doc
}

// dedupe removes exact duplicates. Insertion order of survivors is preserved
// even though callers do not rely on it.
func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// buildTokens builds the flat filter-token list, capping each source list
// independently.
func buildTokens(techniques, tactics []string) []string {
	tokens := make([]string, 0, len(constantTokens)+maxTechniqueTokens+maxTacticTokens)
	tokens = append(tokens, constantTokens...)

	n := len(techniques)
	if n > maxTechniqueTokens {
		n = maxTechniqueTokens
	}
	for _, t := range techniques[:n] {
		tokens = append(tokens, "purple_"+t)
	}

	n = len(tactics)
	if n > maxTacticTokens {
		n = maxTacticTokens
	}
	for _, tac := range tactics[:n] {
		tokens = append(tokens, "purple_"+tac)
	}

	return tokens
}
