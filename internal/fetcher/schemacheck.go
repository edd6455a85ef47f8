package fetcher

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"purpletrace/internal/elastic"
)

// MappingClient fetches index field mappings.
type MappingClient interface {
	GetMapping(ctx context.Context, index string) (map[string]map[string]elastic.Property, error)
}

// DriftError reports required field paths missing from the live index
// mapping, naming every missing path so the fix is actionable.
type DriftError struct {
	Index   string
	Missing []string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf(
		"schema validation failed for index %s - missing required fields: %s. Check the tagging side or update field_mappings in config",
		e.Index, strings.Join(e.Missing, ", "))
}

// ValidateSchema checks that every required dotted field path (one level of
// nesting supported) exists in the mapping of the first index matching the
// pattern. No matching indices means nothing to validate yet, not an error.
// Callers treat a DriftError as loud but non-fatal: the query proceeds and
// may return degraded results.
func ValidateSchema(ctx context.Context, client MappingClient, pattern string, required []string) error {
	mappings, err := client.GetMapping(ctx, pattern)
	if err != nil {
		return fmt.Errorf("mapping fetch failed: %w", err)
	}
	if len(mappings) == 0 {
		return nil
	}

	// Indices sharing the pattern share the schema; inspect the first.
	names := make([]string, 0, len(mappings))
	for name := range mappings {
		names = append(names, name)
	}
	sort.Strings(names)
	first := names[0]
	properties := mappings[first]

	var missing []string
	for _, path := range required {
		if !hasFieldPath(properties, path) {
			missing = append(missing, path)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return &DriftError{Index: first, Missing: missing}
	}
	return nil
}

// hasFieldPath resolves a dotted path against mapping properties.
func hasFieldPath(properties map[string]elastic.Property, path string) bool {
	parent, child, nested := strings.Cut(path, ".")

	prop, ok := properties[parent]
	if !ok {
		return false
	}
	if !nested {
		return true
	}
	if prop.Properties == nil {
		return false
	}
	_, ok = prop.Properties[child]
	return ok
}
