package metadata

import "strings"

// NormalizeTag strips a leading '#' marker, collapses inner whitespace and
// lowercases. An empty result means the token carries no tag.
func NormalizeTag(in string) string {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(in), "#"))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.Join(fields, " "))
}

// NormalizeTags normalizes and de-duplicates tags, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := NormalizeTag(t)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
