package domain

import "strings"

// =============================================================================
// Slug Generation
// =============================================================================

// Slugify converts a name to a lowercase DNS-label-safe slug.
//
// Letters and digits are kept (lowercased), runs of anything else become a
// single hyphen, and leading/trailing hyphens are trimmed. The result is cut
// to maxLen characters when maxLen > 0.
//
// Example:
//
//	Slugify("Todo App", 0)     // returns "todo-app"
//	Slugify("My App 2.0!", 0)  // returns "my-app-2-0"
func Slugify(name string, maxLen int) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}

	slug := b.String()
	if maxLen > 0 && len(slug) > maxLen {
		slug = strings.TrimRight(slug[:maxLen], "-")
	}
	return slug
}

// SandboxName returns the provider-side name for a deployment's sandbox.
func SandboxName(prefix, deploymentID string) string {
	short := Slugify(deploymentID, 0)
	short = strings.ReplaceAll(short, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return Slugify(prefix, 20) + "-" + short
}
