package appspec

import "github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"

// Merge combines generated files with user-submitted files. A user file
// replaces the generated file at the same path in place; remaining user files
// follow in their submitted order. Neither input is modified.
func Merge(generated, user []domain.FileEntry) []domain.FileEntry {
	overrides := make(map[string]domain.FileEntry, len(user))
	for _, f := range user {
		overrides[mergeKey(f.Path)] = f
	}

	out := make([]domain.FileEntry, 0, len(generated)+len(user))
	used := make(map[string]bool, len(user))
	for _, g := range generated {
		key := mergeKey(g.Path)
		if u, ok := overrides[key]; ok {
			out = append(out, domain.FileEntry{Path: g.Path, Content: u.Content})
			used[key] = true
			continue
		}
		out = append(out, g)
	}

	for _, u := range user {
		key := mergeKey(u.Path)
		if used[key] {
			continue
		}
		used[key] = true
		out = append(out, u)
	}
	return out
}

func mergeKey(p string) string {
	if clean, err := domain.CleanPath(p); err == nil {
		return clean
	}
	return p
}
