package appspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

func TestMerge_UserFileWins(t *testing.T) {
	generated := []domain.FileEntry{
		{Path: "package.json", Content: "generated pkg"},
		{Path: "index.js", Content: "generated index"},
		{Path: "db.js", Content: "generated db"},
	}
	user := []domain.FileEntry{
		{Path: "coderunner.yaml", Content: "name: todo"},
		{Path: "index.js", Content: "user index"},
	}

	merged := Merge(generated, user)

	require.Len(t, merged, 4)
	assert.Equal(t, []string{"package.json", "index.js", "db.js", "coderunner.yaml"}, paths(merged))
	assert.Equal(t, "user index", merged[1].Content)
	assert.Equal(t, "generated index", generated[1].Content, "inputs are not modified")
}

func TestMerge_EquivalentPathsCollide(t *testing.T) {
	generated := []domain.FileEntry{{Path: "index.js", Content: "generated"}}
	user := []domain.FileEntry{{Path: "./index.js", Content: "user"}}

	merged := Merge(generated, user)

	require.Len(t, merged, 1)
	assert.Equal(t, "index.js", merged[0].Path)
	assert.Equal(t, "user", merged[0].Content)
}

func TestMerge_Empty(t *testing.T) {
	assert.Empty(t, Merge(nil, nil))

	user := []domain.FileEntry{{Path: "a.txt", Content: "a"}}
	assert.Equal(t, user, Merge(nil, user))
}

func paths(files []domain.FileEntry) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}
