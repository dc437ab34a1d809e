package appspec

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

const taskSpec = `
name: todo
entities:
  - name: Task
    fields:
      - {name: title, type: text, required: true, constraints: {maxLength: 200}}
      - {name: done, type: boolean}
`

// =============================================================================
// Generate Tests
// =============================================================================

func TestGenerate_TaskScenario(t *testing.T) {
	fs, err := Generate(taskSpec)
	require.NoError(t, err)

	assert.Equal(t, []string{
		FilePackageJSON, FileIndex, FileDB, FileEnvExample, FileAPIDoc, FileOpenAPI,
	}, paths(fs.Files))
	assert.True(t, fs.GeneratedAt.IsZero())

	require.Len(t, fs.Resources, 1)
	assert.Equal(t, "/tasks", fs.Resources[0].Path)
	assert.Equal(t, []Route{
		{Method: "GET", Path: "/tasks"},
		{Method: "POST", Path: "/tasks"},
		{Method: "GET", Path: "/tasks/:id"},
		{Method: "PUT", Path: "/tasks/:id"},
		{Method: "DELETE", Path: "/tasks/:id"},
	}, fs.Resources[0].Routes)

	index, ok := fs.File(FileIndex)
	require.True(t, ok)
	for _, route := range []string{
		"app.get('/tasks',",
		"app.post('/tasks',",
		"app.get('/tasks/:id',",
		"app.put('/tasks/:id',",
		"app.delete('/tasks/:id',",
		"app.get('/health',",
	} {
		assert.Contains(t, index.Content, route)
	}
	assert.Contains(t, index.Content, `{"name":"title","type":"text","required":true,"maxLength":200,"default":null}`)
	assert.Contains(t, index.Content, `{"name":"done","type":"boolean","required":false,"default":false}`)
	assert.Contains(t, index.Content, `error: 'validation failed'`)

	db, ok := fs.File(FileDB)
	require.True(t, ok)
	assert.Contains(t, db.Content, `const COLLECTIONS = ["tasks"];`)
	assert.Contains(t, db.Content, "crypto.randomUUID()")
	assert.Contains(t, db.Content, "createdAt: now, updatedAt: now")

	env, ok := fs.File(FileEnvExample)
	require.True(t, ok)
	assert.Contains(t, env.Content, "PORT=3000")
	assert.Contains(t, env.Content, "DATA_FILE=")

	doc, ok := fs.File(FileAPIDoc)
	require.True(t, ok)
	for _, heading := range []string{
		"### GET /tasks\n", "### POST /tasks\n", "### GET /tasks/:id",
		"### PUT /tasks/:id", "### DELETE /tasks/:id",
	} {
		assert.Contains(t, doc.Content, heading)
	}
	assert.Contains(t, doc.Content, "| `title` | text | yes | maxLength 200 |")
	assert.Contains(t, doc.Content, "Required fields: `title`.")
}

func TestGenerate_PackageManifest(t *testing.T) {
	fs, err := Generate(taskSpec)
	require.NoError(t, err)

	f, ok := fs.File(FilePackageJSON)
	require.True(t, ok)

	var pkg struct {
		Name         string            `json:"name"`
		Main         string            `json:"main"`
		Scripts      map[string]string `json:"scripts"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal([]byte(f.Content), &pkg))
	assert.Equal(t, "todo", pkg.Name)
	assert.Equal(t, "index.js", pkg.Main)
	assert.Equal(t, "node index.js", pkg.Scripts["start"])
	assert.Equal(t, ExpressVersion, pkg.Dependencies["express"])
}

func TestGenerate_Deterministic(t *testing.T) {
	spec := `
name: Shop Front
entities:
  - name: Product
    fields:
      - {name: sku, type: text, required: true, constraints: {pattern: "^[A-Z0-9-]+$", minLength: 3}}
      - {name: price, type: number, required: true, constraints: {min: 0, max: 10000}}
      - {name: stock, type: integer, constraints: {min: 0, default: 0}}
      - {name: status, type: text, constraints: {enum: [draft, live, retired]}}
      - {name: meta, type: json}
  - name: OrderItem
    fields:
      - {name: email, type: email, required: true}
      - {name: site, type: url}
      - {name: shipOn, type: date}
      - {name: paidAt, type: datetime}
`
	first, err := Generate(spec)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := Generate(spec)
		require.NoError(t, err)
		assert.Equal(t, first.Files, again.Files)
	}
}

func TestGenerate_JSONSource(t *testing.T) {
	src := `{"name":"notes","entities":[{"name":"Note","fields":[{"name":"body","type":"text","required":true}]}]}`

	fs, err := Generate(src)
	require.NoError(t, err)
	assert.Equal(t, "/notes", fs.Resources[0].Path)
}

func TestGenerate_UnknownTypeFallsBackToText(t *testing.T) {
	fs, err := Generate(`
name: x
entities:
  - name: Thing
    fields:
      - {name: colour, type: rgb}
`)
	require.NoError(t, err)

	require.Len(t, fs.Warnings, 1)
	assert.Equal(t, "entities[0].fields[0]", fs.Warnings[0].Location)
	assert.Contains(t, fs.Warnings[0].Message, `unknown type "rgb"`)

	index, _ := fs.File(FileIndex)
	assert.Contains(t, index.Content, `{"name":"colour","type":"text"`)
}

func TestGenerate_InvalidSpecs(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		location string
	}{
		{"empty document", "  ", "document"},
		{"unparsable", "name: [unclosed", "document"},
		{"zero entities", "name: x\nentities: []\n", "entities"},
		{
			"duplicate entity",
			"entities:\n  - name: Task\n    fields: [{name: a}]\n  - name: Task\n    fields: [{name: b}]\n",
			"entities[1]",
		},
		{
			"duplicate field",
			"entities:\n  - name: Task\n    fields: [{name: a}, {name: a, type: number}]\n",
			"entities[0].fields[1]",
		},
		{"reserved entity", "entities:\n  - name: Health\n    fields: [{name: a}]\n", "entities[0]"},
		{"invalid entity name", "entities:\n  - name: 9lives\n    fields: [{name: a}]\n", "entities[0]"},
		{"managed field", "entities:\n  - name: Task\n    fields: [{name: id}]\n", "entities[0].fields[0]"},
		{
			"plural collision",
			"entities:\n  - name: Task\n    fields: [{name: a}]\n  - name: task\n    fields: [{name: a}]\n",
			"entities[1]",
		},
		{
			"bad constraint",
			"entities:\n  - name: Task\n    fields: [{name: n, type: number, constraints: {min: lots}}]\n",
			"entities[0].fields[0].constraints.min",
		},
		{
			"unparseable pattern",
			"entities:\n  - name: Task\n    fields: [{name: code, constraints: {pattern: \"[a-z\"}}]\n",
			"entities[0].fields[0].constraints.pattern",
		},
		{
			"inverted range",
			"entities:\n  - name: Task\n    fields: [{name: n, type: integer, constraints: {min: 5, max: 1}}]\n",
			"entities[0].fields[0].constraints",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, err := Generate(tt.source)
			assert.Nil(t, fs)

			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.location, verr.Location)
		})
	}
}

func TestGenerate_ConstraintWarnings(t *testing.T) {
	fs, err := Generate(`
entities:
  - name: Task
    fields:
      - {name: title, type: text, constraints: {min: 1, colour: red}}
`)
	require.NoError(t, err)

	var msgs []string
	for _, w := range fs.Warnings {
		msgs = append(msgs, w.String())
	}
	assert.Equal(t, []string{
		`entities[0].fields[0].constraints.colour: unknown constraint "colour" ignored`,
		"entities[0].fields[0].constraints.min: min ignored for text field",
	}, msgs)
}

// =============================================================================
// OpenAPI Tests
// =============================================================================

func TestGenerate_OpenAPIDocumentLoadsAndValidates(t *testing.T) {
	fs, err := Generate(taskSpec)
	require.NoError(t, err)

	f, ok := fs.File(FileOpenAPI)
	require.True(t, ok)

	doc, err := openapi3.NewLoader().LoadFromData([]byte(f.Content))
	require.NoError(t, err)
	require.NoError(t, doc.Validate(context.Background()))

	for _, p := range []string{"/health", "/tasks", "/tasks/{id}"} {
		assert.NotNil(t, doc.Paths.Value(p), p)
	}
	item := doc.Paths.Value("/tasks/{id}")
	assert.NotNil(t, item.Get)
	assert.NotNil(t, item.Put)
	assert.NotNil(t, item.Delete)

	input := doc.Components.Schemas["TaskInput"].Value
	assert.Equal(t, []string{"title"}, input.Required)
	require.NotNil(t, input.Properties["title"].Value.MaxLength)
	assert.Equal(t, uint64(200), *input.Properties["title"].Value.MaxLength)
}

func TestGenerate_NoWallClockContent(t *testing.T) {
	fs, err := Generate(taskSpec)
	require.NoError(t, err)

	for _, f := range fs.Files {
		assert.False(t, strings.Contains(f.Content, "2025-") || strings.Contains(f.Content, "2026-"),
			"%s embeds a current date", f.Path)
	}
}
