package appspec

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// DefaultPort is the port generated applications listen on without PORT set.
const DefaultPort = 3000

// ExpressVersion is the Express range written to package.json.
const ExpressVersion = "^4.19.2"

// Generated file paths, in emission order.
const (
	FilePackageJSON = "package.json"
	FileIndex       = "index.js"
	FileDB          = "db.js"
	FileEnvExample  = ".env.example"
	FileAPIDoc      = "API.md"
	FileOpenAPI     = "openapi.json"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("appspec").ParseFS(templateFS, "templates/*.tmpl"))

// =============================================================================
// Output Types
// =============================================================================

// FileSet is the output of a generation run.
type FileSet struct {
	Files     []domain.FileEntry `json:"files"`
	Resources []Resource         `json:"resources"`
	Warnings  []Warning          `json:"warnings,omitempty"`

	// GeneratedAt is the only time-dependent field. Generate leaves it zero;
	// callers stamp it when they persist the result.
	GeneratedAt time.Time `json:"generated_at,omitempty"`
}

// Resource describes the routes generated for one entity.
type Resource struct {
	Entity string  `json:"entity" yaml:"entity"`
	Path   string  `json:"path" yaml:"path"`
	Routes []Route `json:"routes" yaml:"routes"`
}

// Route is one generated HTTP route.
type Route struct {
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
}

// File returns the generated file at path, if present.
func (fs *FileSet) File(path string) (domain.FileEntry, bool) {
	for _, f := range fs.Files {
		if f.Path == path {
			return f, true
		}
	}
	return domain.FileEntry{}, false
}

// =============================================================================
// Generation
// =============================================================================

// Generate parses a YAML or JSON spec and produces the application files.
// Invalid specs fail with *domain.ValidationError before anything is emitted.
func Generate(source string) (*FileSet, error) {
	spec, warnings, err := Parse(source)
	if err != nil {
		return nil, err
	}

	return build(spec, warnings)
}

func build(spec *Spec, warnings []Warning) (*FileSet, error) {
	view, err := newAppView(spec)
	if err != nil {
		return nil, err
	}

	fs := &FileSet{Warnings: warnings}

	pkg, err := packageManifest(spec)
	if err != nil {
		return nil, err
	}
	fs.add(FilePackageJSON, pkg)

	for _, t := range []struct {
		path string
		tmpl string
	}{
		{FileIndex, "index.js.tmpl"},
		{FileDB, "db.js.tmpl"},
		{FileEnvExample, "env.example.tmpl"},
		{FileAPIDoc, "api.md.tmpl"},
	} {
		content, err := render(t.tmpl, view)
		if err != nil {
			return nil, err
		}
		fs.add(t.path, content)
	}

	doc, err := openAPIDocument(spec)
	if err != nil {
		return nil, err
	}
	fs.add(FileOpenAPI, doc)

	for _, e := range spec.Entities {
		res := ResourceName(e.Name)
		fs.Resources = append(fs.Resources, Resource{
			Entity: e.Name,
			Path:   "/" + res,
			Routes: []Route{
				{Method: "GET", Path: "/" + res},
				{Method: "POST", Path: "/" + res},
				{Method: "GET", Path: "/" + res + "/:id"},
				{Method: "PUT", Path: "/" + res + "/:id"},
				{Method: "DELETE", Path: "/" + res + "/:id"},
			},
		})
	}

	return fs, nil
}

func (fs *FileSet) add(path, content string) {
	fs.Files = append(fs.Files, domain.FileEntry{Path: path, Content: content})
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", &domain.InternalError{Op: "render " + name, Err: err}
	}
	return buf.String(), nil
}

// =============================================================================
// Template Views
// =============================================================================

type appView struct {
	Name            string
	Slug            string
	Title           string
	Port            int
	CollectionsJSON string
	Entities        []entityView
}

type entityView struct {
	Name          string
	Label         string
	Resource      string
	Anchor        string
	SchemaJSON    string
	RequiredList  string
	InputExample  string
	RecordExample string
	Fields        []fieldView
}

type fieldView struct {
	Name     string
	Type     FieldType
	Required bool
	Rules    string
}

// fieldSchema is the per-field rule set embedded in index.js.
type fieldSchema struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Required  bool     `json:"required"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MinLength *float64 `json:"minLength,omitempty"`
	MaxLength *float64 `json:"maxLength,omitempty"`
	Pattern   *string  `json:"pattern,omitempty"`
	Enum      []any    `json:"enum,omitempty"`
	Default   any      `json:"default"`
}

func newAppView(spec *Spec) (*appView, error) {
	view := &appView{
		Name:  spec.Name,
		Slug:  domain.Slugify(spec.Name, 0),
		Title: titleCase(spec.Name),
		Port:  DefaultPort,
	}

	collections := make([]string, 0, len(spec.Entities))
	for i, e := range spec.Entities {
		ev, err := newEntityView(e)
		if err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		view.Entities = append(view.Entities, ev)
		collections = append(collections, ev.Resource)
	}

	raw, err := json.Marshal(collections)
	if err != nil {
		return nil, &domain.InternalError{Op: "encode collections", Err: err}
	}
	view.CollectionsJSON = string(raw)
	return view, nil
}

func newEntityView(e Entity) (entityView, error) {
	res := ResourceName(e.Name)
	ev := entityView{
		Name:     e.Name,
		Label:    strings.Join(splitWords(e.Name), " "),
		Resource: res,
		Anchor:   strings.ToLower(e.Name),
	}

	schema := make([]fieldSchema, 0, len(e.Fields))
	var required []string
	for _, f := range e.Fields {
		fs := fieldSchema{
			Name:     f.Name,
			Type:     f.Type.info().check,
			Required: f.Required,
			Default:  defaultValue(f),
		}
		if f.Type.Numeric() {
			fs.Min = optNumber(f, ConstraintMin)
			fs.Max = optNumber(f, ConstraintMax)
		}
		if f.Type.Stringy() {
			fs.MinLength = optNumber(f, ConstraintMinLength)
			fs.MaxLength = optNumber(f, ConstraintMaxLength)
			if p, ok := f.Constraints[ConstraintPattern].(string); ok {
				fs.Pattern = &p
			}
		}
		if list, ok := f.Constraints[ConstraintEnum].([]any); ok {
			fs.Enum = list
		}
		schema = append(schema, fs)

		if f.Required {
			required = append(required, "`"+f.Name+"`")
		}
		ev.Fields = append(ev.Fields, fieldView{
			Name:     f.Name,
			Type:     f.Type,
			Required: f.Required,
			Rules:    describeRules(fs),
		})
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return ev, &domain.ValidationError{Reason: "constraint values are not JSON encodable: " + err.Error(), Location: "entity " + e.Name}
	}
	ev.SchemaJSON = string(raw)

	if len(required) == 0 {
		ev.RequiredList = "none"
	} else {
		ev.RequiredList = strings.Join(required, ", ")
	}

	ev.InputExample = exampleObject(e.Fields, false)
	ev.RecordExample = exampleObject(e.Fields, true)
	return ev, nil
}

// defaultValue applies the default policy: an explicit default constraint,
// else the type's zero (false for booleans), else null.
func defaultValue(f Field) any {
	if v, ok := f.Constraints[ConstraintDefault]; ok {
		return v
	}
	return f.Type.info().zero
}

func optNumber(f Field, key string) *float64 {
	if n, ok := f.number(key); ok {
		return &n
	}
	return nil
}

func describeRules(fs fieldSchema) string {
	var rules []string
	switch fs.Type {
	case "email", "url", "date", "datetime":
		rules = append(rules, fs.Type+" format")
	case "integer":
		rules = append(rules, "whole number")
	}
	if fs.Min != nil {
		rules = append(rules, "min "+formatNumber(*fs.Min))
	}
	if fs.Max != nil {
		rules = append(rules, "max "+formatNumber(*fs.Max))
	}
	if fs.MinLength != nil {
		rules = append(rules, "minLength "+formatNumber(*fs.MinLength))
	}
	if fs.MaxLength != nil {
		rules = append(rules, "maxLength "+formatNumber(*fs.MaxLength))
	}
	if fs.Pattern != nil {
		rules = append(rules, "pattern `"+*fs.Pattern+"`")
	}
	if len(fs.Enum) > 0 {
		vals := make([]string, 0, len(fs.Enum))
		for _, v := range fs.Enum {
			vals = append(vals, fmt.Sprint(v))
		}
		rules = append(rules, "one of "+strings.Join(vals, ", "))
	}
	if !fs.Required && fs.Default != nil {
		raw, _ := json.Marshal(fs.Default)
		rules = append(rules, "default `"+string(raw)+"`")
	}
	if len(rules) == 0 {
		return "-"
	}
	return strings.Join(rules, "; ")
}

func formatNumber(n float64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

var exampleValues = map[FieldType]any{
	TypeText:     "example",
	TypeNumber:   1.5,
	TypeInteger:  1,
	TypeBoolean:  true,
	TypeDate:     "2024-01-31",
	TypeDateTime: "2024-01-31T12:00:00.000Z",
	TypeEmail:    "user@example.com",
	TypeURL:      "https://example.com",
	TypeJSON:     map[string]any{},
}

func exampleValue(f Field) any {
	if list, ok := f.Constraints[ConstraintEnum].([]any); ok && len(list) > 0 {
		return list[0]
	}
	if f.Type.Numeric() {
		if n, ok := f.number(ConstraintMin); ok {
			return n
		}
	}
	return exampleValues[f.Type]
}

// exampleObject renders a JSON object with keys in field order.
func exampleObject(fields []Field, record bool) string {
	var lines []string
	if record {
		lines = append(lines, `  "id": "3f2b8c1e-9a4d-4b7e-8f21-0c9d5e6a7b8c"`)
	}
	for _, f := range fields {
		raw, err := json.Marshal(exampleValue(f))
		if err != nil {
			raw = []byte("null")
		}
		lines = append(lines, fmt.Sprintf("  %q: %s", f.Name, raw))
	}
	if record {
		lines = append(lines,
			`  "createdAt": "2024-01-31T12:00:00.000Z"`,
			`  "updatedAt": "2024-01-31T12:00:00.000Z"`,
		)
	}
	if len(lines) == 0 {
		return "{}"
	}
	return "{\n" + strings.Join(lines, ",\n") + "\n}"
}

// =============================================================================
// Manifest
// =============================================================================

type packageJSON struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Private      bool              `json:"private"`
	Description  string            `json:"description"`
	Main         string            `json:"main"`
	Scripts      map[string]string `json:"scripts"`
	Dependencies map[string]string `json:"dependencies"`
	Engines      map[string]string `json:"engines"`
}

func packageManifest(spec *Spec) (string, error) {
	pkg := packageJSON{
		Name:         domain.Slugify(spec.Name, 214),
		Version:      "1.0.0",
		Private:      true,
		Description:  "Generated REST API for " + spec.Name,
		Main:         FileIndex,
		Scripts:      map[string]string{"start": "node index.js"},
		Dependencies: map[string]string{"express": ExpressVersion},
		Engines:      map[string]string{"node": ">=18"},
	}
	raw, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return "", &domain.InternalError{Op: "encode package.json", Err: err}
	}
	return string(raw) + "\n", nil
}

func titleCase(s string) string {
	words := splitWords(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
