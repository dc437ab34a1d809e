// Package openapi builds the OpenAPI 3.0 document of the deployment API by
// reflecting on the JSON:API models.
package openapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

const mediaType = "application/vnd.api+json"

// =============================================================================
// Generator
// =============================================================================

// Generator produces an OpenAPI document from registered resources.
type Generator struct {
	title       string
	version     string
	description string
	servers     []string
	resources   []ResourceInfo
	mu          sync.RWMutex
	cachedSpec  *openapi3.T
}

// ResourceInfo describes a JSON:API resource served under /api/v1.
type ResourceInfo struct {
	Name         string // JSON:API type, e.g. "deployments"
	Model        any    // response attributes
	RequestModel any    // create attributes; Model when nil

	SupportsList   bool // GET /{type}
	SupportsFind   bool // GET /{type}/{id}
	SupportsCreate bool // POST /{type}
	SupportsDelete bool // DELETE /{type}/{id}

	Actions []Action
}

// Action is a custom endpoint below /{type}/{id}.
type Action struct {
	Name    string // path segment, e.g. "cancel"
	Method  string // http.MethodPost, http.MethodGet
	Summary string

	// Status is the success status, 200 when zero.
	Status int

	// ListOf, when set, makes the action return a collection of this type
	// instead of the resource itself.
	ListOf    string
	ListModel any

	// Errors lists the error statuses the action can return.
	Errors []int
}

// Option configures the generator.
type Option func(*Generator)

// WithTitle sets the API title.
func WithTitle(title string) Option {
	return func(g *Generator) {
		g.title = title
	}
}

// WithVersion sets the API version.
func WithVersion(version string) Option {
	return func(g *Generator) {
		g.version = version
	}
}

// WithDescription sets the API description.
func WithDescription(description string) Option {
	return func(g *Generator) {
		g.description = description
	}
}

// WithServer adds a server URL.
func WithServer(url string) Option {
	return func(g *Generator) {
		g.servers = append(g.servers, url)
	}
}

// NewGenerator creates a new OpenAPI generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		title:   "coderunner API",
		version: "1.0.0",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterResource adds a resource to the document.
func (g *Generator) RegisterResource(info ResourceInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resources = append(g.resources, info)
	g.cachedSpec = nil
}

// Generate returns the document, building it on first use.
func (g *Generator) Generate() *openapi3.T {
	g.mu.RLock()
	if spec := g.cachedSpec; spec != nil {
		g.mu.RUnlock()
		return spec
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cachedSpec != nil {
		return g.cachedSpec
	}

	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.title,
			Version:     g.version,
			Description: g.description,
		},
		Paths: &openapi3.Paths{},
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
		},
	}
	for _, url := range g.servers {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: url})
	}

	spec.Components.Schemas["Error"] = errorSchema()
	for _, res := range g.resources {
		g.addResource(spec, res)
	}

	g.cachedSpec = spec
	return spec
}

// Handler serves the document as JSON.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(g.Generate()); err != nil {
			http.Error(w, "failed to encode OpenAPI document", http.StatusInternalServerError)
		}
	}
}

// =============================================================================
// Paths
// =============================================================================

func (g *Generator) addResource(spec *openapi3.T, res ResourceInfo) {
	basePath := "/api/v1/" + res.Name
	name := schemaName(res.Name)

	addDocumentSchemas(spec, res.Name, name, res.Model)
	if res.RequestModel != nil {
		spec.Components.Schemas[name+"RequestAttributes"] = extractSchema(res.RequestModel)
	}

	collection := &openapi3.PathItem{}
	if res.SupportsList {
		collection.Get = operation("list"+capitalize(res.Name), "List "+res.Name, res.Name,
			responses(http.StatusOK, name+"List"))
	}
	if res.SupportsCreate {
		attrs := name + "Attributes"
		if res.RequestModel != nil {
			attrs = name + "RequestAttributes"
		}
		op := operation("create"+name, "Submit a "+singularize(res.Name), res.Name,
			responses(http.StatusCreated, name+"Document",
				http.StatusBadRequest, http.StatusTooManyRequests, http.StatusServiceUnavailable))
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithRequired(true).
				WithContent(openapi3.NewContentWithSchemaRef(requestSchema(res.Name, attrs), []string{mediaType})),
		}
		collection.Post = op
	}
	if collection.Get != nil || collection.Post != nil {
		spec.Paths.Set(basePath, collection)
	}

	item := &openapi3.PathItem{Parameters: openapi3.Parameters{idParameter()}}
	if res.SupportsFind {
		item.Get = operation("get"+name, "Get a "+singularize(res.Name), res.Name,
			responses(http.StatusOK, name+"Document", http.StatusNotFound))
	}
	if res.SupportsDelete {
		item.Delete = operation("delete"+name, "Destroy a "+singularize(res.Name), res.Name,
			responses(http.StatusOK, name+"Document", http.StatusNotFound, http.StatusConflict))
	}
	spec.Paths.Set(basePath+"/{id}", item)

	for _, a := range res.Actions {
		target := name + "Document"
		if a.ListOf != "" {
			listName := schemaName(a.ListOf)
			addDocumentSchemas(spec, a.ListOf, listName, a.ListModel)
			target = listName + "List"
		}
		status := a.Status
		if status == 0 {
			status = http.StatusOK
		}
		op := operation(a.Name+name, a.Summary, res.Name, responses(status, target, a.Errors...))

		path := &openapi3.PathItem{Parameters: openapi3.Parameters{idParameter()}}
		path.SetOperation(a.Method, op)
		spec.Paths.Set(basePath+"/{id}/"+a.Name, path)
	}
}

func operation(id, summary, tag string, resp *openapi3.Responses) *openapi3.Operation {
	return &openapi3.Operation{
		OperationID: id,
		Summary:     summary,
		Tags:        []string{capitalize(tag)},
		Responses:   resp,
	}
}

// responses builds a success response referencing the named document schema
// followed by error responses for each extra status.
func responses(status int, document string, errorStatuses ...int) *openapi3.Responses {
	out := &openapi3.Responses{}
	ok := openapi3.NewResponse().
		WithDescription(http.StatusText(status)).
		WithContent(openapi3.NewContentWithSchemaRef(
			openapi3.NewSchemaRef("#/components/schemas/"+document, nil), []string{mediaType}))
	out.Set(strconv.Itoa(status), &openapi3.ResponseRef{Value: ok})

	for _, s := range errorStatuses {
		resp := openapi3.NewResponse().
			WithDescription(http.StatusText(s)).
			WithContent(openapi3.NewContentWithSchemaRef(
				openapi3.NewSchemaRef("#/components/schemas/Error", nil), []string{mediaType}))
		out.Set(strconv.Itoa(s), &openapi3.ResponseRef{Value: resp})
	}
	return out
}

func idParameter() *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewPathParameter("id").WithSchema(openapi3.NewStringSchema()),
	}
}

// =============================================================================
// Schemas
// =============================================================================

func addDocumentSchemas(spec *openapi3.T, typ, name string, model any) {
	spec.Components.Schemas[name+"Attributes"] = extractSchema(model)

	resource := openapi3.NewObjectSchema().
		WithProperty("type", &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: []any{typ}}).
		WithProperty("id", openapi3.NewStringSchema())
	resource.Properties["attributes"] = openapi3.NewSchemaRef("#/components/schemas/"+name+"Attributes", nil)
	resource.Required = []string{"type", "id"}
	spec.Components.Schemas[name] = resource.NewRef()

	document := openapi3.NewObjectSchema()
	document.Properties = openapi3.Schemas{
		"data": openapi3.NewSchemaRef("#/components/schemas/"+name, nil),
	}
	spec.Components.Schemas[name+"Document"] = document.NewRef()

	list := openapi3.NewObjectSchema()
	list.Properties = openapi3.Schemas{
		"data": &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: openapi3.NewSchemaRef("#/components/schemas/"+name, nil),
		}},
	}
	spec.Components.Schemas[name+"List"] = list.NewRef()
}

func requestSchema(typ, attributes string) *openapi3.SchemaRef {
	data := openapi3.NewObjectSchema().
		WithProperty("type", &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: []any{typ}})
	data.Properties["attributes"] = openapi3.NewSchemaRef("#/components/schemas/"+attributes, nil)
	data.Required = []string{"type", "attributes"}

	body := openapi3.NewObjectSchema()
	body.Properties = openapi3.Schemas{"data": data.NewRef()}
	body.Required = []string{"data"}
	return body.NewRef()
}

func errorSchema() *openapi3.SchemaRef {
	item := openapi3.NewObjectSchema().
		WithProperty("status", openapi3.NewStringSchema()).
		WithProperty("code", openapi3.NewStringSchema()).
		WithProperty("title", openapi3.NewStringSchema()).
		WithProperty("detail", openapi3.NewStringSchema())
	item.Properties["meta"] = openapi3.NewObjectSchema().NewRef()

	errs := openapi3.NewObjectSchema()
	errs.Properties = openapi3.Schemas{
		"errors": openapi3.NewArraySchema().WithItems(item).NewRef(),
	}
	return errs.NewRef()
}

// extractSchema builds an object schema from the json tags of a struct.
func extractSchema(model any) *openapi3.SchemaRef {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	schema := openapi3.NewObjectSchema()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name := field.Name
		if n, _, _ := strings.Cut(tag, ","); n != "" {
			name = n
		}
		schema.Properties[name] = goTypeToSchema(field.Type)
	}
	return schema.NewRef()
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

func goTypeToSchema(t reflect.Type) *openapi3.SchemaRef {
	switch {
	case t == timeType:
		return openapi3.NewDateTimeSchema().NewRef()
	case t == durationType:
		return openapi3.NewInt64Schema().NewRef()
	}

	switch t.Kind() {
	case reflect.String:
		return openapi3.NewStringSchema().NewRef()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return openapi3.NewInt32Schema().NewRef()
	case reflect.Int64:
		return openapi3.NewInt64Schema().NewRef()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return openapi3.NewIntegerSchema().NewRef()
	case reflect.Float32, reflect.Float64:
		return openapi3.NewFloat64Schema().NewRef()
	case reflect.Bool:
		return openapi3.NewBoolSchema().NewRef()
	case reflect.Slice, reflect.Array:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: goTypeToSchema(t.Elem()),
		}}
	case reflect.Map:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:                 &openapi3.Types{"object"},
			AdditionalProperties: openapi3.AdditionalProperties{Schema: goTypeToSchema(t.Elem())},
		}}
	case reflect.Ptr:
		ref := goTypeToSchema(t.Elem())
		ref.Value.Nullable = true
		return ref
	case reflect.Struct:
		return extractSchema(reflect.New(t).Interface())
	default:
		return openapi3.NewObjectSchema().NewRef()
	}
}

// =============================================================================
// Helpers
// =============================================================================

func schemaName(typ string) string {
	return capitalize(singularize(typ))
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// singularize strips the plural suffix of a resource type.
func singularize(s string) string {
	switch {
	case strings.HasSuffix(s, "ies"):
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "s"):
		return s[:len(s)-1]
	}
	return s
}
