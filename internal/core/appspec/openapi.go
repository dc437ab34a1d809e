package appspec

import (
	"encoding/json"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// =============================================================================
// OpenAPI Document
// =============================================================================

// OpenAPIDocument builds the OpenAPI 3 description of the generated routes.
func OpenAPIDocument(spec *Spec) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       titleCase(spec.Name) + " API",
			Version:     "1.0.0",
			Description: "REST API generated from the " + spec.Name + " spec.",
		},
		Servers: openapi3.Servers{
			&openapi3.Server{URL: "http://localhost:3000"},
		},
		Paths: openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
		},
	}

	addCommonSchemas(doc)

	doc.Paths.Set("/health", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "health",
			Summary:     "Liveness probe",
			Responses: openapi3.NewResponses(
				openapi3.WithStatus(200, jsonResponse("Service is up",
					openapi3.NewObjectSchema().WithProperty("status", openapi3.NewStringSchema()))),
			),
		},
	})

	for _, e := range spec.Entities {
		addEntity(doc, e)
	}
	return doc
}

// openAPIDocument renders the document as indented JSON.
func openAPIDocument(spec *Spec) (string, error) {
	raw, err := json.MarshalIndent(OpenAPIDocument(spec), "", "  ")
	if err != nil {
		return "", &domain.InternalError{Op: "encode openapi.json", Err: err}
	}
	return string(raw) + "\n", nil
}

func addCommonSchemas(doc *openapi3.T) {
	fieldError := openapi3.NewObjectSchema().
		WithProperty("field", openapi3.NewStringSchema()).
		WithProperty("message", openapi3.NewStringSchema())

	doc.Components.Schemas["ValidationError"] = openapi3.NewSchemaRef("",
		openapi3.NewObjectSchema().
			WithProperty("error", openapi3.NewStringSchema()).
			WithProperty("fields", openapi3.NewArraySchema().WithItems(fieldError)).
			WithProperty("missing", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())).
			WithRequired([]string{"error", "fields", "missing"}),
	)

	doc.Components.Schemas["Error"] = openapi3.NewSchemaRef("",
		openapi3.NewObjectSchema().
			WithProperty("error", openapi3.NewStringSchema()).
			WithRequired([]string{"error"}),
	)
}

// addEntity adds the input/record schemas and both paths for one entity.
func addEntity(doc *openapi3.T, e Entity) {
	res := ResourceName(e.Name)
	input := e.Name + "Input"

	inputSchema := openapi3.NewObjectSchema()
	var required []string
	for _, f := range e.Fields {
		inputSchema.WithProperty(f.Name, fieldSchemaFor(f))
		if f.Required {
			required = append(required, f.Name)
		}
	}
	if len(required) > 0 {
		inputSchema.WithRequired(required)
	}
	doc.Components.Schemas[input] = openapi3.NewSchemaRef("", inputSchema)

	record := openapi3.NewObjectSchema()
	record.WithProperty("id", openapi3.NewStringSchema())
	for _, f := range e.Fields {
		record.WithProperty(f.Name, fieldSchemaFor(f))
	}
	record.WithProperty("createdAt", openapi3.NewDateTimeSchema())
	record.WithProperty("updatedAt", openapi3.NewDateTimeSchema())
	record.WithRequired([]string{"id", "createdAt", "updatedAt"})
	doc.Components.Schemas[e.Name] = openapi3.NewSchemaRef("", record)

	recordRef := schemaRef(e.Name)
	listSchema := openapi3.NewSchemaRef("", &openapi3.Schema{
		Type:  &openapi3.Types{"array"},
		Items: recordRef,
	})

	body := &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().WithRequired(true).WithJSONSchemaRef(schemaRef(input)),
	}
	invalid := refResponse("Validation failed", "ValidationError")
	missing := refResponse("Not found", "Error")

	doc.Paths.Set("/"+res, &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "list" + e.Name,
			Summary:     "List " + res,
			Tags:        []string{e.Name},
			Responses: openapi3.NewResponses(
				openapi3.WithStatus(200, refJSONResponse("All records", listSchema)),
			),
		},
		Post: &openapi3.Operation{
			OperationID: "create" + e.Name,
			Summary:     "Create a record",
			Tags:        []string{e.Name},
			RequestBody: body,
			Responses: openapi3.NewResponses(
				openapi3.WithStatus(201, refJSONResponse("Created", recordRef)),
				openapi3.WithStatus(400, invalid),
			),
		},
	})

	doc.Paths.Set("/"+res+"/{id}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{
			&openapi3.ParameterRef{Value: openapi3.NewPathParameter("id").WithSchema(openapi3.NewStringSchema())},
		},
		Get: &openapi3.Operation{
			OperationID: "get" + e.Name,
			Summary:     "Fetch a record",
			Tags:        []string{e.Name},
			Responses: openapi3.NewResponses(
				openapi3.WithStatus(200, refJSONResponse("The record", recordRef)),
				openapi3.WithStatus(404, missing),
			),
		},
		Put: &openapi3.Operation{
			OperationID: "update" + e.Name,
			Summary:     "Update a record",
			Tags:        []string{e.Name},
			RequestBody: body,
			Responses: openapi3.NewResponses(
				openapi3.WithStatus(200, refJSONResponse("Updated", recordRef)),
				openapi3.WithStatus(400, invalid),
				openapi3.WithStatus(404, missing),
			),
		},
		Delete: &openapi3.Operation{
			OperationID: "delete" + e.Name,
			Summary:     "Delete a record",
			Tags:        []string{e.Name},
			Responses: openapi3.NewResponses(
				openapi3.WithStatus(204, &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("Deleted")}),
				openapi3.WithStatus(404, missing),
			),
		},
	})
}

// fieldSchemaFor maps a field's type and constraints onto a JSON schema.
func fieldSchemaFor(f Field) *openapi3.Schema {
	info := f.Type.info()
	s := &openapi3.Schema{Format: info.openapiFormat}
	if f.Type != TypeJSON {
		s.Type = &openapi3.Types{info.openapiType}
	}

	if f.Type.Numeric() {
		if n, ok := f.number(ConstraintMin); ok {
			s.WithMin(n)
		}
		if n, ok := f.number(ConstraintMax); ok {
			s.WithMax(n)
		}
	}
	if f.Type.Stringy() {
		if n, ok := f.number(ConstraintMinLength); ok {
			s.WithMinLength(int64(n))
		}
		if n, ok := f.number(ConstraintMaxLength); ok {
			s.WithMaxLength(int64(n))
		}
		if p, ok := f.Constraints[ConstraintPattern].(string); ok {
			s.Pattern = p
		}
	}
	if list, ok := f.Constraints[ConstraintEnum].([]any); ok {
		s.WithEnum(list...)
	}
	if !f.Required {
		s.Nullable = true
		if d := defaultValue(f); d != nil {
			s.Default = d
		}
	}
	return s
}

func schemaRef(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func jsonResponse(description string, schema *openapi3.Schema) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription(description).WithJSONSchema(schema)}
}

func refJSONResponse(description string, ref *openapi3.SchemaRef) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription(description).WithJSONSchemaRef(ref)}
}

func refResponse(description, schema string) *openapi3.ResponseRef {
	return refJSONResponse(description, schemaRef(schema))
}
