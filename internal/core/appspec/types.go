package appspec

// FieldType is the declared type of an entity field.
type FieldType string

const (
	TypeText     FieldType = "text"
	TypeNumber   FieldType = "number"
	TypeInteger  FieldType = "integer"
	TypeBoolean  FieldType = "boolean"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
	TypeEmail    FieldType = "email"
	TypeURL      FieldType = "url"
	TypeJSON     FieldType = "json"
)

// typeInfo describes how a field type is stored, validated and defaulted in
// the generated application.
type typeInfo struct {
	// storage is the JavaScript value kind kept in the JSON store.
	storage string
	// check names the validator in the generated index.js.
	check string
	// openapiType and openapiFormat describe the field in openapi.json.
	openapiType   string
	openapiFormat string
	// zero is the default applied to optional fields absent on create.
	zero any
}

var typeTable = map[FieldType]typeInfo{
	TypeText:     {storage: "string", check: "text", openapiType: "string"},
	TypeNumber:   {storage: "number", check: "number", openapiType: "number", openapiFormat: "double"},
	TypeInteger:  {storage: "number", check: "integer", openapiType: "integer", openapiFormat: "int64"},
	TypeBoolean:  {storage: "boolean", check: "boolean", openapiType: "boolean", zero: false},
	TypeDate:     {storage: "string", check: "date", openapiType: "string", openapiFormat: "date"},
	TypeDateTime: {storage: "string", check: "datetime", openapiType: "string", openapiFormat: "date-time"},
	TypeEmail:    {storage: "string", check: "email", openapiType: "string", openapiFormat: "email"},
	TypeURL:      {storage: "string", check: "url", openapiType: "string", openapiFormat: "uri"},
	TypeJSON:     {storage: "any", check: "json", openapiType: "object"},
}

// Known reports whether the type is one the generator understands.
func (t FieldType) Known() bool {
	_, ok := typeTable[t]
	return ok
}

// Numeric reports whether min/max apply.
func (t FieldType) Numeric() bool {
	return t == TypeNumber || t == TypeInteger
}

// Stringy reports whether minLength/maxLength/pattern apply.
func (t FieldType) Stringy() bool {
	return typeTable[t].storage == "string"
}

func (t FieldType) info() typeInfo {
	if info, ok := typeTable[t]; ok {
		return info
	}
	return typeTable[TypeText]
}
