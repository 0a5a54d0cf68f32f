package validation

import (
	"embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks submission bodies against the embedded JSON schemas.
type Validator struct {
	images *gojsonschema.Schema
	video  *gojsonschema.Schema
}

func NewValidator() (*Validator, error) {
	images, err := loadSchema("schemas/images.json")
	if err != nil {
		return nil, err
	}
	video, err := loadSchema("schemas/video.json")
	if err != nil {
		return nil, err
	}
	return &Validator{images: images, video: video}, nil
}

func loadSchema(name string) (*gojsonschema.Schema, error) {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

func (v *Validator) ValidateImages(body []byte) error {
	return validate(v.images, body)
}

// ValidateVideo accepts an empty body as an empty object.
func (v *Validator) ValidateVideo(body []byte) error {
	if len(body) == 0 {
		body = []byte("{}")
	}
	return validate(v.video, body)
}

func validate(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &SchemaError{Details: details}
}
