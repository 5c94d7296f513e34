package enrollgate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RegistrationAttributes are the caller-supplied fields for a primary
// provisioning attempt. The full name is split for the directory, the
// personal email becomes the recovery address, and the password is the
// initial directory credential.
type RegistrationAttributes struct {
	FullName      string `json:"fullName"`
	Semester      string `json:"semester"`
	Program       string `json:"program"`
	PersonalEmail string `json:"personalEmail"`
	Password      string `json:"password"`
}

const registrationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["fullName", "semester", "program", "personalEmail", "password"],
	"properties": {
		"fullName":      {"type": "string", "minLength": 1, "maxLength": 200},
		"semester":      {"type": "string", "minLength": 1, "maxLength": 40},
		"program":       {"type": "string", "minLength": 1, "maxLength": 120},
		"personalEmail": {"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"},
		"password":      {"type": "string", "minLength": 8, "maxLength": 128}
	},
	"additionalProperties": false
}`

// AttributeValidator checks registration attributes against the
// compiled schema before any workflow step runs.
type AttributeValidator struct {
	schema *jsonschema.Schema
}

func NewAttributeValidator() (*AttributeValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(registrationSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("registration.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("registration.json")
	if err != nil {
		return nil, err
	}
	return &AttributeValidator{schema: schema}, nil
}

func (v *AttributeValidator) Validate(attrs RegistrationAttributes) error {
	if v == nil || v.schema == nil {
		return nil
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return err
	}
	if err := v.schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
