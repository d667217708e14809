package llms

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects the JSON schema of target's type, dereferencing
// pointers. It also returns the type name, used as the schema name.
func SchemaFor(target any) (*jsonschema.Schema, string) {
	// TODO: Implement a custom reflector that only emits the subset of
	// jsonschema accepted by strict structured output
	reflector := jsonschema.Reflector{DoNotReference: true}

	t := reflect.TypeOf(target)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return reflector.ReflectFromType(t), t.Name()
}

// ExtractJSON strips a Markdown code fence around a JSON answer, if any.
func ExtractJSON(content string) string {
	if split := strings.Split(content, "```"); len(split) > 2 {
		content = strings.TrimPrefix(split[1], "json")
	}
	return strings.TrimSpace(content)
}

// DecodeStructured unmarshals a model answer into target.
func DecodeStructured(content string, target any) error {
	content = ExtractJSON(content)
	if content == "" {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal([]byte(content), target); err != nil {
		return fmt.Errorf("error unmarshalling response: %w", err)
	}
	return nil
}
