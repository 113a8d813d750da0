package transport

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed start_sim.schema.json
var startSchemaJSON []byte

var (
	startSchemaOnce sync.Once
	startSchema     *jsonschema.Schema
	startSchemaErr  error
)

func loadStartSchema() (*jsonschema.Schema, error) {
	startSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		startSchema, startSchemaErr = compiler.Compile(startSchemaJSON)
		if startSchemaErr != nil {
			startSchemaErr = fmt.Errorf("compile schema: %w", startSchemaErr)
		}
	})
	return startSchema, startSchemaErr
}

// ValidateStart checks a START_SIM envelope against the embedded schema.
func ValidateStart(env Envelope) error {
	schema, err := loadStartSchema()
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
