package issuerelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const repositoryConfigSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["repositories"],
	"properties": {
		"repositories": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "name", "token", "workspaceId", "repositoryPath"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string", "minLength": 1},
					"token": {"type": "string", "minLength": 1},
					"workspaceId": {"type": "string", "minLength": 1},
					"teamKeys": {
						"type": "array",
						"items": {"type": "string", "minLength": 1}
					},
					"repositoryPath": {"type": "string", "minLength": 1},
					"baseBranch": {"type": "string"}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

type repositoryConfigFile struct {
	Repositories []RepositoryConfig `json:"repositories"`
}

// LoadRepositoryConfigs reads and validates the tenant configuration file.
// The file is schema-checked before unmarshaling so a malformed tenant
// entry is rejected as a whole rather than half-loaded.
func LoadRepositoryConfigs(path string) ([]RepositoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRepositoryConfigs(data)
}

func ParseRepositoryConfigs(data []byte) ([]RepositoryConfig, error) {
	schema, err := compileRepositorySchema()
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var parsed repositoryConfigFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	seen := map[string]struct{}{}
	for _, repo := range parsed.Repositories {
		id := strings.TrimSpace(repo.ID)
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate repository id %s", ErrInvalidInput, id)
		}
		seen[id] = struct{}{}
	}
	return parsed.Repositories, nil
}

func compileRepositorySchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(repositoryConfigSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("repositories.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("repositories.json")
}
