package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a schema file:
//
//	types:
//	  example.com/type/Task:
//	    version: 0.1.0
//	    fields:
//	      title: { type: string, required: true }
type File struct {
	Types map[string]*TypeDefinition `yaml:"types"`
}

// Parse reads type definitions from YAML. The map key is the typename.
func Parse(data []byte) ([]*TypeDefinition, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	names := make([]string, 0, len(file.Types))
	for name := range file.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]*TypeDefinition, 0, len(names))
	for _, name := range names {
		def := file.Types[name]
		if def == nil {
			def = &TypeDefinition{}
		}
		if def.Typename == "" {
			def.Typename = name
		}
		if def.Typename != name {
			return nil, fmt.Errorf("type %s declares typename %s", name, def.Typename)
		}
		if def.Fields == nil {
			def.Fields = map[string]*FieldDefinition{}
		}
		for field, fd := range def.Fields {
			if fd == nil {
				return nil, fmt.Errorf("type %s: field %s has no definition", name, field)
			}
			if fd.Type == FieldTypeEnum && len(fd.Values) == 0 {
				return nil, fmt.Errorf("type %s: enum field %s has no values", name, field)
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile parses a schema file from disk.
func LoadFile(path string) ([]*TypeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %s: %w", path, err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// LoadInto parses a schema file and registers every type in r.
func LoadInto(r *Registry, path string) error {
	defs, err := LoadFile(path)
	if err != nil {
		return err
	}
	return r.Register(defs...)
}
