package dbdef

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/conformdb/conform/pkg/dberr"
)

// LoadYAML reads a MultiDatabaseDef from a YAML document of the shape:
//
//	somedb:
//	  versions:
//	    1:
//	      types:
//	        sometype:
//	          - {id: _id, auto: true}
//	          - {name: someprop, type: text, notnull: true, default: ""}
//	      indexes:
//	        - {on_type: sometype, keys: [someprop], unique: true}
//	      transition:
//	        prompt: true
//	        reason: A stitch in time saves nine
//	        sql: "-- migration script"
//
// Unknown fields anywhere in the document are rejected. The loaded
// definition is validated before it is returned.
func LoadYAML(r io.Reader) (MultiDatabaseDef, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs MultiDatabaseDef
	if err := dec.Decode(&defs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, dberr.New(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
				"empty definition document")
		}
		return nil, dberr.Wrap(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
			"malformed definition document", err)
	}
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	return defs, nil
}

// LoadYAMLFile reads a MultiDatabaseDef from a YAML file.
func LoadYAMLFile(path string) (MultiDatabaseDef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dbdef: failed to open definition file: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

// UnmarshalYAML decodes a field list, distinguishing ids from properties by
// the presence of an "id" key. Unknown keys are rejected; yaml.v3 strict
// mode does not reach through custom unmarshalers, so the check is explicit
// here.
func (fl *FieldList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
			"fields must be a sequence (line %d)", node.Line)
	}
	out := make(FieldList, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
				"field entries must be mappings (line %d)", item.Line)
		}
		keys := make(map[string]bool, len(item.Content)/2)
		for i := 0; i < len(item.Content); i += 2 {
			keys[item.Content[i].Value] = true
		}
		if keys["id"] {
			if err := checkFieldKeys(keys, item.Line, "id", "auto"); err != nil {
				return err
			}
			var id ID
			if err := item.Decode(&id); err != nil {
				return err
			}
			out = append(out, id)
		} else {
			if err := checkFieldKeys(keys, item.Line, "name", "type", "notnull", "default"); err != nil {
				return err
			}
			var p Property
			if err := item.Decode(&p); err != nil {
				return err
			}
			out = append(out, p)
		}
	}
	*fl = out
	return nil
}

func checkFieldKeys(keys map[string]bool, line int, allowed ...string) error {
	ok := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		ok[k] = true
	}
	var unknown []string
	for k := range keys {
		if !ok[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
		"unknown field key(s) %v (line %d)", unknown, line)
}
