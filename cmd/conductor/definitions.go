package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/conductor/pkg/schema"
)

// loadDefinitions reads every workflow definition named by paths. A
// directory contributes its .yaml, .yml and .json files, walked in lexical
// order.
func loadDefinitions(paths []string) ([]*schema.WorkflowDefinition, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isDefinitionFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
	}
	sort.Strings(files)

	defs := make([]*schema.WorkflowDefinition, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, f := range files {
		def, err := readDefinition(f)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("workflow %q is defined in both %s and %s", def.ID, prev, f)
		}
		seen[def.ID] = f
		defs = append(defs, def)
	}
	return defs, nil
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// readDefinition parses one file by extension; anything that is not .json
// is read as YAML.
func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var def schema.WorkflowDefinition
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &def)
	} else {
		err = yaml.Unmarshal(data, &def)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if def.ID == "" {
		return nil, fmt.Errorf("failed to parse %s: workflow id is required", path)
	}
	return &def, nil
}
