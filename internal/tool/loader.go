package tool

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"coursechat/internal/domain"

	"gopkg.in/yaml.v3"
)

func isWorkflowFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// LoadFromDirectory loads workflow definitions from YAML files in dir.
// Unreadable or invalid files are skipped with a warning; a missing
// directory yields no tools.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]WorkflowDefinition, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("tools directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read tools dir: %w", err)
	}

	var defs []WorkflowDefinition
	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read tool file", "path", path, "err", err)
			continue
		}

		var def WorkflowDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			logger.Warn("cannot parse tool file", "path", path, "err", err)
			continue
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if err := def.validate(); err != nil {
			logger.Warn("invalid tool file", "path", path, "err", err)
			continue
		}

		logger.Debug("loaded workflow tool", "name", def.Name, "path", path)
		defs = append(defs, def)
	}
	return defs, nil
}

// Reload loads dir and replaces the registry contents with its workflows.
func Reload(reg *Registry, dir string, client *http.Client, logger *slog.Logger) (int, error) {
	defs, err := LoadFromDirectory(dir, logger)
	if err != nil {
		return 0, err
	}
	tools := make([]domain.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, NewWorkflowTool(d, client))
	}
	reg.Replace(tools)
	return len(tools), nil
}
