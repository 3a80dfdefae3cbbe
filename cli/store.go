package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalscript/bus"
	"github.com/petal-labs/petalscript/loader"
	"github.com/petal-labs/petalscript/server"
)

const sqlitePathEnv = "PETALSCRIPT_SQLITE_PATH"

func addSQLitePathFlag(cmd *cobra.Command) {
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: $"+sqlitePathEnv+" or ~/.petalscript/petalscript.db)")
}

func addSQLitePathFlagPersistent(cmd *cobra.Command) {
	cmd.PersistentFlags().String("sqlite-path", "", "Path to SQLite database (default: $"+sqlitePathEnv+" or ~/.petalscript/petalscript.db)")
}

// resolveSQLitePath picks the database from --sqlite-path, then the
// environment, then the per-user default.
func resolveSQLitePath(cmd *cobra.Command) (string, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	dsn := strings.TrimSpace(sqlitePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv(sqlitePathEnv))
	}
	if dsn == "" {
		defaultPath, err := defaultSQLitePath()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dsn = defaultPath
	}
	if strings.HasPrefix(strings.ToLower(dsn), "file:") {
		return dsn, nil
	}
	return filepath.Clean(dsn), nil
}

func defaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".petalscript")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return filepath.Join(dir, "petalscript.db"), nil
}

func openGraphStore(cmd *cobra.Command) (*server.SQLiteStore, error) {
	dsn, err := resolveSQLitePath(cmd)
	if err != nil {
		return nil, exitError(exitStore, "%v", err)
	}
	store, err := server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return nil, exitError(exitStore, "opening sqlite graph store: %v", err)
	}
	return store, nil
}

func openEventStore(cmd *cobra.Command) (*bus.SQLiteEventStore, error) {
	dsn, err := resolveSQLitePath(cmd)
	if err != nil {
		return nil, exitError(exitStore, "%v", err)
	}
	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return nil, exitError(exitStore, "opening sqlite event store: %v", err)
	}
	return store, nil
}

// parseVarFlags parses repeatable name=value flags. Values that decode as
// JSON keep their type; anything else is a string.
func parseVarFlags(values []string) (map[string]any, error) {
	vars := make(map[string]any, len(values))
	for _, kv := range values {
		name, raw, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid variable %q: expected name=value", kv)
		}
		vars[name] = parseVarValue(raw)
	}
	return vars, nil
}

func parseVarValue(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	wrapped := map[string]any{"v": v}
	loader.NormalizeValues(wrapped)
	return wrapped["v"]
}

// readVarsFile reads a JSON or YAML mapping of variable values.
func readVarsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from user CLI flag
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any)
	if loader.DetectFormat(data, path) == loader.FormatYAML {
		if err := yaml.Unmarshal(data, &vars); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
		return vars, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&vars); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	loader.NormalizeValues(vars)
	return vars, nil
}
