package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadManifest reads a process manifest, merging includes, expanding
// environment references and resolving relative paths against the directory
// of the file that declared them.
func LoadManifest(path string) (*Manifest, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}

	raw, _, err := resolveIncludes(absPath)
	if err != nil {
		return nil, err
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: re-encode: %w", absPath, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(encoded))
	decoder.KnownFields(true)
	var doc Manifest
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	doc.Source = absPath

	baseDir := filepath.Dir(absPath)
	for i, proc := range doc.Processes {
		if proc == nil {
			continue
		}
		proc.Path = resolveExecutable(baseDir, proc.Path)
		if proc.Workdir != "" {
			proc.Workdir = resolveWorkdir(baseDir, proc.Workdir)
		}

		if proc.EnvFromFile != "" {
			envPath := proc.EnvFromFile
			if !filepath.IsAbs(envPath) {
				envPath = filepath.Clean(filepath.Join(baseDir, envPath))
			}
			proc.EnvFromFile = envPath

			fileEnv, err := loadEnvFile(envPath)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", processField(i, "envFromFile"), err)
			}
			// Inline values win over the file.
			for k, v := range proc.Env {
				fileEnv[k] = v
			}
			proc.Env = fileEnv
		}
		if len(proc.Env) == 0 {
			proc.Env = nil
		}
	}

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}

// resolveExecutable anchors relative paths such as ./bin/frpc to base. Bare
// command names are left for PATH lookup at launch time.
func resolveExecutable(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if !strings.ContainsRune(path, '/') && !strings.ContainsRune(path, filepath.Separator) {
		return path
	}
	return filepath.Clean(filepath.Join(base, path))
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}

func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if strings.HasPrefix(raw, "export ") {
			raw = strings.TrimSpace(raw[len("export "):])
		}
		sep := strings.IndexRune(raw, '=')
		if sep <= 0 {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		key := strings.TrimSpace(raw[:sep])
		if key == "" {
			return nil, fmt.Errorf("load env file %q: invalid key on line %d", path, lineNo)
		}
		value := strings.TrimSpace(raw[sep+1:])
		if strings.HasPrefix(value, "\"") {
			if len(value) < 2 || value[len(value)-1] != '"' {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			unquoted, err := strconv.Unquote(value)
			if err != nil {
				return nil, fmt.Errorf("load env file %q: parse value for %s on line %d: %w", path, key, lineNo, err)
			}
			value = unquoted
		} else if strings.HasPrefix(value, "'") {
			if len(value) < 2 || value[len(value)-1] != '\'' {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			value = value[1 : len(value)-1]
		} else if comment := strings.IndexRune(value, '#'); comment >= 0 {
			value = strings.TrimSpace(value[:comment])
		}
		values[key] = expandEnvWithDefault(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}

// expandEnvWithDefault behaves like os.ExpandEnv and additionally honours the
// ${NAME:-fallback} form for unset or empty variables.
func expandEnvWithDefault(s string) string {
	return os.Expand(s, func(key string) string {
		if name, fallback, ok := strings.Cut(key, ":-"); ok {
			if v, set := os.LookupEnv(name); set && v != "" {
				return v
			}
			return fallback
		}
		return os.Getenv(key)
	})
}
