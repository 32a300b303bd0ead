package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Paintersrp/warden/internal/supervisor"
)

var processIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Manifest mirrors the processes.yaml document structure.
type Manifest struct {
	Includes  []string   `yaml:"includes"`
	Version   string     `yaml:"version"`
	Processes []*Process `yaml:"processes"`

	// Source is the absolute path the manifest was loaded from.
	Source string `yaml:"-"`
}

// Process declares one managed executable.
type Process struct {
	ID          string            `yaml:"id"`
	Path        string            `yaml:"path"`
	Args        []string          `yaml:"args"`
	Workdir     string            `yaml:"workdir"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	Autostart   bool              `yaml:"autostart"`
}

// Spec converts the declaration into a launch request.
func (p *Process) Spec() supervisor.Spec {
	spec := supervisor.Spec{
		ID:   p.ID,
		Path: p.Path,
		Args: append([]string(nil), p.Args...),
		Dir:  p.Workdir,
	}
	if len(p.Env) > 0 {
		keys := make([]string, 0, len(p.Env))
		for k := range p.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		spec.Env = make([]string, 0, len(keys))
		for _, k := range keys {
			spec.Env = append(spec.Env, k+"="+p.Env[k])
		}
	}
	return spec
}

// Lookup returns the process declared under id.
func (m *Manifest) Lookup(id string) (*Process, bool) {
	for _, p := range m.Processes {
		if p != nil && p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Autostart returns the processes flagged for launch when the daemon starts,
// in declaration order.
func (m *Manifest) Autostart() []*Process {
	var out []*Process
	for _, p := range m.Processes {
		if p != nil && p.Autostart {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the manifest for errors the schema cannot express.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%s: is required", fieldPath("version"))
	}
	if len(m.Processes) == 0 {
		return fmt.Errorf("%s: must define at least one process", fieldPath("processes"))
	}
	seen := make(map[string]int, len(m.Processes))
	for i, p := range m.Processes {
		if p == nil {
			return fmt.Errorf("%s: process entry is null", processField(i))
		}
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("%s: is required", processField(i, "id"))
		}
		if !processIDPattern.MatchString(p.ID) {
			return fmt.Errorf("%s: invalid id %q", processField(i, "id"), p.ID)
		}
		if prev, ok := seen[p.ID]; ok {
			return fmt.Errorf("%s: duplicate id %q (already declared at %s)", processField(i, "id"), p.ID, processField(prev))
		}
		seen[p.ID] = i
		if strings.TrimSpace(p.Path) == "" {
			return fmt.Errorf("%s: is required", processField(i, "path"))
		}
		for key := range p.Env {
			if strings.TrimSpace(key) == "" || strings.Contains(key, "=") {
				return fmt.Errorf("%s: invalid variable name %q", processField(i, "env"), key)
			}
		}
	}
	return nil
}

func processField(index int, parts ...string) string {
	head := fmt.Sprintf("processes[%d]", index)
	return fieldPath(append([]string{head}, parts...)...)
}
