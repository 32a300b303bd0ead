package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadValidManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "vars.env"), "TOKEN=${FILE_SECRET}\nREGION=eu # comment\n")

	t.Setenv("FILE_SECRET", "alpha")
	t.Setenv("FRPC_CONFIG", "frpc.toml")

	path := filepath.Join(dir, "processes.yaml")
	writeFile(t, path, `version: 1
processes:
  - id: frpc
    path: ./bin/frpc
    args: ["-c", "${FRPC_CONFIG}"]
    workdir: data
    envFromFile: vars.env
    env:
      REGION: us
    autostart: true
  - id: clock
    path: date
`)

	doc, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest returned error: %v", err)
	}
	if doc.Source != path {
		t.Fatalf("unexpected source %q", doc.Source)
	}
	if doc.Version != "1" {
		t.Fatalf("unexpected version %q", doc.Version)
	}

	frpc, ok := doc.Lookup("frpc")
	if !ok {
		t.Fatalf("expected frpc to be declared")
	}
	if got, want := frpc.Path, filepath.Join(dir, "bin", "frpc"); got != want {
		t.Fatalf("unexpected path: got %q want %q", got, want)
	}
	if got, want := frpc.Workdir, filepath.Join(dir, "data"); got != want {
		t.Fatalf("unexpected workdir: got %q want %q", got, want)
	}
	if diff := cmp.Diff([]string{"-c", "frpc.toml"}, frpc.Args); diff != "" {
		t.Fatalf("unexpected args (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"TOKEN": "alpha", "REGION": "us"}, frpc.Env); diff != "" {
		t.Fatalf("unexpected env (-want +got):\n%s", diff)
	}

	clock, _ := doc.Lookup("clock")
	if clock.Path != "date" {
		t.Fatalf("bare command should be left for PATH lookup, got %q", clock.Path)
	}

	auto := doc.Autostart()
	if len(auto) != 1 || auto[0].ID != "frpc" {
		t.Fatalf("unexpected autostart set %+v", auto)
	}

	spec := frpc.Spec()
	if diff := cmp.Diff([]string{"REGION=us", "TOKEN=alpha"}, spec.Env); diff != "" {
		t.Fatalf("unexpected spec env (-want +got):\n%s", diff)
	}
	if spec.ID != "frpc" || spec.Dir != frpc.Workdir {
		t.Fatalf("unexpected spec %+v", spec)
	}
}

func TestLoadEnvDefaultFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "processes.yaml")
	writeFile(t, path, `version: 1
processes:
  - id: a
    path: /bin/echo
    args: ["${WARDEN_TEST_UNSET:-fallback}"]
`)

	doc, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest returned error: %v", err)
	}
	if got := doc.Processes[0].Args; len(got) != 1 || got[0] != "fallback" {
		t.Fatalf("unexpected args %v", got)
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "processes.yaml")
	writeFile(t, path, `version: 1
processes:
  - id: a
    path: /bin/true
  - id: a
    path: /bin/false
`)

	_, err := LoadManifest(path)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), `duplicate id "a"`) {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "processes[1].id") {
		t.Fatalf("error does not mention the offending entry: %v", err)
	}
}

func TestLoadSchemaValidation(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		want     string
	}{
		{
			name:     "empty processes",
			manifest: "version: 1\nprocesses: []\n",
			want:     "processes",
		},
		{
			name:     "missing path",
			manifest: "version: 1\nprocesses:\n  - id: a\n",
			want:     "processes[a]",
		},
		{
			name:     "unknown field",
			manifest: "version: 1\nprocesses:\n  - id: a\n    path: /bin/true\n    restart: always\n",
			want:     "restart",
		},
		{
			name:     "bad id",
			manifest: "version: 1\nprocesses:\n  - id: -a\n    path: /bin/true\n",
			want:     "processes[-a].id",
		},
		{
			name:     "entry named by id",
			manifest: "version: 1\nprocesses:\n  - id: web\n    path: /bin/true\n  - id: frpc\n    path: 7\n",
			want:     "processes[frpc].path",
		},
		{
			name:     "entry without id",
			manifest: "version: 1\nprocesses:\n  - path: /bin/true\n",
			want:     "processes[0]",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "processes.yaml")
			writeFile(t, path, tc.manifest)

			_, err := LoadManifest(path)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), "schema validation failed") {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("schema error does not mention %s: %v", tc.want, err)
			}
		})
	}
}

func TestLoadIncludesConcatenateProcesses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shared", "tunnels.yaml"), `version: 1
processes:
  - id: frpc
    path: ./frpc
`)
	root := filepath.Join(dir, "processes.yaml")
	writeFile(t, root, `version: 1
includes:
  - shared/tunnels.yaml
processes:
  - id: web
    path: /usr/bin/env
`)

	doc, err := LoadManifest(root)
	if err != nil {
		t.Fatalf("LoadManifest returned error: %v", err)
	}

	var ids []string
	for _, p := range doc.Processes {
		ids = append(ids, p.ID)
	}
	if diff := cmp.Diff([]string{"frpc", "web"}, ids); diff != "" {
		t.Fatalf("unexpected process order (-want +got):\n%s", diff)
	}
	frpc, _ := doc.Lookup("frpc")
	if got, want := frpc.Path, filepath.Join(dir, "shared", "frpc"); got != want {
		t.Fatalf("include path not anchored to its file: got %q want %q", got, want)
	}
	if diff := cmp.Diff([]string{"shared/tunnels.yaml"}, doc.Includes); diff != "" {
		t.Fatalf("unexpected includes (-want +got):\n%s", diff)
	}
}

func TestLoadIncludeDuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "version: 1\nprocesses:\n  - id: dup\n    path: /bin/true\n")
	root := filepath.Join(dir, "root.yaml")
	writeFile(t, root, "version: 1\nincludes: [a.yaml]\nprocesses:\n  - id: dup\n    path: /bin/false\n")

	if _, err := LoadManifest(root); err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "version: 1\nincludes: [b.yaml]\nprocesses:\n  - id: a\n    path: /bin/true\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "version: 1\nincludes: [a.yaml]\n")

	_, err := LoadManifest(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "detected include cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadIncludeMissingFile(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root.yaml")
	writeFile(t, root, "version: 1\nincludes: [missing.yaml]\nprocesses:\n  - id: a\n    path: /bin/true\n")

	_, err := LoadManifest(root)
	if err == nil || !strings.Contains(err.Error(), "open include file") {
		t.Fatalf("expected missing include error, got %v", err)
	}
}

func TestLoadEnvFileUnmatchedQuote(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.env"), "TOKEN=\"open\n")
	path := filepath.Join(dir, "processes.yaml")
	writeFile(t, path, "version: 1\nprocesses:\n  - id: a\n    path: /bin/true\n    envFromFile: bad.env\n")

	_, err := LoadManifest(path)
	if err == nil || !strings.Contains(err.Error(), "unmatched quote on line 1") {
		t.Fatalf("expected env file error, got %v", err)
	}
	if !strings.Contains(err.Error(), "processes[0].envFromFile") {
		t.Fatalf("error does not name the field: %v", err)
	}
}
