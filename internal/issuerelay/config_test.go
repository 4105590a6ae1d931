package issuerelay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validConfig = `{
	"repositories": [
		{
			"id": "backend",
			"name": "Backend",
			"token": "lin_api_1",
			"workspaceId": "ws-1",
			"teamKeys": ["ENG"],
			"repositoryPath": "/srv/repos/backend",
			"baseBranch": "main"
		},
		{
			"id": "frontend",
			"name": "Frontend",
			"token": "lin_api_2",
			"workspaceId": "ws-1",
			"repositoryPath": "/srv/repos/frontend"
		}
	]
}`

func TestParseRepositoryConfigs(t *testing.T) {
	repos, err := ParseRepositoryConfigs([]byte(validConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(repos))
	}
	if repos[0].ID != "backend" || repos[0].TeamKeys[0] != "ENG" || repos[0].BaseBranch != "main" {
		t.Fatalf("unexpected first repo: %+v", repos[0])
	}
	if repos[1].BaseBranch != "" {
		t.Fatalf("optional field should stay empty, got %q", repos[1].BaseBranch)
	}
}

func TestParseRepositoryConfigsRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "{nope"},
		{"missing required field", `{"repositories":[{"id":"x","name":"x","token":"t","workspaceId":"ws"}]}`},
		{"empty id", `{"repositories":[{"id":"","name":"x","token":"t","workspaceId":"ws","repositoryPath":"/p"}]}`},
		{"unknown field", `{"repositories":[{"id":"x","name":"x","token":"t","workspaceId":"ws","repositoryPath":"/p","colour":"red"}]}`},
		{"duplicate ids", `{"repositories":[
			{"id":"x","name":"a","token":"t","workspaceId":"ws","repositoryPath":"/p"},
			{"id":"x","name":"b","token":"t","workspaceId":"ws","repositoryPath":"/q"}
		]}`},
	}
	for _, tc := range cases {
		if _, err := ParseRepositoryConfigs([]byte(tc.data)); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestLoadRepositoryConfigs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repositories.json")
	if err := os.WriteFile(path, []byte(validConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	repos, err := LoadRepositoryConfigs(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(repos))
	}

	if _, err := LoadRepositoryConfigs(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConfigWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repositories.json")
	if err := os.WriteFile(path, []byte(validConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan []RepositoryConfig, 4)
	watcher, err := WatchConfigFile(path, func(repos []RepositoryConfig) {
		reloaded <- repos
	}, func(string, ...any) {})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watcher.Close()

	updated := `{"repositories":[{"id":"solo","name":"Solo","token":"t","workspaceId":"ws-9","repositoryPath":"/srv/solo"}]}`
	// Atomic replace, the way deploy tooling rewrites configs.
	tmp := filepath.Join(dir, "repositories.json.next")
	if err := os.WriteFile(tmp, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case repos := <-reloaded:
		if len(repos) != 1 || repos[0].ID != "solo" {
			t.Fatalf("unexpected reloaded config: %+v", repos)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestConfigWatcherKeepsPreviousOnInvalidUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repositories.json")
	if err := os.WriteFile(path, []byte(validConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan []RepositoryConfig, 4)
	rejected := make(chan struct{}, 4)
	watcher, err := WatchConfigFile(path, func(repos []RepositoryConfig) {
		reloaded <- repos
	}, func(format string, args ...any) {
		select {
		case rejected <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-rejected:
	case repos := <-reloaded:
		t.Fatalf("invalid update must not reach onReload: %+v", repos)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rejection log")
	}
}
