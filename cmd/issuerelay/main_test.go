package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/agentworkforce/issuerelay/internal/httpapi"
	"github.com/agentworkforce/issuerelay/internal/issuerelay"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("ISSUERELAY_TEST_INT", "42")
	got := intEnv("ISSUERELAY_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("ISSUERELAY_TEST_INT_BAD", "not-a-number")
	got := intEnv("ISSUERELAY_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("ISSUERELAY_TEST_INT64", "1048576")
	got := int64Env("ISSUERELAY_TEST_INT64", 16)
	if got != 1048576 {
		t.Fatalf("expected 1048576, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("ISSUERELAY_TEST_DURATION", "150ms")
	got := durationEnv("ISSUERELAY_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("ISSUERELAY_TEST_DURATION_BAD", "soon")
	got := durationEnv("ISSUERELAY_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("ISSUERELAY_TEST_INT_UNSET")
	_ = os.Unsetenv("ISSUERELAY_TEST_DURATION_UNSET")

	if got := intEnv("ISSUERELAY_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("ISSUERELAY_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestEnvOrTrimsWhitespace(t *testing.T) {
	t.Setenv("ISSUERELAY_TEST_STR", "  value  ")
	if got := envOr("ISSUERELAY_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	t.Setenv("ISSUERELAY_TEST_STR", "   ")
	if got := envOr("ISSUERELAY_TEST_STR", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
}

func TestSplitArgs(t *testing.T) {
	if got := splitArgs(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	got := splitArgs("  --verbose   --model sonnet ")
	want := []string{"--verbose", "--model", "sonnet"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestTenantCallbackRoutesFollowConfig(t *testing.T) {
	server := httpapi.NewCallbackServer(httpapi.ServerConfig{}, nil, nil, nil)
	get := func(path string) int {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	routes := registerTenantCallbacks(server, []issuerelay.RepositoryConfig{
		{ID: "backend"},
		{ID: "frontend"},
	}, nil)
	if code := get("/callback/backend"); code != http.StatusOK {
		t.Fatalf("backend route: expected 200, got %d", code)
	}
	if code := get("/callback/frontend"); code != http.StatusOK {
		t.Fatalf("frontend route: expected 200, got %d", code)
	}

	// Reload drops the frontend tenant; its route must go away while the
	// surviving tenant keeps serving.
	routes = registerTenantCallbacks(server, []issuerelay.RepositoryConfig{
		{ID: "backend"},
	}, routes)
	if code := get("/callback/frontend"); code != http.StatusNotFound {
		t.Fatalf("removed tenant route still serves: got %d", code)
	}
	if code := get("/callback/backend"); code != http.StatusOK {
		t.Fatalf("surviving tenant route broken: got %d", code)
	}
	if _, ok := routes["frontend"]; ok {
		t.Fatal("removed tenant still tracked in the route set")
	}
}

func TestStorageProfileDefaults(t *testing.T) {
	t.Setenv("ISSUERELAY_BACKEND_PROFILE", "")
	t.Setenv("ISSUERELAY_DATA_DIR", "")
	state, queue, err := storageProfileDefaultsFromEnv()
	if err != nil || state != "" || queue != "" {
		t.Fatalf("expected empty defaults, got %q %q %v", state, queue, err)
	}

	t.Setenv("ISSUERELAY_BACKEND_PROFILE", "memory")
	state, queue, err = storageProfileDefaultsFromEnv()
	if err != nil || state != "memory://" || queue != "memory://" {
		t.Fatalf("memory profile: got %q %q %v", state, queue, err)
	}

	t.Setenv("ISSUERELAY_BACKEND_PROFILE", "durable-local")
	t.Setenv("ISSUERELAY_DATA_DIR", "/var/lib/issuerelay")
	state, queue, err = storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("durable-local profile: %v", err)
	}
	if state != "file://"+filepath.Join("/var/lib/issuerelay", "state.json") {
		t.Fatalf("unexpected state DSN: %q", state)
	}
	if queue != "file://"+filepath.Join("/var/lib/issuerelay", "activity-queue.json") {
		t.Fatalf("unexpected queue DSN: %q", queue)
	}
}

func TestStorageProfileProductionRequiresDSN(t *testing.T) {
	t.Setenv("ISSUERELAY_BACKEND_PROFILE", "production")
	t.Setenv("ISSUERELAY_PRODUCTION_DSN", "")
	t.Setenv("ISSUERELAY_POSTGRES_DSN", "")
	if _, _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatal("expected error when production profile has no DSN")
	}

	t.Setenv("ISSUERELAY_POSTGRES_DSN", "postgres://localhost/issuerelay")
	state, queue, err := storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("production profile: %v", err)
	}
	if state != "postgres://localhost/issuerelay" || queue != state {
		t.Fatalf("unexpected production DSNs: %q %q", state, queue)
	}
}

func TestStorageProfileRejectsUnknownName(t *testing.T) {
	t.Setenv("ISSUERELAY_BACKEND_PROFILE", "etcd")
	if _, _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}
