package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/issuerelay/internal/httpapi"
	"github.com/agentworkforce/issuerelay/internal/issuerelay"
)

func main() {
	configPath := strings.TrimSpace(os.Getenv("ISSUERELAY_CONFIG"))
	if configPath == "" {
		configPath = "repositories.json"
	}
	repos, err := issuerelay.LoadRepositoryConfigs(configPath)
	if err != nil {
		log.Fatalf("failed to load repository configuration: %v", err)
	}

	stateBackend, activityQueue, err := buildStorageBackendsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}

	runner := &issuerelay.CommandRunner{
		Command: envOr("ISSUERELAY_AGENT_COMMAND", "claude"),
		Args:    splitArgs(os.Getenv("ISSUERELAY_AGENT_ARGS")),
	}

	orchestrator, err := issuerelay.NewOrchestrator(issuerelay.OrchestratorOptions{
		Repositories:   repos,
		ProxyEndpoint:  envOr("ISSUERELAY_PROXY_ENDPOINT", "wss://proxy.tracker.example.com/events"),
		ProxyToken:     os.Getenv("ISSUERELAY_PROXY_TOKEN"),
		StateBackend:   stateBackend,
		ActivityQueue:  activityQueue,
		Runner:         runner,
		TrackerBaseURL: os.Getenv("ISSUERELAY_TRACKER_BASE_URL"),
		IngressBackoff: issuerelay.BackoffPolicy{
			InitialDelay: durationEnv("ISSUERELAY_RECONNECT_INITIAL_DELAY", 0),
			MaxDelay:     durationEnv("ISSUERELAY_RECONNECT_MAX_DELAY", 0),
		},
		Retention:           durationEnv("ISSUERELAY_SESSION_RETENTION", 0),
		RunnerStopGrace:     durationEnv("ISSUERELAY_RUNNER_STOP_GRACE", 0),
		ActivityMaxAttempts: intEnv("ISSUERELAY_ACTIVITY_MAX_ATTEMPTS", 0),
		ActivityWorkers:     intEnv("ISSUERELAY_ACTIVITY_WORKERS", 0),
	})
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	callback := httpapi.NewCallbackServer(httpapi.ServerConfig{
		Addr:            envOr("ISSUERELAY_CALLBACK_ADDR", ":8085"),
		AdminToken:      os.Getenv("ISSUERELAY_ADMIN_TOKEN"),
		WebhookSecret:   os.Getenv("ISSUERELAY_WEBHOOK_SECRET"),
		WebhookMaxSkew:  durationEnv("ISSUERELAY_WEBHOOK_MAX_SKEW", 5*time.Minute),
		MaxBodyBytes:    int64Env("ISSUERELAY_MAX_BODY_BYTES", 0),
		RateLimitMax:    intEnv("ISSUERELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("ISSUERELAY_RATE_LIMIT_WINDOW", time.Minute),
	}, orchestrator, orchestrator.Sessions(), orchestrator.InjectEvent)
	tenantRoutes := registerTenantCallbacks(callback, repos, nil)

	watcher, err := issuerelay.WatchConfigFile(configPath, func(updated []issuerelay.RepositoryConfig) {
		orchestrator.UpdateRepositories(updated)
		tenantRoutes = registerTenantCallbacks(callback, updated, tenantRoutes)
	}, log.Printf)
	if err != nil {
		log.Printf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.StartWithCallback(ctx, callback); err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	log.Printf("issuerelay serving %d repositories, callbacks on %s", len(repos), callback.Addr())

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("ISSUERELAY_SHUTDOWN_GRACE", 30*time.Second))
	defer cancel()
	orchestrator.Stop(shutdownCtx)
}

// registerTenantCallbacks installs one OAuth completion route per tenant on
// the shared listener and removes the routes of tenants absent from the new
// list. previous is the set returned by the prior call (nil on first use);
// the return value is the current set, to be threaded into the next reload.
func registerTenantCallbacks(server *httpapi.CallbackServer, repos []issuerelay.RepositoryConfig, previous map[string]struct{}) map[string]struct{} {
	current := make(map[string]struct{}, len(repos))
	for _, repo := range repos {
		repoID := repo.ID
		current[repoID] = struct{}{}
		server.RegisterFunc(http.MethodGet, "/callback/"+repoID, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprintf(w, "authorization received for %s\n", repoID)
		})
	}
	for repoID := range previous {
		if _, ok := current[repoID]; !ok {
			server.Deregister(http.MethodGet, "/callback/"+repoID)
		}
	}
	return current
}

func envOr(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func splitArgs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStorageBackendsFromEnv() (issuerelay.StateBackend, issuerelay.ActivityQueue, error) {
	profileStateDSN, profileQueueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}

	var stateBackend issuerelay.StateBackend
	stateDSN := strings.TrimSpace(os.Getenv("ISSUERELAY_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("ISSUERELAY_STATE_FILE"))
	switch {
	case stateDSN != "":
		stateBackend, err = issuerelay.BuildStateBackendFromDSN(stateDSN)
	case stateFile != "":
		stateBackend, err = issuerelay.BuildStateBackendFromDSN(stateFile)
	case profileStateDSN != "":
		stateBackend, err = issuerelay.BuildStateBackendFromDSN(profileStateDSN)
	}
	if err != nil {
		return nil, nil, err
	}

	var activityQueue issuerelay.ActivityQueue
	queueSize := intEnv("ISSUERELAY_ACTIVITY_QUEUE_SIZE", 0)
	queueDSN := strings.TrimSpace(os.Getenv("ISSUERELAY_ACTIVITY_QUEUE_DSN"))
	switch {
	case queueDSN != "":
		activityQueue, err = issuerelay.BuildActivityQueueFromDSN(queueDSN, queueSize)
	case profileQueueDSN != "":
		activityQueue, err = issuerelay.BuildActivityQueueFromDSN(profileQueueDSN, queueSize)
	}
	if err != nil {
		return nil, nil, err
	}
	return stateBackend, activityQueue, nil
}

func storageProfileDefaultsFromEnv() (stateBackendDSN, activityQueueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("ISSUERELAY_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("ISSUERELAY_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".issuerelay"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("ISSUERELAY_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("ISSUERELAY_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("ISSUERELAY_PRODUCTION_DSN or ISSUERELAY_POSTGRES_DSN is required when ISSUERELAY_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "activity-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported ISSUERELAY_BACKEND_PROFILE: %s", profile)
	}
}
