package issuerelay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRunner struct {
	mu      sync.Mutex
	handles map[string]*fakeRunnerHandle
	started chan string
	failIDs map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		handles: map[string]*fakeRunnerHandle{},
		started: make(chan string, 16),
		failIDs: map[string]bool{},
	}
}

func (r *fakeRunner) Start(ctx context.Context, repo RepositoryConfig, session Session) (RunnerHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failIDs[session.ID] {
		r.started <- session.ID
		return nil, ErrConnection
	}
	handle := newFakeRunnerHandle()
	r.handles[session.ID] = handle
	r.started <- session.ID
	return handle, nil
}

func (r *fakeRunner) handle(sessionID string) *fakeRunnerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[sessionID]
}

type fakeTracker struct {
	mu    sync.Mutex
	posts []ActivityPost
	err   error
	seen  chan struct{}
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{seen: make(chan struct{}, 32)}
}

func (c *fakeTracker) FetchIssueContext(ctx context.Context, issueID string) (IssueContext, error) {
	return IssueContext{ID: issueID}, nil
}

func (c *fakeTracker) PostActivity(ctx context.Context, sessionID, body string) error {
	c.mu.Lock()
	err := c.err
	if err == nil {
		c.posts = append(c.posts, ActivityPost{SessionID: sessionID, Body: body})
	}
	c.mu.Unlock()
	c.seen <- struct{}{}
	return err
}

func (c *fakeTracker) postCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

type fakeCallback struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (c *fakeCallback) Start() error {
	c.starts.Add(1)
	return nil
}

func (c *fakeCallback) Stop(ctx context.Context) error {
	c.stops.Add(1)
	return nil
}

func createdEvent(sessionID, identifier, workspaceID string) InboundEvent {
	return InboundEvent{
		Kind:        EventSessionCreated,
		CreatedAt:   time.Now().UTC(),
		WorkspaceID: workspaceID,
		Session: &SessionPayload{
			SessionID: sessionID,
			Issue:     IssueRef{ID: "issue-" + sessionID, Identifier: identifier},
			Prompt:    "please fix " + identifier,
		},
	}
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	runner       *fakeRunner
	tracker      *fakeTracker
	callback     *fakeCallback
	backend      *InMemoryStateBackend
	events       []InboundEvent
}

func newOrchestratorFixture(t *testing.T, events []InboundEvent) *orchestratorFixture {
	t.Helper()
	runner := newFakeRunner()
	tracker := newFakeTracker()
	callback := &fakeCallback{}
	backend := NewInMemoryStateBackend()

	dials := atomic.Int32{}
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Repositories: routerConfigs(),
		Runner:       runner,
		StateBackend: backend,
		Callback:     callback,
		TrackerFactory: func(repo RepositoryConfig) TrackerClient {
			return tracker
		},
		IngressBackoff: fastBackoff(),
		IngressDial: func(ctx context.Context, endpoint, token string) (ingressConn, error) {
			if dials.Add(1) == 1 {
				return &scriptedConn{events: events}, nil
			}
			return &blockingConn{}, nil
		},
		ActivityRetryDelay: 5 * time.Millisecond,
		Logf:               func(string, ...any) {},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &orchestratorFixture{
		orchestrator: orchestrator,
		runner:       runner,
		tracker:      tracker,
		callback:     callback,
		backend:      backend,
		events:       events,
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOrchestratorSessionLifecycle(t *testing.T) {
	fx := newOrchestratorFixture(t, []InboundEvent{
		createdEvent("sess-1", "ENG-1", "ws-1"),
	})
	if err := fx.orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fx.orchestrator.Stop(context.Background())

	if fx.callback.starts.Load() != 1 {
		t.Fatal("callback server was not started")
	}

	select {
	case <-fx.runner.started:
	case <-time.After(3 * time.Second):
		t.Fatal("runner never started")
	}
	waitFor(t, "session running", func() bool {
		session, ok := fx.orchestrator.Sessions().Get("sess-1")
		return ok && session.State == SessionRunning
	})

	session, _ := fx.orchestrator.Sessions().Get("sess-1")
	if session.RepositoryID != "backend" {
		t.Fatalf("routed to wrong repository: %s", session.RepositoryID)
	}
	if len(session.Entries) == 0 || session.Entries[0].Kind != EntryPrompt {
		t.Fatalf("prompt entry missing: %+v", session.Entries)
	}

	// Runner finishes; the watcher completes the session and posts activity.
	fx.runner.handle("sess-1").done <- OutcomeSucceeded
	waitFor(t, "session completed", func() bool {
		session, ok := fx.orchestrator.Sessions().Get("sess-1")
		return ok && session.State == SessionCompleted
	})
	waitFor(t, "activity posts delivered", func() bool {
		return fx.tracker.postCount() >= 2
	})

	waitFor(t, "state persisted", func() bool {
		snapshot, err := fx.backend.Load()
		if err != nil || snapshot == nil {
			return false
		}
		return snapshot.Sessions["sess-1"].State == SessionCompleted
	})

	status := fx.orchestrator.Status()
	if status.AcceptedTotal == 0 || status.RoutedByTeam == 0 {
		t.Fatalf("unexpected status counters: %+v", status)
	}
}

func TestOrchestratorDuplicateDeliveryIgnored(t *testing.T) {
	fx := newOrchestratorFixture(t, []InboundEvent{
		createdEvent("sess-1", "ENG-1", "ws-1"),
		createdEvent("sess-1", "ENG-1", "ws-1"),
	})
	if err := fx.orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fx.orchestrator.Stop(context.Background())

	waitFor(t, "duplicate counted", func() bool {
		return fx.orchestrator.Status().DuplicateTotal == 1
	})
	if fx.orchestrator.Sessions().Count() != 1 {
		t.Fatalf("expected 1 session, got %d", fx.orchestrator.Sessions().Count())
	}
}

func TestOrchestratorDropsUnrouteableEvent(t *testing.T) {
	fx := newOrchestratorFixture(t, []InboundEvent{
		createdEvent("sess-1", "OPS-1", "ws-unknown"),
	})
	if err := fx.orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fx.orchestrator.Stop(context.Background())

	waitFor(t, "drop counted", func() bool {
		return fx.orchestrator.Status().DroppedTotal == 1
	})
	if fx.orchestrator.Sessions().Count() != 0 {
		t.Fatalf("expected no sessions, got %d", fx.orchestrator.Sessions().Count())
	}
}

func TestOrchestratorPromptEvents(t *testing.T) {
	fx := newOrchestratorFixture(t, []InboundEvent{
		createdEvent("sess-1", "ENG-1", "ws-1"),
		{
			Kind:    EventSessionPrompted,
			Session: &SessionPayload{SessionID: "sess-1", Prompt: "follow-up"},
		},
		{
			Kind:    EventSessionPrompted,
			Session: &SessionPayload{SessionID: "ghost", Prompt: "nobody home"},
		},
	})
	if err := fx.orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fx.orchestrator.Stop(context.Background())

	waitFor(t, "follow-up prompt recorded", func() bool {
		session, ok := fx.orchestrator.Sessions().Get("sess-1")
		if !ok {
			return false
		}
		for _, entry := range session.Entries {
			if entry.Body == "follow-up" {
				return true
			}
		}
		return false
	})
	waitFor(t, "unknown-session prompt dropped", func() bool {
		return fx.orchestrator.Status().DroppedTotal == 1
	})
}

func TestOrchestratorRunnerStartFailure(t *testing.T) {
	fx := newOrchestratorFixture(t, []InboundEvent{
		createdEvent("sess-1", "ENG-1", "ws-1"),
	})
	fx.runner.failIDs["sess-1"] = true

	if err := fx.orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fx.orchestrator.Stop(context.Background())

	<-fx.runner.started
	waitFor(t, "failure entry recorded", func() bool {
		session, ok := fx.orchestrator.Sessions().Get("sess-1")
		if !ok {
			return false
		}
		for _, entry := range session.Entries {
			if entry.Kind == EntrySystem {
				return true
			}
		}
		return false
	})
	// The session stays Created; a later operator action can retry it.
	session, _ := fx.orchestrator.Sessions().Get("sess-1")
	if session.State != SessionCreated {
		t.Fatalf("expected created state after start failure, got %s", session.State)
	}
}

func TestOrchestratorRestoreCoercesRunningToStalled(t *testing.T) {
	backend := NewInMemoryStateBackend()
	if err := backend.Save(sampleState()); err != nil {
		t.Fatal(err)
	}

	runner := newFakeRunner()
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Repositories: routerConfigs(),
		Runner:       runner,
		StateBackend: backend,
		IngressDial: func(ctx context.Context, endpoint, token string) (ingressConn, error) {
			return &blockingConn{}, nil
		},
		Logf: func(string, ...any) {},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orchestrator.Stop(context.Background())

	session, ok := orchestrator.Sessions().Get("sess-1")
	if !ok {
		t.Fatal("restored session missing")
	}
	if session.State != SessionStalled {
		t.Fatalf("expected stalled after restore, got %s", session.State)
	}
}

func TestOrchestratorStopStopsRunnersAndSaves(t *testing.T) {
	fx := newOrchestratorFixture(t, []InboundEvent{
		createdEvent("sess-1", "ENG-1", "ws-1"),
	})
	if err := fx.orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-fx.runner.started
	waitFor(t, "session running", func() bool {
		session, ok := fx.orchestrator.Sessions().Get("sess-1")
		return ok && session.State == SessionRunning
	})

	fx.orchestrator.Stop(context.Background())

	if fx.runner.handle("sess-1").stopped.Load() == 0 {
		t.Fatal("runner was not stopped on shutdown")
	}
	if fx.callback.stops.Load() != 1 {
		t.Fatal("callback server was not stopped")
	}
	snapshot, err := fx.backend.Load()
	if err != nil || snapshot == nil {
		t.Fatalf("final snapshot missing: %v", err)
	}
	// The interrupted session persists as Running so a restart restores it
	// as Stalled.
	if snapshot.Sessions["sess-1"].State != SessionRunning {
		t.Fatalf("expected running in final snapshot, got %s", snapshot.Sessions["sess-1"].State)
	}

	// Stop is idempotent.
	fx.orchestrator.Stop(context.Background())
}

func TestOrchestratorActivityRetry(t *testing.T) {
	fx := newOrchestratorFixture(t, []InboundEvent{
		createdEvent("sess-1", "ENG-1", "ws-1"),
	})
	fx.tracker.err = ErrConnection

	if err := fx.orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fx.orchestrator.Stop(context.Background())

	// First delivery fails, is re-enqueued, and succeeds once the tracker
	// recovers.
	select {
	case <-fx.tracker.seen:
	case <-time.After(3 * time.Second):
		t.Fatal("first delivery attempt never happened")
	}
	fx.tracker.mu.Lock()
	fx.tracker.err = nil
	fx.tracker.mu.Unlock()

	waitFor(t, "retried delivery", func() bool {
		return fx.tracker.postCount() >= 1
	})
}

func TestOrchestratorInjectEvent(t *testing.T) {
	fx := newOrchestratorFixture(t, nil)
	if err := fx.orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fx.orchestrator.Stop(context.Background())

	// Webhook deliveries go through the same dispatch path as the stream:
	// same routing, same duplicate guard, same counters.
	fx.orchestrator.InjectEvent(context.Background(), createdEvent("sess-1", "ENG-1", "ws-1"))
	waitFor(t, "injected session running", func() bool {
		session, ok := fx.orchestrator.Sessions().Get("sess-1")
		return ok && session.State == SessionRunning
	})
	session, _ := fx.orchestrator.Sessions().Get("sess-1")
	if session.RepositoryID != "backend" {
		t.Fatalf("injected event routed to %s", session.RepositoryID)
	}

	fx.orchestrator.InjectEvent(context.Background(), createdEvent("sess-1", "ENG-1", "ws-1"))
	if got := fx.orchestrator.Status().DuplicateTotal; got != 1 {
		t.Fatalf("expected duplicate counted for injected re-delivery, got %d", got)
	}
}

func TestOrchestratorUpdateRepositories(t *testing.T) {
	fx := newOrchestratorFixture(t, nil)
	fx.orchestrator.UpdateRepositories([]RepositoryConfig{
		{ID: "solo", Name: "Solo", WorkspaceID: "ws-9", RepositoryPath: "/srv/solo"},
	})
	status := fx.orchestrator.Status()
	if status.Repositories != 1 {
		t.Fatalf("expected 1 repository after update, got %d", status.Repositories)
	}
	event := createdEvent("sess-9", "ANY-1", "ws-9")
	if cfg := ResolveRepository(event, fx.orchestrator.repositories()); cfg == nil || cfg.ID != "solo" {
		t.Fatalf("routing did not pick up the update: %+v", cfg)
	}
}

func TestOrchestratorRequiresRunner(t *testing.T) {
	if _, err := NewOrchestrator(OrchestratorOptions{}); err == nil {
		t.Fatal("expected error without runner")
	}
}
