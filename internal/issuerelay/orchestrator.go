package issuerelay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type OrchestratorOptions struct {
	Repositories  []RepositoryConfig
	ProxyEndpoint string
	ProxyToken    string
	Handlers      Handlers

	StateBackend  StateBackend
	ActivityQueue ActivityQueue
	Runner        AgentRunner
	Callback      CallbackListener

	// TrackerFactory builds the per-tenant platform client; the default
	// creates an HTTP client keyed by the tenant's token.
	TrackerFactory func(repo RepositoryConfig) TrackerClient
	TrackerBaseURL string

	IngressBackoff BackoffPolicy
	IngressDial    DialFunc

	Retention              time.Duration
	RetentionSweepInterval time.Duration
	RunnerStopGrace        time.Duration
	ActivityMaxAttempts    int
	ActivityRetryDelay     time.Duration
	ActivityWorkers        int

	// DisableWorkers skips the background loops; used by tests that drive
	// the orchestrator synchronously.
	DisableWorkers bool

	Logf func(format string, args ...any)
}

type OrchestratorStatus struct {
	Connected          bool   `json:"connected"`
	Repositories       int    `json:"repositories"`
	ActiveSessions     int    `json:"activeSessions"`
	AcceptedTotal      uint64 `json:"acceptedTotal"`
	DroppedTotal       uint64 `json:"droppedTotal"`
	DuplicateTotal     uint64 `json:"duplicateTotal"`
	RoutedByTeam       uint64 `json:"routedByTeam"`
	RoutedByWorkspace  uint64 `json:"routedByWorkspace"`
	ActivityQueueDepth int    `json:"activityQueueDepth"`
}

// Orchestrator wires the streaming ingress, the repository router, the
// session manager, the agent runner and the persistence backend into one
// event-driven loop. It holds no session copies of its own; every session
// mutation goes through the session manager.
type Orchestrator struct {
	handlers Handlers
	sessions *SessionManager
	ingress  *IngressClient
	callback CallbackListener
	backend  StateBackend
	queue    ActivityQueue
	runner   AgentRunner
	logf     func(format string, args ...any)

	repoMu   sync.RWMutex
	repos    []RepositoryConfig
	trackers map[string]TrackerClient

	trackerFactory func(repo RepositoryConfig) TrackerClient

	accepted          atomic.Uint64
	dropped           atomic.Uint64
	duplicates        atomic.Uint64
	routedByTeam      atomic.Uint64
	routedByWorkspace atomic.Uint64

	retention           time.Duration
	sweepInterval       time.Duration
	stopGrace           time.Duration
	activityMaxAttempts int
	activityRetryDelay  time.Duration

	persistCh chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	disableWorkers  bool
	activityWorkers int
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("%w: an agent runner is required", ErrInvalidInput)
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	backend := opts.StateBackend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	queue := opts.ActivityQueue
	if queue == nil {
		queue = NewInMemoryActivityQueue(1024)
	}
	trackerFactory := opts.TrackerFactory
	if trackerFactory == nil {
		baseURL := opts.TrackerBaseURL
		trackerFactory = func(repo RepositoryConfig) TrackerClient {
			return NewHTTPTrackerClient(TrackerClientOptions{
				BaseURL:       baseURL,
				TokenProvider: StaticTokenProvider(repo.Token),
			})
		}
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	sweepInterval := opts.RetentionSweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	stopGrace := opts.RunnerStopGrace
	if stopGrace <= 0 {
		stopGrace = 10 * time.Second
	}
	activityMaxAttempts := opts.ActivityMaxAttempts
	if activityMaxAttempts <= 0 {
		activityMaxAttempts = 3
	}
	activityRetryDelay := opts.ActivityRetryDelay
	if activityRetryDelay <= 0 {
		activityRetryDelay = time.Second
	}
	activityWorkers := opts.ActivityWorkers
	if activityWorkers <= 0 {
		activityWorkers = 1
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		handlers:            opts.Handlers,
		sessions:            NewSessionManager(),
		callback:            opts.Callback,
		backend:             backend,
		queue:               queue,
		runner:              opts.Runner,
		logf:                logf,
		trackerFactory:      trackerFactory,
		retention:           retention,
		sweepInterval:       sweepInterval,
		stopGrace:           stopGrace,
		activityMaxAttempts: activityMaxAttempts,
		activityRetryDelay:  activityRetryDelay,
		persistCh:           make(chan struct{}, 1),
		runCtx:              runCtx,
		runCancel:           runCancel,
		closed:              make(chan struct{}),
		disableWorkers:      opts.DisableWorkers,
		activityWorkers:     activityWorkers,
	}
	o.setRepositories(opts.Repositories)
	o.ingress = NewIngressClient(IngressOptions{
		Endpoint: opts.ProxyEndpoint,
		Token:    opts.ProxyToken,
		Backoff:  opts.IngressBackoff,
		Dial:     opts.IngressDial,
		Logf:     logf,
	}, o.handleEvent)
	o.sessions.SetChangeListener(o.signalPersist)
	return o, nil
}

// Sessions exposes the session manager; callers mutate sessions only
// through it.
func (o *Orchestrator) Sessions() *SessionManager {
	return o.sessions
}

// UpdateRepositories atomically swaps the tenant list; used by the config
// hot-reload path. Tracker clients for new tenants are built lazily-free
// here so routing and posting stay consistent with each other.
func (o *Orchestrator) UpdateRepositories(repos []RepositoryConfig) {
	o.setRepositories(repos)
	o.logf("orchestrator: repository configuration updated, %d tenants", len(repos))
}

func (o *Orchestrator) setRepositories(repos []RepositoryConfig) {
	copied := append([]RepositoryConfig(nil), repos...)
	trackers := make(map[string]TrackerClient, len(copied))
	for _, repo := range copied {
		trackers[repo.ID] = o.trackerFactory(repo)
	}
	o.repoMu.Lock()
	o.repos = copied
	o.trackers = trackers
	o.repoMu.Unlock()
}

func (o *Orchestrator) repositories() []RepositoryConfig {
	o.repoMu.RLock()
	defer o.repoMu.RUnlock()
	return o.repos
}

func (o *Orchestrator) trackerFor(repositoryID string) (TrackerClient, bool) {
	o.repoMu.RLock()
	defer o.repoMu.RUnlock()
	client, ok := o.trackers[repositoryID]
	return client, ok
}

// StartWithCallback attaches a callback listener built after the
// orchestrator (the listener's status surface needs the orchestrator) and
// then starts normally.
func (o *Orchestrator) StartWithCallback(ctx context.Context, callback CallbackListener) error {
	o.callback = callback
	return o.Start(ctx)
}

// Start brings the orchestrator up in dependency order: restore persisted
// sessions first, then the shared callback server, and only then the
// ingress connection, so session bookkeeping exists before external
// traffic can reach it.
func (o *Orchestrator) Start(ctx context.Context) error {
	snapshot, err := o.backend.Load()
	if err != nil {
		o.logf("orchestrator: state load failed, starting cold: %v", err)
		snapshot = nil
	}
	o.sessions.Restore(snapshot)
	if snapshot != nil {
		o.logf("orchestrator: restored %d session(s)", len(snapshot.Sessions))
	}

	if o.callback != nil {
		if err := o.callback.Start(); err != nil {
			return fmt.Errorf("callback server: %w", err)
		}
	}

	if !o.disableWorkers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.persistLoop(o.runCtx)
		}()
		for i := 0; i < o.activityWorkers; i++ {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.activityWorker(o.runCtx)
			}()
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.retentionLoop(o.runCtx)
		}()
	}

	if err := o.ingress.Connect(ctx); err != nil {
		return err
	}
	return nil
}

// Stop shuts down in reverse order: ingress first so no new work arrives,
// then runners within the configured grace, then the final snapshot, then
// the callback server.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.closeOnce.Do(func() {
		close(o.closed)
		o.ingress.Disconnect()
		o.runCancel()
		o.wg.Wait()

		handles := o.sessions.Handles()
		if len(handles) > 0 {
			o.logf("orchestrator: stopping %d running agent(s)", len(handles))
			var stopWG sync.WaitGroup
			for id, handle := range handles {
				stopWG.Add(1)
				go func(id string, handle RunnerHandle) {
					defer stopWG.Done()
					stopCtx, cancel := context.WithTimeout(context.Background(), o.stopGrace)
					defer cancel()
					if err := handle.Stop(stopCtx); err != nil {
						o.logf("orchestrator: session %s: runner stop: %v", id, err)
					}
				}(id, handle)
			}
			stopWG.Wait()
		}

		if err := o.backend.Save(o.sessions.Snapshot()); err != nil {
			o.logf("orchestrator: final state save failed: %v", err)
		}

		if o.callback != nil {
			if err := o.callback.Stop(ctx); err != nil {
				o.logf("orchestrator: callback server stop: %v", err)
			}
		}
		_ = o.queue.Close()
		if closer, ok := o.backend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	})
}

// InjectEvent feeds an event through the same dispatch path as the
// streaming ingress. The callback server's signed internal webhook uses it
// as its sink, so webhook deliveries get identical routing, idempotency and
// counter semantics.
func (o *Orchestrator) InjectEvent(ctx context.Context, event InboundEvent) {
	o.handleEvent(ctx, event)
}

func (o *Orchestrator) IsConnected() bool {
	return o.ingress.IsConnected()
}

func (o *Orchestrator) Status() OrchestratorStatus {
	return OrchestratorStatus{
		Connected:          o.ingress.IsConnected(),
		Repositories:       len(o.repositories()),
		ActiveSessions:     o.sessions.Count(),
		AcceptedTotal:      o.accepted.Load(),
		DroppedTotal:       o.dropped.Load(),
		DuplicateTotal:     o.duplicates.Load(),
		RoutedByTeam:       o.routedByTeam.Load(),
		RoutedByWorkspace:  o.routedByWorkspace.Load(),
		ActivityQueueDepth: o.queue.Depth(),
	}
}

// handleEvent is the single dispatch point for the enumerated event kinds;
// anything the orchestrator does not understand is observability-only.
func (o *Orchestrator) handleEvent(ctx context.Context, event InboundEvent) {
	switch event.Kind {
	case EventSessionCreated:
		o.accepted.Add(1)
		o.handleSessionCreated(ctx, event)
	case EventSessionPrompted:
		o.accepted.Add(1)
		o.handleSessionPrompted(ctx, event)
	case EventHeartbeat:
	default:
		o.logf("orchestrator: ignoring event kind %q", event.Kind)
	}
}

func (o *Orchestrator) handleSessionCreated(ctx context.Context, event InboundEvent) {
	if event.Session == nil {
		o.dropped.Add(1)
		o.logf("orchestrator: session-created event without payload, dropped")
		return
	}
	payload := event.Session

	cfg, rule := resolveRepository(event, o.repositories())
	if cfg == nil {
		o.dropped.Add(1)
		o.logf("orchestrator: no repository for issue %s (workspace %s), dropped",
			payload.Issue.Identifier, event.WorkspaceID)
		return
	}
	switch rule {
	case routeTeamKey, routeDerivedKey:
		o.routedByTeam.Add(1)
	case routeWorkspace:
		o.routedByWorkspace.Add(1)
	}
	repo := *cfg

	session, err := o.sessions.Create(payload.SessionID, repo.ID, payload.Issue)
	if err != nil {
		if errors.Is(err, ErrDuplicateSession) {
			o.duplicates.Add(1)
			o.logf("orchestrator: duplicate delivery of session %s, ignored", payload.SessionID)
			return
		}
		o.logf("orchestrator: session create failed: %v", err)
		return
	}
	if payload.Prompt != "" {
		_ = o.sessions.RecordEntry(session.ID, SessionEntry{Kind: EntryPrompt, Body: payload.Prompt})
	}

	// Routing and creation happen in delivery order above; the runner start
	// is a suspension point and runs concurrently so one slow agent spawn
	// does not stall ingress for other sessions.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.startSession(repo, session.ID)
	}()
}

func (o *Orchestrator) startSession(repo RepositoryConfig, sessionID string) {
	session, ok := o.sessions.Get(sessionID)
	if !ok {
		o.logf("orchestrator: session %s vanished before start", sessionID)
		return
	}
	handle, err := o.runner.Start(o.runCtx, repo, session)
	if err != nil {
		o.logf("orchestrator: session %s: runner start failed: %v", sessionID, err)
		_ = o.sessions.RecordEntry(sessionID, SessionEntry{
			Kind: EntrySystem,
			Body: "runner start failed: " + err.Error(),
		})
		return
	}
	if err := o.sessions.AttachRunner(sessionID, handle); err != nil {
		// Attach can only fail on a coordination bug; surface it loudly and
		// do not leak the runner.
		o.logf("orchestrator: BUG: session %s: attach runner: %v", sessionID, err)
		stopCtx, cancel := context.WithTimeout(context.Background(), o.stopGrace)
		_ = handle.Stop(stopCtx)
		cancel()
		return
	}
	o.enqueueActivity(sessionID, repo.ID, session.Issue.ID, "Agent session started on "+repo.Name)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watchRunner(sessionID, repo, handle)
	}()

	if o.handlers.OnSessionStart != nil {
		if started, ok := o.sessions.Get(sessionID); ok {
			o.handlers.OnSessionStart(o.runCtx, started, repo)
		}
	}
}

func (o *Orchestrator) watchRunner(sessionID string, repo RepositoryConfig, handle RunnerHandle) {
	select {
	case outcome := <-handle.Done():
		if err := o.sessions.Complete(sessionID, outcome); err != nil {
			o.logf("orchestrator: BUG: session %s: complete: %v", sessionID, err)
			return
		}
		o.logf("orchestrator: session %s finished: %s", sessionID, outcome)
		if session, ok := o.sessions.Get(sessionID); ok {
			o.enqueueActivity(sessionID, repo.ID, session.Issue.ID, "Agent session "+string(outcome))
			if o.handlers.OnSessionComplete != nil {
				o.handlers.OnSessionComplete(o.runCtx, session, outcome)
			}
		}
	case <-o.runCtx.Done():
		// Shutdown path: runners are stopped by Stop, sessions stay Running
		// in the final snapshot and restore as Stalled.
	}
}

func (o *Orchestrator) handleSessionPrompted(ctx context.Context, event InboundEvent) {
	if event.Session == nil {
		o.dropped.Add(1)
		return
	}
	payload := event.Session
	err := o.sessions.RecordEntry(payload.SessionID, SessionEntry{
		Kind: EntryPrompt,
		Body: payload.Prompt,
	})
	if err != nil {
		o.dropped.Add(1)
		o.logf("orchestrator: prompt for unknown session %s, dropped", payload.SessionID)
	}
}

func (o *Orchestrator) enqueueActivity(sessionID, repositoryID, issueID, body string) {
	post := ActivityPost{
		SessionID:    sessionID,
		RepositoryID: repositoryID,
		IssueID:      issueID,
		Body:         body,
		EnqueuedAt:   time.Now().UTC(),
	}
	if !o.queue.TryEnqueue(post) {
		o.logf("orchestrator: activity queue full, dropping update for session %s", sessionID)
	}
}

func (o *Orchestrator) signalPersist() {
	select {
	case o.persistCh <- struct{}{}:
	default:
	}
}

// persistLoop saves snapshots off the hot path. A failed save is logged
// and implicitly retried on the next mutation signal; in-memory state stays
// authoritative for the process lifetime.
func (o *Orchestrator) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.persistCh:
		}
		if err := o.backend.Save(o.sessions.Snapshot()); err != nil {
			o.logf("orchestrator: state save failed (will retry on next change): %v", err)
		}
	}
}

func (o *Orchestrator) activityWorker(ctx context.Context) {
	for {
		post, ok := o.queue.Dequeue(ctx)
		if !ok {
			return
		}
		o.deliverActivity(ctx, post)
	}
}

func (o *Orchestrator) deliverActivity(ctx context.Context, post ActivityPost) {
	client, ok := o.trackerFor(post.RepositoryID)
	if !ok {
		o.logf("orchestrator: activity for unknown repository %s, dropped", post.RepositoryID)
		return
	}
	err := client.PostActivity(ctx, post.SessionID, post.Body)
	if err == nil {
		return
	}
	post.Attempts++
	if post.Attempts >= o.activityMaxAttempts {
		o.logf("orchestrator: activity post for session %s dropped after %d attempts: %v",
			post.SessionID, post.Attempts, err)
		return
	}
	o.logf("orchestrator: activity post for session %s failed (attempt %d): %v",
		post.SessionID, post.Attempts, err)
	retry := post
	time.AfterFunc(o.activityRetryDelay, func() {
		select {
		case <-o.closed:
		default:
			o.queue.TryEnqueue(retry)
		}
	})
}

func (o *Orchestrator) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := o.sessions.EvictExpired(o.retention); evicted > 0 {
				o.logf("orchestrator: evicted %d expired session(s)", evicted)
			}
		}
	}
}
