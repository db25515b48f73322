// Package dispatch wires the runtime together: it routes each host request to
// an agent, runs the middleware pipeline around the handler, and owns the
// cross-cutting services (cache, memory, history, guardrails, telemetry).
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"relay/internal/agent"
	"relay/internal/cache"
	"relay/internal/config"
	"relay/internal/executor"
	"relay/internal/guard"
	"relay/internal/history"
	"relay/internal/kvstore"
	"relay/internal/llm"
	"relay/internal/logging"
	"relay/internal/memory"
	"relay/internal/middleware"
	"relay/internal/telemetry"
	"relay/internal/workflow"
)

// Meta commands handled by the dispatcher itself.
const (
	CmdUndo        = "undo"
	CmdClearCache  = "clear-cache"
	CmdClearMemory = "clear-memory"
	CmdHealth      = "health"

	workflowCmdPrefix = "workflow-"
	collabCmdPrefix   = "collab-"
)

// Enrichment budgets. Character-based so they hold across models.
const (
	memoryWindowChars = 2000
	historyTailTurns  = 20
	historyTailChars  = 4000

	// memoryMinChars gates persistence; trivially short responses carry no
	// reusable fact.
	memoryMinChars = 100
	// memoryCapChars truncates what gets remembered per response.
	memoryCapChars = 500
)

// MetaCacheHit marks results served from the response cache.
const MetaCacheHit = "cacheHit"

// agentIDKey stores the resolved agent id in Context.Values for the usage
// middleware.
const agentIDKey = "agent.id"

const profileKey = "profiles.active"

// WorkspaceInfo lets the host contribute workspace state (open file, git
// status, selection) to request enrichment.
type WorkspaceInfo interface {
	Snapshot(ctx context.Context) string
}

// Options configures a Dispatcher.
type Options struct {
	// Root is the workspace directory autonomous agents operate in.
	Root string
	// KV is the durable store shared by cache, memory, history, telemetry.
	KV kvstore.Store
	// Client powers smart routing and collaboration synthesis.
	Client llm.Client
	// Settings is the live host settings view.
	Settings *config.Settings
	// Confirmer resolves destructive-op dialogs; nil skips confirmation.
	Confirmer guard.Confirmer
	// Diagnostics feeds host problem reports into autonomous executors.
	Diagnostics executor.DiagnosticsProvider
	// Workspace contributes workspace context to enrichment; may be nil.
	Workspace WorkspaceInfo
	// Registerer receives the telemetry metrics; nil skips registration.
	Registerer prometheus.Registerer

	Logger logging.Logger
}

// Dispatcher is the runtime's front door. One instance serves the process;
// every Dispatch call is independent and safe to run concurrently.
type Dispatcher struct {
	registry    *agent.Registry
	pipeline    *middleware.Pipeline
	rateLimiter *middleware.RateLimiter
	cache       *cache.Cache
	memory      *memory.Store
	history     *history.Store
	guardrails  *guard.Guardrails
	workflows   *workflow.Engine
	telemetry   *telemetry.Tracker
	selector    *llm.Selector
	settings    *config.Settings
	client      llm.Client
	kv          kvstore.Store
	root        string
	workspace   WorkspaceInfo
	diagnostics executor.DiagnosticsProvider
	logger      logging.Logger

	mu              sync.RWMutex
	disabled        map[string]bool
	prompts         map[string]string
	eventRules      []config.EventRule
	profile         []string
	userMws         []middleware.Middleware
	configWorkflows []string
	consensusPrompt string
	stopConfigWatch func()
}

// New builds a dispatcher and its service graph.
func New(opts Options) (*Dispatcher, error) {
	if opts.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	logger := logging.OrNop(opts.Logger)
	registry := agent.NewRegistry(opts.Client, logging.NewComponentLogger("registry"))
	checkpoints := guard.NewCheckpointStore(opts.Root, logging.NewComponentLogger("checkpoint"))

	d := &Dispatcher{
		registry:    registry,
		pipeline:    middleware.NewPipeline(logging.NewComponentLogger("pipeline")),
		cache:       cache.New(opts.Settings.CacheMaxEntries(), opts.Settings.CacheTTL(), opts.KV, logging.NewComponentLogger("cache")),
		memory:      memory.NewStore(opts.KV, logging.NewComponentLogger("memory")),
		history:     history.NewStore(opts.KV, logging.NewComponentLogger("history")),
		guardrails:  guard.New(checkpoints, opts.Confirmer),
		telemetry:   telemetry.NewTracker(opts.KV, opts.Registerer, logging.NewComponentLogger("telemetry")),
		selector:    llm.NewSelector(),
		settings:    opts.Settings,
		client:      opts.Client,
		kv:          opts.KV,
		root:        opts.Root,
		workspace:   opts.Workspace,
		diagnostics: opts.Diagnostics,
		logger:      logger,
		disabled:    make(map[string]bool),
		prompts:     make(map[string]string),
	}
	d.workflows = workflow.NewEngine(registry, logging.NewComponentLogger("workflow"))
	d.rateLimiter = middleware.NewRateLimiter(opts.Settings.RateLimitPerMinute)
	d.rebuildPipeline()
	d.applySettings()
	d.loadProfile()
	opts.Settings.OnChange(func() {
		d.applySettings()
		d.rebuildPipeline()
	})
	return d, nil
}

// Registry exposes the agent registry for host registration.
func (d *Dispatcher) Registry() *agent.Registry { return d.registry }

// Workflows exposes the workflow engine.
func (d *Dispatcher) Workflows() *workflow.Engine { return d.workflows }

// Memory exposes the memory store.
func (d *Dispatcher) Memory() *memory.Store { return d.memory }

// Cache exposes the response cache.
func (d *Dispatcher) Cache() *cache.Cache { return d.cache }

// Guardrails exposes the safety layer.
func (d *Dispatcher) Guardrails() *guard.Guardrails { return d.guardrails }

// History exposes the conversation transcript.
func (d *Dispatcher) History() *history.Store { return d.history }

// Telemetry exposes the usage tracker.
func (d *Dispatcher) Telemetry() *telemetry.Tracker { return d.telemetry }

// Selector exposes the model selector for agent construction.
func (d *Dispatcher) Selector() *llm.Selector { return d.selector }

// EventRules returns the project config's event triggers for the host engine.
func (d *Dispatcher) EventRules() []config.EventRule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]config.EventRule(nil), d.eventRules...)
}

// Use appends a host middleware. It survives pipeline rebuilds triggered by
// settings changes.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.mu.Lock()
	d.userMws = append(d.userMws, mw)
	d.mu.Unlock()
	d.pipeline.Register(mw)
}

// SetConsensusPrompt overrides the synthesis instruction used by the
// collab-consensus command.
func (d *Dispatcher) SetConsensusPrompt(prompt string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consensusPrompt = prompt
}

// ActiveProfile returns the persisted routing profile, if any.
func (d *Dispatcher) ActiveProfile() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.profile...)
}

// SetActiveProfile restricts routing to the given agent ids and persists the
// choice. An empty list clears the profile.
func (d *Dispatcher) SetActiveProfile(ids []string) {
	d.mu.Lock()
	d.profile = append([]string(nil), ids...)
	d.mu.Unlock()
	if d.kv == nil {
		return
	}
	if len(ids) == 0 {
		if err := d.kv.Delete(profileKey); err != nil {
			d.logger.Warn("clear profile: %v", err)
		}
		return
	}
	if err := kvstore.SetJSON(d.kv, profileKey, ids); err != nil {
		d.logger.Warn("persist profile: %v", err)
	}
}

func (d *Dispatcher) loadProfile() {
	if d.kv == nil {
		return
	}
	var ids []string
	if found, err := kvstore.GetJSON(d.kv, profileKey, &ids); err != nil {
		d.logger.Warn("discarding unreadable profile: %v", err)
	} else if found {
		d.mu.Lock()
		d.profile = ids
		d.mu.Unlock()
	}
}

// rebuildPipeline reinstalls the built-in middlewares and re-registers every
// host middleware in its original order.
func (d *Dispatcher) rebuildPipeline() {
	d.mu.RLock()
	user := append([]middleware.Middleware(nil), d.userMws...)
	d.mu.RUnlock()

	d.pipeline.Clear()
	d.pipeline.Register(d.rateLimiter.Middleware())
	d.pipeline.Register(middleware.Timing())
	d.pipeline.Register(middleware.Usage(func(ac *agent.Context) string {
		if id, ok := ac.Values[agentIDKey].(string); ok {
			return id
		}
		return "unknown"
	}, d.telemetry))
	for _, mw := range user {
		d.pipeline.Register(mw)
	}
}

func (d *Dispatcher) applySettings() {
	d.guardrails.SetEnabled(d.settings.GuardrailsEnabled())
	d.guardrails.SetDryRun(d.settings.GuardrailsDryRun())
	d.guardrails.SetConfirmDestructive(d.settings.AutonomousConfirm())
	if evicted := d.memory.Prune(d.settings.MemoryPruneAge(), d.settings.MemoryMaxCount()); evicted > 0 {
		d.logger.Info("memory prune evicted %d records", evicted)
	}
}

// ApplyAgentRC folds a loaded project config into the runtime.
func (d *Dispatcher) ApplyAgentRC(rc *config.AgentRC) {
	if rc == nil {
		return
	}
	if rc.DefaultAgent != "" {
		if err := d.registry.SetDefault(rc.DefaultAgent); err != nil {
			d.logger.Warn("agentrc default agent: %v", err)
		}
	}

	d.mu.Lock()
	d.disabled = make(map[string]bool, len(rc.DisabledAgents))
	for _, id := range rc.DisabledAgents {
		d.disabled[strings.TrimSpace(id)] = true
	}
	d.prompts = make(map[string]string, len(rc.Prompts))
	for id, prompt := range rc.Prompts {
		d.prompts[id] = prompt
	}
	d.eventRules = append([]config.EventRule(nil), rc.EventRules...)
	previous := d.configWorkflows
	d.configWorkflows = d.configWorkflows[:0]
	for name := range rc.Workflows {
		d.configWorkflows = append(d.configWorkflows, name)
	}
	d.mu.Unlock()

	// Drop workflows the previous config registered but the new one lost.
	for _, name := range previous {
		if _, still := rc.Workflows[name]; !still {
			d.workflows.Remove(name)
		}
	}
	for name, def := range rc.Workflows {
		if err := d.workflows.Register(name, def); err != nil {
			d.logger.Warn("agentrc workflow %s: %v", name, err)
		}
	}

	if len(rc.Models) > 0 {
		d.selector.Configure(rc.Models)
	}
	if rc.Guardrails != nil {
		if rc.Guardrails.ConfirmDestructive != nil {
			d.guardrails.SetConfirmDestructive(*rc.Guardrails.ConfirmDestructive)
		}
		d.guardrails.SetDryRun(rc.Guardrails.DryRunDefault)
	}
	if rc.Memory != nil && rc.Memory.Enabled {
		maxAge := time.Duration(rc.Memory.MaxAgeMs) * time.Millisecond
		evicted := d.memory.Prune(maxAge, rc.Memory.MaxCount)
		if evicted > 0 {
			d.logger.Info("memory prune evicted %d records", evicted)
		}
	}
}

// WatchProjectConfig hot-reloads agentrc.json from projectDir.
func (d *Dispatcher) WatchProjectConfig(projectDir string) error {
	stop, err := config.WatchAgentRC(projectDir, d.logger, d.ApplyAgentRC)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.stopConfigWatch = stop
	d.mu.Unlock()
	return nil
}

// Close stops background watchers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	stop := d.stopConfigWatch
	d.stopConfigWatch = nil
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (d *Dispatcher) isDisabled(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.disabled[id]
}

func (d *Dispatcher) agentPrompt(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.prompts[id]
}

// Dispatch handles one host request end to end and returns the structured
// result. The rendered response reaches the caller through stream.
func (d *Dispatcher) Dispatch(ctx context.Context, req agent.Request, stream agent.Stream) (*agent.Result, error) {
	token := agent.NewCancelToken(ctx)
	defer token.Cancel()
	ctx = token.Ctx()

	ac := &agent.Context{
		Request: req,
		Stream:  stream,
		Token:   token,
		Values:  make(map[string]any),
	}

	cmd := strings.TrimSpace(req.Command)
	switch cmd {
	case CmdUndo:
		return d.runUndo(ac)
	case CmdClearCache:
		return d.runClearCache(ac)
	case CmdClearMemory:
		return d.runClearMemory(ac)
	case CmdHealth:
		return d.runHealth(ac)
	}

	d.history.Append("user", req.Prompt)

	if strings.HasPrefix(cmd, workflowCmdPrefix) {
		return d.runWorkflow(ctx, strings.TrimPrefix(cmd, workflowCmdPrefix), ac)
	}
	if strings.HasPrefix(cmd, collabCmdPrefix) {
		return d.runCollab(ctx, strings.TrimPrefix(cmd, collabCmdPrefix), ac)
	}

	target, err := d.route(ctx, cmd, ac)
	if err != nil {
		return nil, err
	}
	if d.isDisabled(target.ID()) {
		msg := fmt.Sprintf("Agent %s is disabled by project configuration.", target.ID())
		stream.Markdown(msg)
		return nil, fmt.Errorf("%w: %s", ErrAgentDisabled, target.ID())
	}
	ac.Values[agentIDKey] = target.ID()

	cacheable := d.settings.CacheEnabled() && !target.Autonomous()
	cacheKey := cache.MakeKey(req.Prompt, cmd, target.ID(), req.Model)
	if cacheable {
		if value, hit := d.cache.Get(cacheKey); hit {
			stream.Markdown(value)
			d.history.Append("assistant", value)
			result := &agent.Result{}
			result.Meta()[MetaCacheHit] = true
			return result, nil
		}
	}

	// Autonomous agents always get an executor; disabling guardrails only
	// drops the checkpoint, not the agent's ability to act.
	var checkpointID string
	var exec *executor.Executor
	if target.Autonomous() {
		if d.guardrails.Enabled() {
			checkpointID = d.guardrails.Checkpoints.Create(target.ID())
		}
		exec = executor.New(executor.Options{
			Root:         d.root,
			MaxSteps:     d.settings.AutonomousMaxSteps(),
			Guardrails:   d.guardrails,
			CheckpointID: checkpointID,
			Diagnostics:  d.diagnostics,
			Stream:       stream,
			OnDialog: func(elapsed time.Duration) {
				middleware.ExcludeFromTiming(ac, elapsed)
			},
			Logger: logging.NewComponentLogger("executor"),
		})
		executor.Attach(ac, exec)
	}

	ac.History = d.history.Tail(historyTailTurns, historyTailChars)
	ac.Enriched = d.enrich(ctx, target.ID())

	capture := agent.NewCaptureStream(stream)
	ac.Stream = capture

	// Dialog time is not handler latency: the clock starts here and the
	// executor reports in-handler confirmation spans via ExcludeFromTiming.
	middleware.StartTiming(ac)

	result, err := d.pipeline.Execute(ctx, target, ac)
	if err != nil {
		if checkpointID != "" {
			d.guardrails.Checkpoints.Rollback(checkpointID)
		}
		d.logger.Error("agent %s failed (%v): %v", target.ID(), Classify(err), err)
		return nil, err
	}

	_, skipped := result.Meta()[agent.MetaSkippedBy]
	if skipped {
		if msg, ok := result.Metadata["message"].(string); ok && msg != "" {
			stream.Markdown(msg)
		}
	}

	if checkpointID != "" {
		if skipped {
			// The handler never ran; discard the empty checkpoint so undo
			// keeps targeting the last real run.
			d.guardrails.Checkpoints.Rollback(checkpointID)
		} else {
			files := unionPaths(result.FilesAffected(), exec.Touched())
			if len(files) > 0 {
				if err := d.guardrails.Checkpoints.MarkCreated(checkpointID, files); err != nil {
					d.logger.Warn("checkpoint mark: %v", err)
				}
				result.Meta()[agent.MetaFilesAffected] = files
			}
			if err := d.guardrails.Checkpoints.Commit(checkpointID); err != nil {
				d.logger.Warn("checkpoint commit: %v", err)
			}
		}
	}

	captured := capture.Captured()
	if cacheable && !skipped && captured != "" {
		d.cache.Set(cacheKey, captured, cache.SetOptions{
			TTL:     d.settings.CacheTTL(),
			AgentID: target.ID(),
			ModelID: req.Model,
		})
	}
	if !skipped && !result.RememberOptOut() && len(captured) >= memoryMinChars {
		d.memory.Remember(target.ID(), truncate(captured, memoryCapChars), nil, memory.TypeContext)
		d.memory.Prune(d.settings.MemoryPruneAge(), d.settings.MemoryMaxCount())
	}
	if captured != "" {
		d.history.Append("assistant", captured)
	}
	return result, nil
}

// route picks the handling agent: direct resolution for commands and
// profiles, model-assisted routing otherwise.
func (d *Dispatcher) route(ctx context.Context, cmd string, ac *agent.Context) (agent.Agent, error) {
	profile := d.ActiveProfile()
	if cmd != "" || len(profile) > 0 {
		if target, ok := d.registry.Resolve(ac, profile); ok {
			return target, nil
		}
		return nil, agent.ErrEmptyRegistry
	}
	return d.registry.SmartRoute(ctx, ac, agent.RouteOptions{
		Hints: d.routeHints(),
		Model: ac.Request.Model,
	})
}

// routeHints converts today's telemetry into router hints.
func (d *Dispatcher) routeHints() map[string]agent.RouteHint {
	snapshot := d.telemetry.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	hints := make(map[string]agent.RouteHint, len(snapshot))
	for id, stats := range snapshot {
		hints[id] = agent.RouteHint{
			SuccessRate:  stats.SuccessRate(),
			AvgLatencyMs: stats.AvgLatencyMs,
		}
	}
	return hints
}

// enrich assembles the request's context block: agent-specific prompt,
// remembered facts, and workspace state. Conversation history travels
// separately in Context.History.
func (d *Dispatcher) enrich(ctx context.Context, agentID string) string {
	var sections []string
	if prompt := d.agentPrompt(agentID); prompt != "" {
		sections = append(sections, prompt)
	}
	if window := d.memory.BuildContextWindow(agentID, memoryWindowChars); window != "" {
		sections = append(sections, "Remembered context:\n"+window)
	}
	if d.workspace != nil {
		if snapshot := d.workspace.Snapshot(ctx); snapshot != "" {
			sections = append(sections, "Workspace:\n"+snapshot)
		}
	}
	return strings.Join(sections, "\n\n")
}

// runWorkflow executes a named workflow and streams a per-step summary.
func (d *Dispatcher) runWorkflow(ctx context.Context, name string, ac *agent.Context) (*agent.Result, error) {
	results, err := d.workflows.Run(ctx, name, ac)

	var b strings.Builder
	fmt.Fprintf(&b, "\n\n### Workflow %s\n", name)
	for _, res := range results {
		status := "ok"
		switch {
		case res.Skipped:
			status = "skipped"
		case !res.Succeeded():
			status = "failed: " + res.Error
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", res.Name, res.AgentID, status)
	}
	ac.Stream.Markdown(b.String())

	if err != nil {
		return nil, err
	}
	result := &agent.Result{}
	result.Meta()["workflow"] = name
	result.Meta()["steps"] = len(results)
	return result, nil
}

func unionPaths(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, path := range append(append([]string(nil), a...), b...) {
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, path)
	}
	return out
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
