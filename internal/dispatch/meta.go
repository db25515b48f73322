package dispatch

import (
	"fmt"
	"strings"

	"relay/internal/agent"
)

// runUndo rolls back the most recent committed checkpoint.
func (d *Dispatcher) runUndo(ac *agent.Context) (*agent.Result, error) {
	cp, ok := d.guardrails.Checkpoints.LatestCommitted()
	if !ok {
		ac.Stream.Markdown("Nothing to undo.")
		return &agent.Result{}, nil
	}
	if !d.guardrails.Checkpoints.Rollback(cp.ID) {
		return nil, fmt.Errorf("undo checkpoint %s failed", cp.ID)
	}
	ac.Stream.Markdown(fmt.Sprintf("Reverted %d file(s) from the last run of %s.", len(cp.Files), cp.AgentID))
	result := &agent.Result{}
	result.Meta()["checkpoint"] = cp.ID
	result.Meta()["filesReverted"] = len(cp.Files)
	return result, nil
}

func (d *Dispatcher) runClearCache(ac *agent.Context) (*agent.Result, error) {
	d.cache.Clear()
	ac.Stream.Markdown("Response cache cleared.")
	return &agent.Result{}, nil
}

func (d *Dispatcher) runClearMemory(ac *agent.Context) (*agent.Result, error) {
	d.memory.Clear()
	ac.Stream.Markdown("Agent memory cleared.")
	return &agent.Result{}, nil
}

// runHealth streams a runtime status summary.
func (d *Dispatcher) runHealth(ac *agent.Context) (*agent.Result, error) {
	agents := d.registry.List()
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID())
	}
	cacheStats := d.cache.Stats()
	memStats := d.memory.Stats()
	workflows := d.workflows.List()

	var b strings.Builder
	b.WriteString("### Runtime health\n\n")
	fmt.Fprintf(&b, "- Agents (%d): %s\n", len(ids), strings.Join(sortedIDs(ids), ", "))
	if def, ok := d.registry.Default(); ok {
		fmt.Fprintf(&b, "- Default agent: %s\n", def.ID())
	}
	fmt.Fprintf(&b, "- Cache: %d entries, %.0f%% hit rate (%d hits / %d misses)\n",
		cacheStats.Size, cacheStats.HitRatePercent, cacheStats.Hits, cacheStats.Misses)
	fmt.Fprintf(&b, "- Memory: %d records across %d agents\n",
		memStats.TotalRecords, len(memStats.PerAgentCounts))
	if len(workflows) > 0 {
		fmt.Fprintf(&b, "- Workflows: %s\n", strings.Join(workflows, ", "))
	}
	if profile := d.ActiveProfile(); len(profile) > 0 {
		fmt.Fprintf(&b, "- Active profile: %s\n", strings.Join(profile, ", "))
	}
	ac.Stream.Markdown(b.String())

	result := &agent.Result{}
	result.Meta()["agents"] = len(ids)
	result.Meta()["cacheSize"] = cacheStats.Size
	result.Meta()["memoryRecords"] = memStats.TotalRecords
	return result, nil
}
