package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"relay/internal/agent"
	"relay/internal/llm"
)

// Collaboration modes reachable through the collab-* commands.
const (
	collabVote      = "vote"
	collabDebate    = "debate"
	collabConsensus = "consensus"
	collabReview    = "review"
)

const defaultConsensusPrompt = "You are a synthesizer. Merge the answers below into one coherent response. " +
	"Prefer points the answers agree on; flag real disagreements explicitly."

// runCollab fans one prompt out across several agents. The participant list
// comes from the request references; without one, every registered agent
// participates.
func (d *Dispatcher) runCollab(ctx context.Context, mode string, ac *agent.Context) (*agent.Result, error) {
	ids, prompt := d.collabParticipants(ac.Request)
	if len(ids) < 2 {
		return nil, fmt.Errorf("collab-%s needs at least two agents", mode)
	}
	ac = ac.WithPrompt(prompt)

	switch mode {
	case collabVote:
		return d.collabRunVote(ctx, ids, ac)
	case collabDebate:
		return d.collabRunDebate(ctx, ids, ac)
	case collabConsensus:
		return d.collabRunConsensus(ctx, ids, ac)
	case collabReview:
		return d.collabRunReview(ctx, ids, ac)
	default:
		return nil, fmt.Errorf("unknown collaboration mode: %s", mode)
	}
}

// collabParticipants resolves the agent list. References win; otherwise every
// registered, non-disabled agent joins.
func (d *Dispatcher) collabParticipants(req agent.Request) ([]string, string) {
	var ids []string
	for _, ref := range req.References {
		for _, id := range strings.Split(ref, ",") {
			id = strings.TrimSpace(id)
			if id != "" && !d.isDisabled(id) {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		for _, a := range d.registry.List() {
			if !d.isDisabled(a.ID()) {
				ids = append(ids, a.ID())
			}
		}
	}
	return ids, req.Prompt
}

// collabRunVote asks every participant the same question and tallies identical
// trimmed answers. The majority answer is streamed; ties keep the first answer
// that reached the winning count.
func (d *Dispatcher) collabRunVote(ctx context.Context, ids []string, ac *agent.Context) (*agent.Result, error) {
	outcomes := d.registry.Parallel(ctx, collabTasks(ids, ac.Request.Prompt), ac)

	tally := make(map[string]int)
	var order []string
	failures := 0
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			failures++
			continue
		}
		answer := strings.TrimSpace(outcome.Text)
		if answer == "" {
			continue
		}
		if tally[answer] == 0 {
			order = append(order, answer)
		}
		tally[answer]++
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("collab-vote: no agent produced an answer")
	}

	winner := order[0]
	for _, answer := range order {
		if tally[answer] > tally[winner] {
			winner = answer
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### Vote (%d agents, %d failed)\n\n", len(ids), failures)
	for _, outcome := range outcomes {
		mark := "voted"
		if outcome.Err != nil {
			mark = "failed: " + outcome.Err.Error()
		}
		fmt.Fprintf(&b, "- %s: %s\n", outcome.AgentID, mark)
	}
	fmt.Fprintf(&b, "\n**Winning answer (%d/%d):**\n\n%s\n", tally[winner], len(ids)-failures, winner)
	ac.Stream.Markdown(b.String())

	result := &agent.Result{}
	result.Meta()["votes"] = tally[winner]
	result.Meta()["participants"] = len(ids)
	return result, nil
}

// collabRunDebate runs two rounds: independent positions, then rebuttals that
// see everyone else's opening position.
func (d *Dispatcher) collabRunDebate(ctx context.Context, ids []string, ac *agent.Context) (*agent.Result, error) {
	opening := d.registry.Parallel(ctx, collabTasks(ids, ac.Request.Prompt), ac)

	rebuttalTasks := make([]agent.Task, 0, len(ids))
	for i, id := range ids {
		var others strings.Builder
		for j, outcome := range opening {
			if i == j || outcome.Err != nil || outcome.Text == "" {
				continue
			}
			fmt.Fprintf(&others, "%s said:\n%s\n\n", outcome.AgentID, strings.TrimSpace(outcome.Text))
		}
		prompt := ac.Request.Prompt
		if others.Len() > 0 {
			prompt = fmt.Sprintf("%s\n\n--- other positions ---\n\n%sRespond to the other positions and refine your answer.",
				ac.Request.Prompt, others.String())
		}
		rebuttalTasks = append(rebuttalTasks, agent.Task{AgentID: id, Prompt: prompt})
	}
	rebuttal := d.registry.Parallel(ctx, rebuttalTasks, ac)

	var b strings.Builder
	b.WriteString("### Debate\n")
	for round, outcomes := range [][]agent.TaskOutcome{opening, rebuttal} {
		fmt.Fprintf(&b, "\n#### Round %d\n\n", round+1)
		for _, outcome := range outcomes {
			if outcome.Err != nil {
				fmt.Fprintf(&b, "**%s** failed: %v\n\n", outcome.AgentID, outcome.Err)
				continue
			}
			fmt.Fprintf(&b, "**%s:**\n\n%s\n\n", outcome.AgentID, strings.TrimSpace(outcome.Text))
		}
	}
	ac.Stream.Markdown(b.String())

	result := &agent.Result{}
	result.Meta()["rounds"] = 2
	result.Meta()["participants"] = len(ids)
	return result, nil
}

// collabRunConsensus gathers independent answers and asks the model to merge
// them into one response.
func (d *Dispatcher) collabRunConsensus(ctx context.Context, ids []string, ac *agent.Context) (*agent.Result, error) {
	if d.client == nil {
		return nil, fmt.Errorf("collab-consensus needs a model client")
	}
	outcomes := d.registry.Parallel(ctx, collabTasks(ids, ac.Request.Prompt), ac)

	var answers strings.Builder
	contributors := 0
	for _, outcome := range outcomes {
		if outcome.Err != nil || strings.TrimSpace(outcome.Text) == "" {
			continue
		}
		contributors++
		fmt.Fprintf(&answers, "Answer from %s:\n%s\n\n", outcome.AgentID, strings.TrimSpace(outcome.Text))
	}
	if contributors == 0 {
		return nil, fmt.Errorf("collab-consensus: no agent produced an answer")
	}

	d.mu.RLock()
	system := d.consensusPrompt
	d.mu.RUnlock()
	if system == "" {
		system = defaultConsensusPrompt
	}
	merged, err := d.client.Complete(ctx, llm.Request{
		Model:  ac.Request.Model,
		System: system,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Question:\n%s\n\n%s", ac.Request.Prompt, answers.String()),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("consensus synthesis: %w", err)
	}

	ac.Stream.Markdown(fmt.Sprintf("### Consensus (%d agents)\n\n%s\n", contributors, strings.TrimSpace(merged)))
	result := &agent.Result{}
	result.Meta()["participants"] = contributors
	return result, nil
}

// collabRunReview chains the agents: the first answers, each later agent
// reviews and improves the piped output of its predecessors.
func (d *Dispatcher) collabRunReview(ctx context.Context, ids []string, ac *agent.Context) (*agent.Result, error) {
	steps := make([]agent.ChainStep, 0, len(ids))
	for i, id := range ids {
		if i == 0 {
			steps = append(steps, agent.ChainStep{AgentID: id, Prompt: ac.Request.Prompt})
			continue
		}
		steps = append(steps, agent.ChainStep{
			AgentID:    id,
			Prompt:     "Review the previous output. Fix mistakes and return the improved version.",
			PipeOutput: true,
		})
	}
	// Chain stages write through a capture proxy onto ac.Stream; silence the
	// intermediates and surface only the final revision.
	quiet := ac.WithStream(&agent.BufferStream{})
	outcomes, err := d.registry.Chain(ctx, steps, quiet)
	if err != nil {
		return nil, err
	}
	final := outcomes[len(outcomes)-1]
	ac.Stream.Markdown(fmt.Sprintf("### Review chain (%s)\n\n%s\n",
		strings.Join(ids, " → "), strings.TrimSpace(final.Text)))

	result := &agent.Result{}
	result.Meta()["stages"] = len(outcomes)
	return result, nil
}

func collabTasks(ids []string, prompt string) []agent.Task {
	tasks := make([]agent.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, agent.Task{AgentID: id, Prompt: prompt})
	}
	return tasks
}

// sortedIDs is a stable view used by health reporting.
func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
