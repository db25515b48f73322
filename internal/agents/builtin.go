// Package agents provides the built-in agent set registered by the CLI host:
// a conversational default, a read-only reviewer, and an autonomous coder that
// applies model-proposed file changes through the bounded executor.
package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"relay/internal/agent"
	"relay/internal/executor"
	"relay/internal/llm"
)

// NewDefaults returns the built-in agents in registration order; the chat
// agent registers first and becomes the default.
func NewDefaults(client llm.Client, selector *llm.Selector) []agent.Agent {
	return []agent.Agent{
		NewChat(client, selector),
		NewReviewer(client, selector),
		NewCoder(client, selector),
	}
}

// Chat is the conversational default agent.
type Chat struct {
	agent.BaseAgent
}

// NewChat builds the default conversational agent.
func NewChat(client llm.Client, selector *llm.Selector) *Chat {
	return &Chat{BaseAgent: agent.BaseAgent{
		AgentID:    "chat",
		Name:       "Chat",
		Desc:       "General questions, explanations, and conversation.",
		Category:   "general",
		SystemText: "You are a concise, helpful assistant. Answer directly.",
		Client:     client,
		Selector:   selector,
	}}
}

func (a *Chat) Handle(ctx context.Context, ac *agent.Context) (*agent.Result, error) {
	if err := a.SendStreaming(ctx, ac, ac.Request.Prompt); err != nil {
		return nil, err
	}
	return &agent.Result{}, nil
}

// Reviewer analyzes code and text without touching the workspace.
type Reviewer struct {
	agent.BaseAgent
}

// NewReviewer builds the read-only review agent.
func NewReviewer(client llm.Client, selector *llm.Selector) *Reviewer {
	return &Reviewer{BaseAgent: agent.BaseAgent{
		AgentID:  "review",
		Name:     "Reviewer",
		Desc:     "Code and text review: correctness, clarity, edge cases.",
		Category: "analysis",
		SystemText: "You are a meticulous reviewer. Point out concrete problems " +
			"with line references where possible, then suggest fixes. Never rewrite wholesale.",
		Client:   client,
		Selector: selector,
	}}
}

func (a *Reviewer) Handle(ctx context.Context, ac *agent.Context) (*agent.Result, error) {
	if err := a.SendStreaming(ctx, ac, ac.Request.Prompt); err != nil {
		return nil, err
	}
	result := &agent.Result{}
	result.FollowUps = append(result.FollowUps, agent.Suggestion{
		Title:  "Apply the suggested fixes",
		Prompt: "Apply the fixes from the review above.",
	})
	return result, nil
}

// Coder is the autonomous agent: it asks the model for complete file contents
// and applies them through the invocation's executor, so every write is
// budgeted, checkpointed, and confirmable.
type Coder struct {
	agent.BaseAgent
}

// NewCoder builds the autonomous coding agent.
func NewCoder(client llm.Client, selector *llm.Selector) *Coder {
	return &Coder{BaseAgent: agent.BaseAgent{
		AgentID:  "coder",
		Name:     "Coder",
		Desc:     "Autonomous code changes: creates and edits workspace files.",
		Category: "coding",
		IsAuto:   true,
		SystemText: "You are a coding agent. For every file you want to write, emit a block:\n" +
			"FILE: <relative/path>\n```\n<complete file content>\n```\n" +
			"Emit nothing but FILE blocks and a short summary line before them.",
		Client:   client,
		Selector: selector,
	}}
}

// fileBlockRe matches one FILE block in the model reply. The fence language
// tag is optional and ignored.
var fileBlockRe = regexp.MustCompile("(?s)FILE:[ \\t]*(\\S+)\\s*\\n```[a-zA-Z0-9]*\\n(.*?)```")

func (a *Coder) Handle(ctx context.Context, ac *agent.Context) (*agent.Result, error) {
	exec, ok := executor.From(ac)
	if !ok {
		return nil, fmt.Errorf("agent %s: no executor attached", a.AgentID)
	}

	prompt := ac.Request.Prompt
	if refs := a.readReferences(ctx, exec, ac.Request.References); refs != "" {
		prompt += "\n\nCurrent file contents:\n" + refs
	}
	if diags := renderDiagnostics(exec.GetDiagnostics(executor.SeverityWarning)); diags != "" {
		prompt += "\n\nOpen problems:\n" + diags
	}

	quiet := ac.WithStream(&agent.BufferStream{})
	reply, err := a.Send(ctx, quiet, prompt)
	if err != nil {
		return nil, err
	}

	matches := fileBlockRe.FindAllStringSubmatch(reply, -1)
	if len(matches) == 0 {
		// No file blocks: treat the reply as analysis and surface it as-is.
		ac.Stream.Markdown(reply)
		return &agent.Result{}, nil
	}

	files := make(map[string]string, len(matches))
	order := make([]string, 0, len(matches))
	for _, m := range matches {
		path := strings.TrimSpace(m[1])
		if _, seen := files[path]; !seen {
			order = append(order, path)
		}
		files[path] = m[2]
	}

	var applied []string
	for _, path := range order {
		content := files[path]
		if exec.FileExists(ctx, path) {
			old, err := exec.ReadFile(ctx, path)
			if err != nil {
				return nil, err
			}
			if old == content {
				continue
			}
			if err := replaceFile(ctx, exec, path, old, content); err != nil {
				return nil, err
			}
		} else {
			if err := exec.CreateFile(ctx, path, content); err != nil {
				return nil, err
			}
		}
		applied = append(applied, path)
	}

	var b strings.Builder
	if summary := summaryLine(reply); summary != "" {
		b.WriteString(summary + "\n\n")
	}
	if len(applied) == 0 {
		b.WriteString("No file changes were needed.")
	} else {
		fmt.Fprintf(&b, "Updated %d file(s):\n", len(applied))
		for _, path := range applied {
			b.WriteString("- " + path + "\n")
		}
	}
	ac.Stream.Markdown(b.String())

	result := &agent.Result{}
	if len(applied) > 0 {
		result.Meta()[agent.MetaFilesAffected] = applied
	}
	return result, nil
}

// readReferences loads the referenced files so the model sees current state.
// Reads are free against the step budget.
func (a *Coder) readReferences(ctx context.Context, exec *executor.Executor, refs []string) string {
	var b strings.Builder
	for _, ref := range refs {
		content, err := exec.ReadFile(ctx, ref)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "FILE: %s\n```\n%s\n```\n", ref, content)
	}
	return b.String()
}

// replaceFile swaps a file's whole content. An empty original cannot anchor a
// unique-occurrence edit, so it is recreated instead.
func replaceFile(ctx context.Context, exec *executor.Executor, path, old, content string) error {
	if old == "" {
		if err := exec.DeleteFile(ctx, path); err != nil {
			return err
		}
		return exec.CreateFile(ctx, path, content)
	}
	return exec.EditFile(ctx, path, old, content)
}

func renderDiagnostics(diags []executor.Diagnostic) string {
	var b strings.Builder
	for _, d := range diags {
		fmt.Fprintf(&b, "- %s:%d %s\n", d.Path, d.Line, d.Message)
	}
	return b.String()
}

// summaryLine returns the reply text preceding the first FILE block.
func summaryLine(reply string) string {
	idx := strings.Index(reply, "FILE:")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(reply[:idx])
}
