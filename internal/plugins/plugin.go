// Package plugins loads agent definitions from JSON files, validates them,
// and keeps the registry in sync as the plugins directory changes.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"relay/internal/agent"
	"relay/internal/llm"
)

// Definition is the on-disk plugin agent shape. Unknown JSON fields are
// ignored; missing mandatory fields reject the plugin.
type Definition struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	SystemPrompt string            `json:"systemPrompt"`
	Autonomous   bool              `json:"autonomous"`
	Icon         string            `json:"icon,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Delegates    []string          `json:"delegates,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

var kebabCase = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Parse decodes and validates a plugin definition. Malformed plugins are
// rejected with a descriptive error and never registered.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("malformed plugin JSON: %w", err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if !kebabCase.MatchString(d.ID) {
		return fmt.Errorf("plugin id %q must be kebab-case", d.ID)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("plugin %s: name is required", d.ID)
	}
	if strings.TrimSpace(d.Description) == "" {
		return fmt.Errorf("plugin %s: description is required", d.ID)
	}
	if strings.TrimSpace(d.SystemPrompt) == "" {
		return fmt.Errorf("plugin %s: systemPrompt is required", d.ID)
	}
	for _, delegate := range d.Delegates {
		if !kebabCase.MatchString(delegate) {
			return fmt.Errorf("plugin %s: delegate id %q must be kebab-case", d.ID, delegate)
		}
	}
	return nil
}

// HostVars supplies the built-in variable values.
type HostVars struct {
	WorkspaceRoot string
	Language      string
	Now           func() time.Time
}

// Substitute expands {{...}} variables into the system prompt. Built-in
// variables substitute before user variables so user config can never shadow
// workspace-derived values.
func (d *Definition) Substitute(host HostVars) string {
	now := time.Now
	if host.Now != nil {
		now = host.Now
	}
	builtins := map[string]string{
		"workspaceRoot": host.WorkspaceRoot,
		"language":      host.Language,
		"date":          now().Format("2006-01-02"),
	}
	prompt := d.SystemPrompt
	for name, value := range builtins {
		prompt = strings.ReplaceAll(prompt, "{{"+name+"}}", value)
	}
	for name, value := range d.Variables {
		if _, isBuiltin := builtins[name]; isBuiltin {
			continue
		}
		prompt = strings.ReplaceAll(prompt, "{{"+name+"}}", value)
	}
	return prompt
}

// Agent is a registry agent backed by a plugin definition. Handle streams the
// model reply with the substituted system prompt.
type Agent struct {
	agent.BaseAgent
	def  *Definition
	host HostVars
}

// NewAgent binds a validated definition to the transport and selector.
func NewAgent(def *Definition, client llm.Client, selector *llm.Selector, host HostVars) *Agent {
	return &Agent{
		BaseAgent: agent.BaseAgent{
			AgentID:  def.ID,
			Name:     def.Name,
			Desc:     def.Description,
			IsAuto:   def.Autonomous,
			Client:   client,
			Selector: selector,
		},
		def:  def,
		host: host,
	}
}

// Definition exposes the backing definition (for listing and inspection).
func (a *Agent) Definition() Definition { return *a.def }

func (a *Agent) Handle(ctx context.Context, ac *agent.Context) (*agent.Result, error) {
	// Substitution happens per request so {{date}} stays current; the shared
	// BaseAgent is copied, never mutated.
	base := a.BaseAgent
	base.SystemText = a.def.Substitute(a.host)
	if err := base.SendStreaming(ctx, ac, ac.Request.Prompt); err != nil {
		return nil, err
	}
	return &agent.Result{}, nil
}
