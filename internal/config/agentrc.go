// Package config loads the project-local agentrc.json and the flat host
// settings, and notifies the dispatcher when either changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"relay/internal/llm"
	"relay/internal/logging"
	"relay/internal/workflow"
)

// AgentRCName is the recognized project config file name.
const AgentRCName = "agentrc.json"

// EventRule registers a trigger with the host event engine.
type EventRule struct {
	Event    string `json:"event"`
	Pattern  string `json:"pattern,omitempty"`
	AgentID  string `json:"agentId"`
	Prompt   string `json:"prompt,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// MemoryConfig triggers a prune at load time.
type MemoryConfig struct {
	Enabled  bool  `json:"enabled"`
	MaxAgeMs int64 `json:"maxAgeMs,omitempty"`
	MaxCount int   `json:"maxCount,omitempty"`
}

// GuardrailsConfig sets the runtime safety flags.
type GuardrailsConfig struct {
	ConfirmDestructive *bool `json:"confirmDestructive,omitempty"`
	DryRunDefault      bool  `json:"dryRunDefault,omitempty"`
}

// AgentRC is the project configuration shape. Unknown keys are ignored.
type AgentRC struct {
	DefaultAgent   string                         `json:"defaultAgent,omitempty"`
	DisabledAgents []string                       `json:"disabledAgents,omitempty"`
	Prompts        map[string]string              `json:"prompts,omitempty"`
	EventRules     []EventRule                    `json:"eventRules,omitempty"`
	Memory         *MemoryConfig                  `json:"memory,omitempty"`
	Guardrails     *GuardrailsConfig              `json:"guardrails,omitempty"`
	Workflows      map[string]workflow.Definition `json:"workflows,omitempty"`
	Models         map[string]llm.Preference      `json:"models,omitempty"`
}

// LoadAgentRC reads <projectDir>/agentrc.json. A missing file yields an empty
// config; a malformed file is an error the host surfaces without blocking.
func LoadAgentRC(projectDir string) (*AgentRC, error) {
	path := filepath.Join(projectDir, AgentRCName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AgentRC{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", AgentRCName, err)
	}
	var rc AgentRC
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", AgentRCName, err)
	}
	return &rc, nil
}

// WatchAgentRC reloads the project config on change and delivers it to
// onChange. Parse failures are logged and skipped so a half-saved file never
// wipes live config. Returns a stop function.
func WatchAgentRC(projectDir string, logger logging.Logger, onChange func(*AgentRC)) (func(), error) {
	logger = logging.OrNop(logger)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(projectDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", projectDir, err)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != AgentRCName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				rc, err := LoadAgentRC(projectDir)
				if err != nil {
					logger.Warn("agentrc reload skipped: %v", err)
					continue
				}
				onChange(rc)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher: %v", err)
			}
		}
	}()
	stop := func() {
		close(done)
		_ = watcher.Close()
	}
	return stop, nil
}
