package agent

import (
	"context"
	"fmt"

	"relay/internal/llm"
)

// BaseAgent carries the identity fields and transport plumbing shared by
// concrete agents. Embed it and implement Handle.
type BaseAgent struct {
	AgentID     string
	Name        string
	Desc        string
	Category    string
	IsAuto      bool
	SystemText  string
	Client      llm.Client
	Selector    *llm.Selector
}

func (b *BaseAgent) ID() string          { return b.AgentID }
func (b *BaseAgent) DisplayName() string { return b.Name }
func (b *BaseAgent) Description() string { return b.Desc }
func (b *BaseAgent) Autonomous() bool    { return b.IsAuto }

// buildRequest assembles a transport request for this agent, resolving the
// model through the selector so delegation always uses the delegate's model.
func (b *BaseAgent) buildRequest(ac *Context, prompt string) llm.Request {
	pref := llm.Preference{Model: ac.Request.Model}
	if b.Selector != nil {
		pref = b.Selector.Select(b.AgentID, b.Category, ac.Request.Model)
	}
	system := b.SystemText
	if ac.Enriched != "" {
		if system != "" {
			system += "\n\n"
		}
		system += ac.Enriched
	}
	msgs := make([]llm.Message, 0, len(ac.History)+1)
	for _, turn := range ac.History {
		msgs = append(msgs, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: prompt})
	return llm.Request{
		Model:       pref.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   pref.MaxTokens,
		Temperature: pref.Temperature,
	}
}

// Send performs a blocking completion and writes the reply to the stream.
func (b *BaseAgent) Send(ctx context.Context, ac *Context, prompt string) (string, error) {
	if b.Client == nil {
		return "", fmt.Errorf("agent %s: no transport configured", b.AgentID)
	}
	reply, err := b.Client.Complete(ctx, b.buildRequest(ac, prompt))
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", b.AgentID, err)
	}
	if ac.Stream != nil {
		ac.Stream.Markdown(reply)
	}
	return reply, nil
}

// SendStreaming streams the reply fragment by fragment into the stream.
func (b *BaseAgent) SendStreaming(ctx context.Context, ac *Context, prompt string) error {
	if b.Client == nil {
		return fmt.Errorf("agent %s: no transport configured", b.AgentID)
	}
	err := b.Client.Stream(ctx, b.buildRequest(ac, prompt), func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ac.Stream != nil {
			ac.Stream.Markdown(chunk)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("agent %s: %w", b.AgentID, err)
	}
	return nil
}
