package registry

import "fmt"

// PolicyResult is the outcome of a policy check. Reason is set only on denial
// and is surfaced verbatim to callers.
type PolicyResult struct {
	Allowed bool
	Reason  string
}

func allow() PolicyResult {
	return PolicyResult{Allowed: true}
}

func deny(reason string) PolicyResult {
	return PolicyResult{Allowed: false, Reason: reason}
}

// Policy evaluates whether task assignments, messages, and capability uses
// are permitted. All checks consult the registry's live tables.
type Policy struct {
	registry *Registry
}

// NewPolicy creates a policy evaluator bound to a registry.
func NewPolicy(r *Registry) *Policy {
	return &Policy{registry: r}
}

// EvaluateTaskAssignment checks that a task may be assigned to an agent.
func (p *Policy) EvaluateTaskAssignment(agent *AgentDefinition, taskDescription string) PolicyResult {
	if agent == nil {
		return deny("Agent definition is null")
	}
	if _, ok := p.registry.Agent(agent.Name); !ok {
		return deny(fmt.Sprintf("Agent '%s' is not registered", agent.Name))
	}
	if !hasText(taskDescription) {
		return deny("Task must have a description")
	}
	return allow()
}

// EvaluateMessage checks that a sender may deliver a payload to a recipient.
// The reserved name "hub" addresses the orchestrator and needs no agent entry.
func (p *Policy) EvaluateMessage(senderTokenID, recipientName string, payload map[string]any) PolicyResult {
	if senderTokenID == "" {
		return deny("No sender token provided")
	}
	if _, ok := p.registry.ValidateToken(senderTokenID); !ok {
		return deny("Sender token is invalid or expired")
	}
	if recipientName != "" && recipientName != "hub" {
		if _, ok := p.registry.Agent(recipientName); !ok {
			return deny(fmt.Sprintf("Recipient '%s' is not a registered agent", recipientName))
		}
	}
	if _, ok := payload["type"]; !ok {
		return deny("Payload must have a type field")
	}
	return allow()
}

// EvaluateCapability checks that a token carries a required capability.
func (p *Policy) EvaluateCapability(tokenID, capability string) PolicyResult {
	if tokenID == "" {
		return deny("No token provided")
	}
	token, ok := p.registry.ValidateToken(tokenID)
	if !ok {
		return deny("Token is invalid or expired")
	}
	if !token.HasCapability(capability) {
		return deny(fmt.Sprintf("Token lacks required capability '%s'", capability))
	}
	return allow()
}

func hasText(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			return true
		}
	}
	return false
}
