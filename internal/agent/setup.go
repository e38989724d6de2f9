package agent

import (
	"github.com/michaelbrown/toolsmith/internal/config"
	"github.com/michaelbrown/toolsmith/internal/llm"
)

// Selection names what an agent should run with. Empty fields fall back to
// the profile, then to the config defaults.
type Selection struct {
	Provider string
	Model    string
	Profile  string
}

// NewClientFunc builds the LLM client for a provider; tests replace it.
type NewClientFunc func(p config.ProviderConfig, model string) llm.Client

// DefaultClient connects to the provider's OpenAI-compatible endpoint.
func DefaultClient(p config.ProviderConfig, model string) llm.Client {
	return llm.NewClient(p.BaseURL, p.APIKey, model)
}

// FromConfig builds an agent for sel and returns the effective selection.
func FromConfig(cfg *config.Config, sel Selection, tools ToolOpener, newClient NewClientFunc) (*Agent, Selection, error) {
	var profile *Profile
	if sel.Profile != "" {
		var err error
		profile, err = LoadNamedProfile(cfg.Agent.ProfilesDir, sel.Profile)
		if err != nil {
			return nil, sel, err
		}
		if sel.Provider == "" {
			sel.Provider = profile.Provider
		}
		if sel.Model == "" {
			sel.Model = profile.Model
		}
	}

	name, provider, model, err := cfg.Select(sel.Provider, sel.Model)
	if err != nil {
		return nil, sel, err
	}
	sel.Provider, sel.Model = name, model

	maxIter := cfg.Agent.MaxIterations
	if profile != nil && profile.MaxIter > 0 {
		maxIter = profile.MaxIter
	}

	a := New(newClient(provider, model), tools, maxIter)
	a.SetMaxDelegationDepth(cfg.Agent.MaxDelegationDepth)
	a.SetMaxTokens(cfg.Agent.ContextMaxTokens)
	if utility := provider.Models["utility"]; utility != "" {
		a.SetUtilityLLM(newClient(provider, utility))
	}

	if profile != nil {
		a.SetSystemPrompt(profile.SystemPrompt)
		if err := a.FilterTools(profile.Tools); err != nil {
			return nil, sel, err
		}
		if profile.MaxDelegationDepth != nil {
			a.SetMaxDelegationDepth(*profile.MaxDelegationDepth)
		}
	}
	return a, sel, nil
}
