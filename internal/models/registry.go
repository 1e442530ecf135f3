// Package models provides model registry, family classification and thinking utilities.
package models

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ThinkingSupport describes a model's supported internal reasoning budget range.
type ThinkingSupport struct {
	Min            int  `json:"min,omitempty"`
	Max            int  `json:"max,omitempty"`
	ZeroAllowed    bool `json:"zero_allowed,omitempty"`
	DynamicAllowed bool `json:"dynamic_allowed,omitempty"`
}

// ModelInfo represents information about an available model.
type ModelInfo struct {
	ID                  string           `json:"id"`
	DisplayName         string           `json:"display_name,omitempty"`
	Family              Family           `json:"family"`
	MaxCompletionTokens int              `json:"max_completion_tokens,omitempty"`
	Thinking            *ThinkingSupport `json:"thinking,omitempty"`
	Preview             bool             `json:"preview,omitempty"`
	Created             int64            `json:"created"`
}

// ModelConfig holds static configuration for backend models.
type ModelConfig struct {
	DisplayName         string
	Thinking            *ThinkingSupport
	MaxCompletionTokens int
	// Name is the backend model id when it differs from the public one.
	Name    string
	Preview bool
}

var modelConfigs = map[string]*ModelConfig{
	"gemini-2.5-flash": {
		DisplayName: "Gemini 2.5 Flash",
		Thinking:    &ThinkingSupport{Min: 0, Max: 24576, ZeroAllowed: true, DynamicAllowed: true},
	},
	"gemini-2.5-flash-lite": {
		DisplayName: "Gemini 2.5 Flash Lite",
		Thinking:    &ThinkingSupport{Min: 0, Max: 24576, ZeroAllowed: true, DynamicAllowed: true},
	},
	"gemini-2.5-pro": {
		DisplayName: "Gemini 2.5 Pro",
		Thinking:    &ThinkingSupport{Min: 128, Max: 32768, DynamicAllowed: true},
	},
	"gemini-3-flash": {
		DisplayName: "Gemini 3 Flash",
		Thinking:    &ThinkingSupport{Min: 128, Max: 32768, DynamicAllowed: true},
		Preview:     true,
	},
	"gemini-3-pro-high": {
		DisplayName: "Gemini 3 Pro High",
		Thinking:    &ThinkingSupport{Min: 128, Max: 32768, DynamicAllowed: true},
		Preview:     true,
	},
	"gemini-3-pro-low": {
		DisplayName: "Gemini 3 Pro Low",
		Thinking:    &ThinkingSupport{Min: 128, Max: 8192, DynamicAllowed: true},
		Preview:     true,
	},
	"claude-sonnet-4-5": {
		DisplayName:         "Claude Sonnet 4.5",
		MaxCompletionTokens: 64000,
	},
	"claude-sonnet-4-5-thinking": {
		DisplayName:         "Claude Sonnet 4.5 (Thinking)",
		Thinking:            &ThinkingSupport{Min: 1024, Max: 200000, DynamicAllowed: true},
		MaxCompletionTokens: 64000,
	},
	"claude-opus-4-5-thinking": {
		DisplayName:         "Claude Opus 4.5 (Thinking)",
		Thinking:            &ThinkingSupport{Min: 1024, Max: 200000, DynamicAllowed: true},
		MaxCompletionTokens: 64000,
	},
	"claude-opus-4-5": {
		DisplayName:         "Claude Opus 4.5",
		Name:                "claude-opus-4-5-thinking",
		MaxCompletionTokens: 64000,
	},
}

// GetModelConfig returns the static configuration for a model.
func GetModelConfig(model string) *ModelConfig {
	return modelConfigs[model]
}

// Alias2ModelName converts user-facing names to backend model names.
func Alias2ModelName(modelName string) string {
	cfg := GetModelConfig(modelName)
	if cfg != nil && cfg.Name != "" {
		return cfg.Name
	}
	return modelName
}

// IsThinkingModel reports whether a model produces signed thinking blocks.
func IsThinkingModel(model string) bool {
	if strings.Contains(strings.ToLower(model), "thinking") {
		return true
	}
	if IsClaude(model) {
		return false
	}
	cfg := GetModelConfig(model)
	return cfg != nil && cfg.Thinking != nil
}

// IsPreviewModel reports whether a model name belongs to the next-generation
// preview line that needs an explicit access grant.
func IsPreviewModel(model string) bool {
	if cfg := GetModelConfig(model); cfg != nil && cfg.Preview {
		return true
	}
	return strings.Contains(strings.ToLower(model), "gemini-3")
}

// Registry manages available models.
type Registry struct {
	models map[string]*ModelInfo
	mu     sync.RWMutex
}

// NewRegistry creates a new model registry with the static models.
func NewRegistry() *Registry {
	r := &Registry{models: make(map[string]*ModelInfo)}
	now := time.Now().Unix()
	for id, cfg := range modelConfigs {
		r.models[id] = &ModelInfo{
			ID:                  id,
			DisplayName:         cfg.DisplayName,
			Family:              FamilyForModel(id),
			MaxCompletionTokens: cfg.MaxCompletionTokens,
			Thinking:            cfg.Thinking,
			Preview:             cfg.Preview,
			Created:             now,
		}
	}
	return r
}

// GetModel returns a model by ID.
func (r *Registry) GetModel(id string) *ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models[id]
}

// ListModels returns all available models sorted by id.
func (r *Registry) ListModels() []*ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// AddModel adds or updates a model in the registry.
func (r *Registry) AddModel(m *ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
}
