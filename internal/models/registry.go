// Package models holds the static table mapping client model keys to upstream
// model identifiers, and the credit arithmetic built on it.
package models

import (
	"math"
	"sort"

	"chatrelay/internal/config"
	"chatrelay/internal/model"
)

type Model struct {
	Key               string
	UpstreamID        string
	DisplayName       string
	CreditsPer1KToken float64
}

// charsPerToken approximates tokenisation for credit estimates.
const charsPerToken = 4

var builtin = []Model{
	{Key: "gemini-flash", UpstreamID: "google/gemini-2.5-flash", DisplayName: "Gemini Flash", CreditsPer1KToken: 1},
	{Key: "gemini-flash-lite", UpstreamID: "google/gemini-2.5-flash-lite", DisplayName: "Gemini Flash Lite", CreditsPer1KToken: 0.5},
	{Key: "gemini-pro", UpstreamID: "google/gemini-2.5-pro", DisplayName: "Gemini Pro", CreditsPer1KToken: 4},
	{Key: "gpt-5", UpstreamID: "openai/gpt-5", DisplayName: "GPT-5", CreditsPer1KToken: 5},
	{Key: "gpt-5-mini", UpstreamID: "openai/gpt-5-mini", DisplayName: "GPT-5 Mini", CreditsPer1KToken: 2},
	{Key: "gpt-5-nano", UpstreamID: "openai/gpt-5-nano", DisplayName: "GPT-5 Nano", CreditsPer1KToken: 1},
}

type Registry struct {
	models       map[string]Model
	defaultModel string
}

// NewRegistry builds a registry from the builtin table overlaid with the
// configured entries. defaultKey must name a model in the resulting table,
// otherwise the first builtin model is used.
func NewRegistry(overrides []config.ModelConfig, defaultKey string) *Registry {
	r := &Registry{models: make(map[string]Model, len(builtin)+len(overrides))}
	for _, m := range builtin {
		r.models[m.Key] = m
	}
	for _, o := range overrides {
		if o.Key == "" || o.UpstreamID == "" {
			continue
		}
		name := o.DisplayName
		if name == "" {
			name = o.Key
		}
		r.models[o.Key] = Model{
			Key:               o.Key,
			UpstreamID:        o.UpstreamID,
			DisplayName:       name,
			CreditsPer1KToken: o.CreditsPer1KToken,
		}
	}

	if _, ok := r.models[defaultKey]; ok {
		r.defaultModel = defaultKey
	} else {
		r.defaultModel = builtin[0].Key
	}
	return r
}

func (r *Registry) Lookup(key string) (Model, bool) {
	m, ok := r.models[key]
	return m, ok
}

// Resolve never fails: unknown keys fall back to the default model. The bool
// reports whether the fallback was taken.
func (r *Registry) Resolve(key string) (Model, bool) {
	if m, ok := r.models[key]; ok {
		return m, false
	}
	return r.models[r.defaultModel], true
}

func (r *Registry) Default() Model {
	return r.models[r.defaultModel]
}

func (r *Registry) List() []model.ModelInfo {
	out := make([]model.ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, model.ModelInfo{
			Key:               m.Key,
			DisplayName:       m.DisplayName,
			CreditsPer1KToken: m.CreditsPer1KToken,
			Default:           m.Key == r.defaultModel,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// EstimateCredits prices a turn from character counts. Any billable turn costs
// at least one credit; results are rounded up to two decimals.
func (r *Registry) EstimateCredits(key string, promptChars, completionChars int) float64 {
	m, _ := r.Resolve(key)
	chars := promptChars + completionChars
	if chars <= 0 {
		return 0
	}
	tokens := math.Ceil(float64(chars) / charsPerToken)
	credits := tokens / 1000 * m.CreditsPer1KToken
	credits = math.Ceil(credits*100) / 100
	if credits < 1 {
		return 1
	}
	return credits
}
