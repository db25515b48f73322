package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectLookupOrder(t *testing.T) {
	s := NewSelector()
	s.Configure(map[string]Preference{
		"coder":  {Model: "big-model", MaxTokens: 4096},
		"coding": {Model: "medium-model"},
	})
	s.SetFallback(Preference{Model: "default-model"})

	assert.Equal(t, "big-model", s.Select("coder", "coding", "request-model").Model, "agent mapping wins")
	assert.Equal(t, "medium-model", s.Select("other", "coding", "request-model").Model, "category is second")
	assert.Equal(t, "request-model", s.Select("other", "unknown", "request-model").Model, "request model is third")
	assert.Equal(t, "default-model", s.Select("other", "unknown", "").Model, "fallback is last")
}

func TestConfigureReplacesMappings(t *testing.T) {
	s := NewSelector()
	s.Configure(map[string]Preference{"a": {Model: "m1"}})
	s.Configure(map[string]Preference{"b": {Model: "m2"}})

	assert.Equal(t, "req", s.Select("a", "", "req").Model, "old mapping must be gone")
	assert.Equal(t, "m2", s.Select("b", "", "").Model)
}
