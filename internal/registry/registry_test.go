package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AP2-Orchestrator/internal/a2a"
)

func TestKnownAgents(t *testing.T) {
	reg := KnownAgents()
	assert.Equal(t, []string{CredentialsProvider, MerchantAgent, MerchantPaymentProcessor, ShoppingAgent}, reg.IDs())

	e, ok := reg.Lookup(MerchantAgent)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8001", e.BaseURL)
	assert.True(t, a2a.Negotiate(e.Extensions).Supported)
}

func TestWithDoesNotMutate(t *testing.T) {
	base := KnownAgents()
	override := base.With(Entry{ID: MerchantAgent, BaseURL: "http://merchant.test"})

	e, _ := base.Lookup(MerchantAgent)
	assert.Equal(t, "http://localhost:8001", e.BaseURL)
	e, _ = override.Lookup(MerchantAgent)
	assert.Equal(t, "http://merchant.test", e.BaseURL)

	e.Extensions = append(e.Extensions, "mutated")
	again, _ := override.Lookup(MerchantAgent)
	assert.NotContains(t, again.Extensions, "mutated")
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	_, ok := r.Lookup(MerchantAgent)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
	assert.Equal(t, 1, r.With(Entry{ID: "x"}).Len())
}

func TestFromConfig(t *testing.T) {
	reg := FromConfig(map[string]AgentConfig{
		MerchantAgent:       {BaseURL: "http://m:9000/", PublicKey: "02ab"},
		CredentialsProvider: {Extensions: []string{a2a.AP2ExtensionURI}},
		"loyalty_agent":     {Name: "Loyalty", BaseURL: "http://l"},
	})

	m, ok := reg.Lookup(MerchantAgent)
	require.True(t, ok)
	assert.Equal(t, "http://m:9000", m.BaseURL)
	assert.Equal(t, "02ab", m.PublicKey)
	assert.Equal(t, "Merchant Agent", m.Name)

	c, _ := reg.Lookup(CredentialsProvider)
	assert.False(t, a2a.Negotiate(c.Extensions).Supported)

	l, ok := reg.Lookup("loyalty_agent")
	require.True(t, ok)
	assert.Equal(t, a2a.RequiredExtensions(), l.Extensions)
	assert.Equal(t, 5, reg.Len())
}
