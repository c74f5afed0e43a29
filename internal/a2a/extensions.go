package a2a

import (
	"net/http"
	"strings"
)

// Extension URIs every counterparty must advertise.
const (
	AP2ExtensionURI          = "https://github.com/google-agentic-commerce/ap2/v1"
	CardNetworkExtensionURI  = "https://sample-card-network.github.io/paymentmethod/types/v1"
	HeaderExtensions         = "X-A2A-Extensions"
	ContentTypeJSON          = "application/json"
	WellKnownAgentCardSuffix = "/.well-known/agent.json"
)

// RequiredExtensions returns the protocol's required capability set in
// declaration order.
func RequiredExtensions() []string {
	return []string{AP2ExtensionURI, CardNetworkExtensionURI}
}

// BuildHeaders returns the metadata attached to every inter-agent call.
func BuildHeaders() http.Header {
	h := make(http.Header, 2)
	h.Set(HeaderExtensions, strings.Join(RequiredExtensions(), ","))
	h.Set("Content-Type", ContentTypeJSON)
	return h
}

// ParseExtensionsHeader splits a comma-joined extension header.
func ParseExtensionsHeader(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if uri := strings.TrimSpace(part); uri != "" {
			out = append(out, uri)
		}
	}
	return out
}

// Extension is one advertised capability.
type Extension struct {
	URI         string `json:"uri" yaml:"uri"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Capabilities lists advertised extensions.
type Capabilities struct {
	Extensions []Extension `json:"extensions" yaml:"extensions"`
}

// Skill describes one task an agent can perform.
type Skill struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// AgentCard is the self-description an agent publishes at
// /.well-known/agent.json.
type AgentCard struct {
	Name               string       `json:"name" yaml:"name"`
	Description        string       `json:"description,omitempty" yaml:"description,omitempty"`
	URL                string       `json:"url" yaml:"url"`
	Version            string       `json:"version,omitempty" yaml:"version,omitempty"`
	Capabilities       Capabilities `json:"capabilities" yaml:"capabilities"`
	Skills             []Skill      `json:"skills,omitempty" yaml:"skills,omitempty"`
	DefaultInputModes  []string     `json:"defaultInputModes,omitempty" yaml:"defaultInputModes,omitempty"`
	DefaultOutputModes []string     `json:"defaultOutputModes,omitempty" yaml:"defaultOutputModes,omitempty"`
}

// ExtensionURIs returns the URIs advertised by the card.
func (c AgentCard) ExtensionURIs() []string {
	out := make([]string, 0, len(c.Capabilities.Extensions))
	for _, ext := range c.Capabilities.Extensions {
		out = append(out, ext.URI)
	}
	return out
}

// Negotiation is the outcome of comparing advertised and required extensions.
type Negotiation struct {
	Supported bool     `json:"supported"`
	Missing   []string `json:"missing,omitempty"`
}

// Negotiate compares advertised capability URIs against the required set.
func Negotiate(advertised []string) Negotiation {
	have := make(map[string]struct{}, len(advertised))
	for _, uri := range advertised {
		have[strings.TrimSpace(uri)] = struct{}{}
	}
	var missing []string
	for _, uri := range RequiredExtensions() {
		if _, ok := have[uri]; !ok {
			missing = append(missing, uri)
		}
	}
	return Negotiation{Supported: len(missing) == 0, Missing: missing}
}

// ValidateAgentExtensions negotiates against an agent card.
func ValidateAgentExtensions(card AgentCard) Negotiation {
	return Negotiate(card.ExtensionURIs())
}
