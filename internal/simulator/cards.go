package simulator

import (
	"net/http"

	"AP2-Orchestrator/internal/a2a"
)

type cardRole int

const (
	roleAll cardRole = iota
	roleMerchant
	roleWallet
	roleProcessor
)

func extensions() []a2a.Extension {
	return []a2a.Extension{
		{URI: a2a.AP2ExtensionURI, Description: "Supports the Agent Payments Protocol.", Required: true},
		{URI: a2a.CardNetworkExtensionURI, Description: "Supports the sample card network payment method extension."},
	}
}

// agentCard 返回角色对应的代理卡片，publicURL 为空时卡片只含相对路径。
func (s *Server) agentCard(role cardRole) a2a.AgentCard {
	card := a2a.AgentCard{
		Version:            "1.0.0",
		Capabilities:       a2a.Capabilities{Extensions: extensions()},
		DefaultInputModes:  []string{"json"},
		DefaultOutputModes: []string{"json"},
	}
	switch role {
	case roleMerchant:
		card.Name = "Merchant Agent"
		card.Description = "Sells groceries and signs cart mandates."
		card.URL = s.publicURL + "/merchant"
		card.Skills = []a2a.Skill{
			{ID: "search_catalog", Name: "Search Catalog", Tags: []string{"merchant"}},
			{ID: "create_cart", Name: "Create Cart Mandate", Tags: []string{"merchant", "ap2"}},
		}
	case roleWallet:
		card.Name = "Credentials Provider"
		card.Description = "Holds payment methods and issues payment tokens."
		card.URL = s.publicURL + "/wallet"
		card.Skills = []a2a.Skill{
			{ID: "search_payment_methods", Name: "Search Payment Methods", Tags: []string{"payments"}},
			{ID: "create_payment_credential_token", Name: "Create Payment Token", Tags: []string{"payments", "ap2"}},
		}
	case roleProcessor:
		card.Name = "Merchant Payment Processor"
		card.Description = "Charges payment mandates with step-up authentication."
		card.URL = s.publicURL + "/processor"
		card.Skills = []a2a.Skill{
			{ID: "initiate_payment", Name: "Initiate Payment", Tags: []string{"payments", "ap2"}},
		}
	default:
		card.Name = "AP2 Reference Counterparties"
		card.Description = "Merchant, credentials provider and payment processor in one service."
		card.URL = s.publicURL
	}
	return card
}

func (s *Server) handleCard(role cardRole) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.agentCard(role))
	}
}
