// Package registry 维护交易对手方的标识、地址与能力声明。
package registry

import (
	"sort"
	"strings"

	"AP2-Orchestrator/internal/a2a"
)

// 协议约定的对手方标识。
const (
	ShoppingAgent            = "shopping_agent"
	MerchantAgent            = "merchant_agent"
	CredentialsProvider      = "credentials_provider"
	MerchantPaymentProcessor = "merchant_payment_processor"
)

// Entry 描述一个已知的对手方。
type Entry struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	BaseURL    string   `json:"base_url" yaml:"base_url"`
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	PublicKey  string   `json:"public_key,omitempty" yaml:"public_key,omitempty"`
}

func (e Entry) clone() Entry {
	e.Extensions = append([]string(nil), e.Extensions...)
	return e
}

// Registry 是只读的对手方表，修改通过 With 返回新实例。
type Registry struct {
	entries map[string]Entry
}

// New 从条目列表构建注册表，后出现的同名条目覆盖先前的条目。
func New(entries ...Entry) *Registry {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if id := strings.TrimSpace(e.ID); id != "" {
			e.ID = id
			r.entries[id] = e.clone()
		}
	}
	return r
}

// Lookup 查找对手方。nil 注册表视为空表。
func (r *Registry) Lookup(id string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// IDs 返回排序后的标识列表。
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len 返回条目数量。
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// With 返回覆盖了指定条目的新注册表，原注册表保持不变。
func (r *Registry) With(entries ...Entry) *Registry {
	var base []Entry
	if r != nil {
		for _, e := range r.entries {
			base = append(base, e)
		}
	}
	return New(append(base, entries...)...)
}

// KnownAgents 返回本地演示环境的默认对手方。
func KnownAgents() *Registry {
	exts := a2a.RequiredExtensions()
	return New(
		Entry{ID: ShoppingAgent, Name: "Shopping Agent", BaseURL: "http://localhost:8000", Extensions: exts},
		Entry{ID: MerchantAgent, Name: "Merchant Agent", BaseURL: "http://localhost:8001", Extensions: exts},
		Entry{ID: CredentialsProvider, Name: "Credentials Provider", BaseURL: "http://localhost:8002", Extensions: exts},
		Entry{ID: MerchantPaymentProcessor, Name: "Payment Processor", BaseURL: "http://localhost:8003", Extensions: exts},
	)
}

// AgentConfig 是配置文件中的对手方定义。
type AgentConfig struct {
	Name       string   `json:"name" yaml:"name"`
	BaseURL    string   `json:"base_url" yaml:"base_url"`
	Extensions []string `json:"extensions" yaml:"extensions"`
	PublicKey  string   `json:"public_key" yaml:"public_key"`
}

// FromConfig 以默认对手方为基础叠加配置项。未声明能力的条目沿用默认能力。
func FromConfig(agents map[string]AgentConfig) *Registry {
	reg := KnownAgents()
	overrides := make([]Entry, 0, len(agents))
	for id, ac := range agents {
		base, ok := reg.Lookup(id)
		if !ok {
			base = Entry{ID: id, Extensions: a2a.RequiredExtensions()}
		}
		if ac.Name != "" {
			base.Name = ac.Name
		}
		if ac.BaseURL != "" {
			base.BaseURL = strings.TrimRight(ac.BaseURL, "/")
		}
		if ac.Extensions != nil {
			base.Extensions = ac.Extensions
		}
		if ac.PublicKey != "" {
			base.PublicKey = ac.PublicKey
		}
		overrides = append(overrides, base)
	}
	return reg.With(overrides...)
}
