package checkout

import (
	"sync"

	"AP2-Orchestrator/internal/audit"
	"AP2-Orchestrator/internal/orchestrator"
)

// PromptHub 将进程内运行中的会话与其验证码通道关联起来。
type PromptHub struct {
	mu        sync.Mutex
	prompters map[string]*orchestrator.ChannelPrompter
}

// NewPromptHub 创建 PromptHub。
func NewPromptHub() *PromptHub {
	return &PromptHub{prompters: make(map[string]*orchestrator.ChannelPrompter)}
}

// Open 为会话注册新的 ChannelPrompter，替换已有的通道。
func (h *PromptHub) Open(id string) *orchestrator.ChannelPrompter {
	p := orchestrator.NewChannelPrompter()
	h.mu.Lock()
	h.prompters[id] = p
	h.mu.Unlock()
	return p
}

// Lookup 返回会话的 ChannelPrompter。
func (h *PromptHub) Lookup(id string) (*orchestrator.ChannelPrompter, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.prompters[id]
	return p, ok
}

// Close 注销会话的通道。
func (h *PromptHub) Close(id string, p *orchestrator.ChannelPrompter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.prompters[id]; ok && current == p {
		delete(h.prompters, id)
	}
}

// DefaultAuditRetention 是 AuditBook 默认保留的会话数量。
const DefaultAuditRetention = 1024

// AuditBook 按会话保存进程内的审计日志，超出容量时淘汰最早的记录。
type AuditBook struct {
	mu    sync.Mutex
	limit int
	logs  map[string]*audit.Log
	order []string
}

// NewAuditBook 创建 AuditBook。limit <= 0 时使用默认容量。
func NewAuditBook(limit int) *AuditBook {
	if limit <= 0 {
		limit = DefaultAuditRetention
	}
	return &AuditBook{limit: limit, logs: make(map[string]*audit.Log)}
}

// Put 保存会话的审计日志。
func (b *AuditBook) Put(id string, log *audit.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.logs[id]; !ok {
		b.order = append(b.order, id)
	}
	b.logs[id] = log
	for len(b.order) > b.limit {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.logs, oldest)
	}
}

// Get 返回会话的审计日志。
func (b *AuditBook) Get(id string) (*audit.Log, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.logs[id]
	return log, ok
}
