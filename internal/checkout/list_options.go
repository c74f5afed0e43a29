package checkout

import (
	"slices"
	"strings"
	"time"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 决定列表按 UpdatedAt 的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的在前，是默认顺序。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最久未更新的在前。
	SortByUpdatedAsc
)

// ParseSortOrder 仅识别 "asc"（不区分大小写），其余一律视为降序。
func ParseSortOrder(raw string) SortOrder {
	if strings.EqualFold(strings.TrimSpace(raw), "asc") {
		return SortByUpdatedAsc
	}
	return SortByUpdatedDesc
}

// ListOptions 是 Store.List 与 Store.Stats 的筛选条件。
// UpdatedFrom 与 UpdatedTo 为 unix 秒，0 表示不限。
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	UpdatedFrom  int64
	UpdatedTo    int64
	UserIdentity string
	Order        SortOrder
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 设置单页条数，超出 100 时截断。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 offset 条。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回给定状态的会话，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append([]Status(nil), statuses...) }
}

// WithUpdatedSince 只返回 ts 及之后更新过的会话。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedFrom = unixOrZero(ts) }
}

// WithUpdatedUntil 只返回 ts 及之前更新过的会话。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedTo = unixOrZero(ts) }
}

// WithUser 按购物者身份过滤。
func WithUser(identity string) ListOption {
	return func(o *ListOptions) { o.UserIdentity = identity }
}

// WithSortOrder 设置排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

func buildListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.normalize()
	return o
}

func (o *ListOptions) normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.UserIdentity = strings.TrimSpace(o.UserIdentity)
	o.Statuses = knownStatuses(o.Statuses)
}

// knownStatuses 去重并丢弃未知状态；结果为空时返回 nil，表示不按状态过滤。
func knownStatuses(in []Status) []Status {
	var out []Status
	for _, st := range in {
		if IsValidStatus(st) && !slices.Contains(out, st) {
			out = append(out, st)
		}
	}
	return out
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}
