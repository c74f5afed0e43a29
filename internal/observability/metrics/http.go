package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "AP2-Orchestrator/internal/errors"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type transactionKey struct {
	outcome string
	code    string
}

type callKey struct {
	role    string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector 以 Prometheus 文本格式汇总 HTTP、交易与对手方调用指标。
type Collector struct {
	mu           sync.Mutex
	requests     map[requestKey]uint64
	latency      map[latencyKey]*histogram
	transactions map[transactionKey]uint64
	txDuration   map[string]*histogram
	calls        map[callKey]uint64
	callDuration map[string]*histogram
}

// NewCollector 创建空的指标集合。
func NewCollector() *Collector {
	return &Collector{
		requests:     make(map[requestKey]uint64),
		latency:      make(map[latencyKey]*histogram),
		transactions: make(map[transactionKey]uint64),
		txDuration:   make(map[string]*histogram),
		calls:        make(map[callKey]uint64),
		callDuration: make(map[string]*histogram),
	}
}

// Default 是进程级指标集合。
var Default = NewCollector()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Default.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	observeInto(c.latency, latencyKey{handler: handler, method: method}, duration)
}

// ObserveTransaction 记录一笔交易的终态，code 为空表示成功。
func (c *Collector) ObserveTransaction(outcome string, code xerrors.Code, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions[transactionKey{outcome: outcome, code: string(code)}]++
	observeInto(c.txDuration, outcome, elapsed)
}

// ObserveCall 记录一次对手方调用，实现 orchestrator.CallObserver。
func (c *Collector) ObserveCall(role string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(xerrors.CodeOf(err)))
		if outcome == "" {
			outcome = "error"
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[callKey{role: role, outcome: outcome}]++
	observeInto(c.callDuration, role, elapsed)
}

func observeInto[K comparable](m map[K]*histogram, key K, d time.Duration) {
	hist := m[key]
	if hist == nil {
		hist = newHistogram()
		m[key] = hist
	}
	hist.observe(d.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe 累加所有上界不小于 value 的桶，超出最后一个桶的值只计入 +Inf。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

func (h *histogram) clone() histogram {
	return histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

// Handler exposes the default collector in Prometheus text exposition format.
func Handler() http.Handler {
	return Default.Handler()
}

// Handler 以 Prometheus 文本格式输出当前指标。
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

type series struct {
	labels string
	value  uint64
}

type histSeries struct {
	labels string
	hist   histogram
}

// Render 返回全部指标的文本表示，序列按标签排序。
func (c *Collector) Render() string {
	c.mu.Lock()
	reqs := make([]series, 0, len(c.requests))
	for k, v := range c.requests {
		reqs = append(reqs, series{labels: labels("handler", k.handler, "method", k.method, "code", k.code), value: v})
	}
	lats := make([]histSeries, 0, len(c.latency))
	for k, h := range c.latency {
		lats = append(lats, histSeries{labels: labels("handler", k.handler, "method", k.method), hist: h.clone()})
	}
	txs := make([]series, 0, len(c.transactions))
	for k, v := range c.transactions {
		txs = append(txs, series{labels: labels("outcome", k.outcome, "code", k.code), value: v})
	}
	txDur := make([]histSeries, 0, len(c.txDuration))
	for k, h := range c.txDuration {
		txDur = append(txDur, histSeries{labels: labels("outcome", k), hist: h.clone()})
	}
	calls := make([]series, 0, len(c.calls))
	for k, v := range c.calls {
		calls = append(calls, series{labels: labels("role", k.role, "outcome", k.outcome), value: v})
	}
	callDur := make([]histSeries, 0, len(c.callDuration))
	for k, h := range c.callDuration {
		callDur = append(callDur, histSeries{labels: labels("role", k), hist: h.clone()})
	}
	c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)
	writeCounter(&b, "ap2_http_requests_total", "Total number of HTTP requests processed.", reqs)
	writeHistogram(&b, "ap2_http_request_duration_seconds", "HTTP request duration in seconds.", lats)
	writeCounter(&b, "ap2_transactions_total", "Total number of transactions by terminal outcome and error code.", txs)
	writeHistogram(&b, "ap2_transaction_duration_seconds", "Transaction duration in seconds.", txDur)
	writeCounter(&b, "ap2_counterparty_calls_total", "Total number of counterparty calls by role and outcome.", calls)
	writeHistogram(&b, "ap2_counterparty_call_duration_seconds", "Counterparty call duration in seconds.", callDur)
	return b.String()
}

func writeCounter(b *strings.Builder, name, help string, list []series) {
	sort.Slice(list, func(i, j int) bool { return list[i].labels < list[j].labels })
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for _, s := range list {
		fmt.Fprintf(b, "%s{%s} %d\n", name, s.labels, s.value)
	}
}

func writeHistogram(b *strings.Builder, name, help string, list []histSeries) {
	sort.Slice(list, func(i, j int) bool { return list[i].labels < list[j].labels })
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s histogram\n", name, help, name)
	for _, s := range list {
		for idx, bound := range s.hist.buckets {
			fmt.Fprintf(b, "%s_bucket{%s,le=\"%s\"} %d\n", name, s.labels, formatFloat(bound), s.hist.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, s.labels, s.hist.count)
		fmt.Fprintf(b, "%s_sum{%s} %s\n", name, s.labels, formatFloat(s.hist.sum))
		fmt.Fprintf(b, "%s_count{%s} %d\n", name, s.labels, s.hist.count)
	}
}

func labels(pairs ...string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", pairs[i], escape(pairs[i+1])))
	}
	return strings.Join(parts, ",")
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, c *Collector) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	if c == nil {
		c = Default
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
