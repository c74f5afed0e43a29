// Package orchestrator 实现购物代理的交易状态机：
// IDLE → IDENTIFYING → CREATING_INTENT → PROCESSING → SUCCESS/FAILED，
// 在 PROCESSING 阶段最多进行一次验证码挑战重提。
//
// 所有对手方调用严格顺序执行，每个挂起点都受 context 超时与取消控制。
package orchestrator
