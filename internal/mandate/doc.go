// Package mandate 定义 AP2 协议中的三类授权凭证（意图、报价、付款），
// 以及构造器与结构校验器。校验器是纯函数，返回完整的失败规则列表。
package mandate
