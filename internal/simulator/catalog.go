// Package simulator 提供商户、凭证提供方与支付处理方的参考实现，
// 用于本地端到端演示与集成测试。
package simulator

import (
	"strings"

	"github.com/shopspring/decimal"

	"AP2-Orchestrator/internal/mandate"
)

// Product 是商户目录中的商品。
type Product struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	Description  string  `json:"description"`
	QuantityText string  `json:"quantity_text,omitempty"`
}

// Catalog 是只读的商品目录。
type Catalog struct {
	products []Product
}

// DefaultCatalog 返回演示商户的商品目录。
func DefaultCatalog() *Catalog {
	return NewCatalog([]Product{
		{ID: "p1", Name: "Fresh Tomato Hybrid", Price: 38, Description: "Fresh hybrid tomatoes", QuantityText: "500g"},
		{ID: "p2", Name: "Red Onion", Price: 45, Description: "Fresh red onions", QuantityText: "1kg"},
		{ID: "p3", Name: "Potato (New Crop)", Price: 32, Description: "Fresh potatoes", QuantityText: "1kg"},
		{ID: "p4", Name: "Amul Taaza Milk", Price: 27, Description: "Fresh milk", QuantityText: "500ml"},
		{ID: "p5", Name: "Organic Carrots", Price: 45, Description: "Fresh carrots", QuantityText: "500g"},
		{ID: "p6", Name: "Brown Bread", Price: 50, Description: "Whole wheat bread", QuantityText: "400g"},
		{ID: "p7", Name: "Salted Butter", Price: 58, Description: "Pure butter", QuantityText: "100g"},
		{ID: "p8", Name: "Lays India's Magic Masala", Price: 20, Description: "Flavored chips", QuantityText: "50g"},
		{ID: "p9", Name: "Doritos Cheese", Price: 50, Description: "Cheese flavored chips", QuantityText: "100g"},
		{ID: "p10", Name: "Coca Cola", Price: 40, Description: "Cold beverage", QuantityText: "750ml"},
		{ID: "p11", Name: "Real Mixed Fruit Juice", Price: 110, Description: "Mixed fruit juice", QuantityText: "1L"},
		{ID: "p12", Name: "Maggi 2-Minute Noodles", Price: 14, Description: "Quick noodles", QuantityText: "70g"},
		{ID: "p13", Name: "Kissan Ketchup", Price: 120, Description: "Tomato ketchup", QuantityText: "900g"},
		{ID: "p14", Name: "Acme Anvil", Price: 50, Description: "Heavy duty", QuantityText: "N/A"},
	})
}

// NewCatalog 基于给定商品创建目录。
func NewCatalog(products []Product) *Catalog {
	return &Catalog{products: append([]Product(nil), products...)}
}

// Products 返回目录副本。
func (c *Catalog) Products() []Product {
	return append([]Product(nil), c.products...)
}

// Find 按名称精确查找，忽略大小写。
func (c *Catalog) Find(name string) (Product, bool) {
	for _, p := range c.products {
		if strings.EqualFold(p.Name, strings.TrimSpace(name)) {
			return p, true
		}
	}
	return Product{}, false
}

// Match 返回第一个名称包含于请求文本中的商品。
func (c *Catalog) Match(text string) (Product, bool) {
	for _, p := range c.products {
		if strings.Contains(text, p.Name) {
			return p, true
		}
	}
	return Product{}, false
}

// LineRequest 是下单请求中的一行。
type LineRequest struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Price 将请求行映射为报价行，未匹配的行被忽略。
func (c *Catalog) Price(lines []LineRequest) ([]mandate.CartItem, float64) {
	items := make([]mandate.CartItem, 0, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		p, ok := c.Match(line.Name)
		if !ok {
			continue
		}
		items = append(items, mandate.CartItem{ProductID: p.ID, Name: p.Name, Quantity: line.Quantity, Price: p.Price})
		total = total.Add(decimal.NewFromFloat(p.Price).Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return items, total.Round(2).InexactFloat64()
}
