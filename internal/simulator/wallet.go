package simulator

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultUserEmail 是演示账户。
const DefaultUserEmail = "bugsbunny@gmail.com"

var (
	// ErrTokenNotFound 表示令牌未签发。
	ErrTokenNotFound = errors.New("Invalid Token: Not found")
	// ErrMethodNotFound 表示令牌对应的账户没有支付方式。
	ErrMethodNotFound = errors.New("Payment method not found for token")
)

// Network 是卡组织描述。
type Network struct {
	Name    string   `json:"name"`
	Formats []string `json:"formats"`
}

// PaymentMethod 是账户下的支付方式。
type PaymentMethod struct {
	Type           string    `json:"type"`
	Alias          string    `json:"alias"`
	Network        []Network `json:"network"`
	Cryptogram     string    `json:"cryptogram"`
	Token          string    `json:"token"`
	CardHolderName string    `json:"card_holder_name"`
}

// Brand 返回首个卡组织名称。
func (m PaymentMethod) Brand() string {
	if len(m.Network) == 0 {
		return ""
	}
	return m.Network[0].Name
}

// ShippingAddress 是账户的收货地址。
type ShippingAddress struct {
	Recipient    string   `json:"recipient"`
	Organization string   `json:"organization"`
	AddressLine  []string `json:"address_line"`
	City         string   `json:"city"`
	Region       string   `json:"region"`
	PostalCode   string   `json:"postal_code"`
	Country      string   `json:"country"`
	PhoneNumber  string   `json:"phone_number"`
}

// Account 聚合一个用户的钱包数据。
type Account struct {
	Address ShippingAddress
	Methods []PaymentMethod
}

type tokenRecord struct {
	email string
	alias string
}

// Wallet 保存账户并签发支付令牌。
type Wallet struct {
	mu       sync.Mutex
	accounts map[string]Account
	tokens   map[string]tokenRecord
}

// NewWallet 创建包含演示账户的钱包。
func NewWallet() *Wallet {
	return &Wallet{
		accounts: map[string]Account{
			DefaultUserEmail: {
				Address: ShippingAddress{
					Recipient:    "Bugs Bunny",
					Organization: "Warner Bros",
					AddressLine:  []string{"123 Carrot Lane"},
					City:         "Albuquerque",
					Region:       "NM",
					PostalCode:   "87101",
					Country:      "US",
					PhoneNumber:  "+1-555-010-1010",
				},
				Methods: []PaymentMethod{{
					Type:           "CARD",
					Alias:          "Acme Bank Visa ending in 4242",
					Network:        []Network{{Name: "visa", Formats: []string{"DPAN"}}},
					Cryptogram:     "crypt_abc123",
					Token:          "tok_visa_4242",
					CardHolderName: "Bugs Bunny",
				}},
			},
		},
		tokens: make(map[string]tokenRecord),
	}
}

// Methods 返回账户的支付方式，未知账户返回空列表。
func (w *Wallet) Methods(email string) []PaymentMethod {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]PaymentMethod{}, w.accounts[email].Methods...)
}

// Address 返回账户的收货地址。
func (w *Wallet) Address(email string) (ShippingAddress, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	acct, ok := w.accounts[email]
	return acct.Address, ok
}

// Tokenize 为账户与别名签发 tok_ap2_<hex12> 令牌。
func (w *Wallet) Tokenize(email, alias string) string {
	if strings.TrimSpace(email) == "" {
		email = DefaultUserEmail
	}
	token := "tok_ap2_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	w.mu.Lock()
	w.tokens[token] = tokenRecord{email: email, alias: alias}
	w.mu.Unlock()
	return token
}

// Resolve 校验令牌并返回对应的支付方式。别名不匹配时回退到账户的首个支付方式。
func (w *Wallet) Resolve(token string) (PaymentMethod, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.tokens[token]
	if !ok {
		return PaymentMethod{}, ErrTokenNotFound
	}
	methods := w.accounts[rec.email].Methods
	for _, m := range methods {
		if m.Alias == rec.alias {
			return m, nil
		}
	}
	if len(methods) > 0 {
		return methods[0], nil
	}
	return PaymentMethod{}, ErrMethodNotFound
}
