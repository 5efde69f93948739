package providers

import (
	"slices"
	"strings"
)

func containsFold(values []string, want string) bool {
	return slices.ContainsFunc(values, func(v string) bool { return strings.EqualFold(v, want) })
}

// PaymentRegistry is the PaymentServiceFactory built at startup.
type PaymentRegistry struct {
	lookup *Lookup[PaymentCapability, PaymentService]
}

// NewPaymentRegistry returns an empty registry.
func NewPaymentRegistry() *PaymentRegistry {
	return &PaymentRegistry{lookup: NewLookup[PaymentCapability, PaymentService]("payment")}
}

// Register makes service the keyed default for each method and a capability match for
// every (method, currency) pair it declares.
func (r *PaymentRegistry) Register(service PaymentService, methods, currencies []string) {
	for _, method := range methods {
		r.lookup.Register(method, service)
	}
	r.lookup.Match(func(c PaymentCapability) (PaymentService, bool) {
		if !service.IsEnabled() {
			return nil, false
		}
		if containsFold(methods, c.Method) && containsFold(currencies, c.TargetCurrency) {
			return service, true
		}
		return nil, false
	})
}

// GetPaymentService returns the default rail for a payment method.
func (r *PaymentRegistry) GetPaymentService(method string) (PaymentService, error) {
	return r.lookup.Get(method)
}

// GetPaymentServiceForCapability prefers a rail that declares the currency.
func (r *PaymentRegistry) GetPaymentServiceForCapability(capability PaymentCapability) (PaymentService, error) {
	return r.lookup.Resolve(capability, capability.Method)
}

// ExchangeRegistry is the ExchangeProviderFactory built at startup.
type ExchangeRegistry struct {
	byCapability *Lookup[ExchangeCapability, ExchangeProvider]
	byCurrency   *Lookup[string, ExchangeProvider]
}

// NewExchangeRegistry returns an empty registry.
func NewExchangeRegistry() *ExchangeRegistry {
	return &ExchangeRegistry{
		byCapability: NewLookup[ExchangeCapability, ExchangeProvider]("exchange"),
		byCurrency:   NewLookup[string, ExchangeProvider]("fiat settlement"),
	}
}

// Register adds an exchange by name with the currencies it can handle. settles lists the
// fiat currencies for which it is the settlement venue.
func (r *ExchangeRegistry) Register(provider ExchangeProvider, currencies, settles []string) {
	r.byCapability.Register(provider.Name(), provider)
	r.byCapability.Match(func(c ExchangeCapability) (ExchangeProvider, bool) {
		if strings.EqualFold(provider.Name(), c.Provider) && (c.Currency == "" || containsFold(currencies, c.Currency)) {
			return provider, true
		}
		return nil, false
	})
	for _, currency := range settles {
		r.byCurrency.Register(currency, provider)
	}
}

// GetExchangeProvider returns the fiat-settlement venue for a currency.
func (r *ExchangeRegistry) GetExchangeProvider(currency string) (ExchangeProvider, error) {
	return r.byCurrency.Get(currency)
}

// GetExchangeProviderForCapability matches by name and currency, then by name alone.
func (r *ExchangeRegistry) GetExchangeProviderForCapability(capability ExchangeCapability) (ExchangeProvider, error) {
	return r.byCapability.Resolve(capability, capability.Provider)
}

// WalletRegistry is the WalletFactory built at startup.
type WalletRegistry struct {
	lookup *Lookup[WalletCapability, WalletSender]
}

// NewWalletRegistry returns an empty registry.
func NewWalletRegistry() *WalletRegistry {
	return &WalletRegistry{lookup: NewLookup[WalletCapability, WalletSender]("wallet")}
}

// Register adds a sender for a blockchain. When assets is non-empty the sender is also
// matched per asset ahead of the chain default.
func (r *WalletRegistry) Register(blockchain string, sender WalletSender, assets ...string) {
	if len(assets) == 0 {
		r.lookup.Register(blockchain, sender)
		return
	}
	r.lookup.Match(func(c WalletCapability) (WalletSender, bool) {
		if strings.EqualFold(c.Blockchain, blockchain) && containsFold(assets, c.Asset) {
			return sender, true
		}
		return nil, false
	})
}

// GetWalletSender resolves by blockchain and asset, then by blockchain.
func (r *WalletRegistry) GetWalletSender(capability WalletCapability) (WalletSender, error) {
	return r.lookup.Resolve(capability, capability.Blockchain)
}
