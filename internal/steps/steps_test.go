package steps

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/flow"
	"github.com/transfa/settlement-service/internal/providers"
	"github.com/transfa/settlement-service/internal/store/memstore"
)

type stubExchange struct {
	providers.ExchangeProvider
	name      string
	address   providers.ExchangeAddress
	addrErr   error
	order     providers.MarketOrderResult
	orderErr  error
	withdraw  providers.WithdrawResult
	withErr   error
	orders    []providers.MarketOrderRequest
	withdraws []providers.WithdrawRequest
}

func (s *stubExchange) Name() string { return s.name }

func (s *stubExchange) GetExchangeAddress(ctx context.Context, blockchain, asset string) (providers.ExchangeAddress, error) {
	return s.address, s.addrErr
}

func (s *stubExchange) CreateMarketOrder(ctx context.Context, req providers.MarketOrderRequest) (providers.MarketOrderResult, error) {
	s.orders = append(s.orders, req)
	return s.order, s.orderErr
}

func (s *stubExchange) Withdraw(ctx context.Context, req providers.WithdrawRequest) (providers.WithdrawResult, error) {
	s.withdraws = append(s.withdraws, req)
	return s.withdraw, s.withErr
}

type stubWallet struct {
	result providers.WalletSendResult
	err    error
	sent   []providers.WalletSendRequest
}

func (s *stubWallet) Send(ctx context.Context, req providers.WalletSendRequest) (providers.WalletSendResult, error) {
	s.sent = append(s.sent, req)
	return s.result, s.err
}

type stubPayment struct {
	name    string
	async   bool
	enabled bool
	result  providers.PaymentResult
	err     error
	sent    []providers.PaymentRequest
}

func (s *stubPayment) Name() string    { return s.name }
func (s *stubPayment) IsEnabled() bool { return s.enabled }
func (s *stubPayment) IsAsync() bool   { return s.async }

func (s *stubPayment) SendPayment(ctx context.Context, req providers.PaymentRequest) (providers.PaymentResult, error) {
	s.sent = append(s.sent, req)
	return s.result, s.err
}

type stubRefunder struct {
	calls []string
}

func (s *stubRefunder) Refund(ctx context.Context, tx domain.Transaction, reason, trigger string) (domain.RefundReservation, error) {
	s.calls = append(s.calls, trigger+":"+reason)
	return domain.RefundReservation{Outcome: domain.RefundReserved, Attempts: 1}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	webhooks []map[string]any
	messages []string
}

func (n *recordingNotifier) PartnerWebhook(ctx context.Context, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.webhooks = append(n.webhooks, payload)
}

func (n *recordingNotifier) OperatorMessage(ctx context.Context, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) Publish(ctx context.Context, routingKey string, payload map[string]any) {}

func newRuntime(steps ...domain.FlowStepInstance) *flow.Runtime {
	return &flow.Runtime{
		Transaction: domain.Transaction{
			ID:             uuid.New(),
			PartnerUserID:  uuid.New(),
			Status:         domain.StatusProcessingPayment,
			Blockchain:     "STELLAR",
			CryptoAsset:    "USDC",
			TargetCurrency: "NGN",
			PaymentMethod:  "NIP",
			SourceAmount:   decimal.RequireFromString("100"),
			TargetAmount:   decimal.RequireFromString("150000"),
			PayoutAccount:  domain.PayoutAccount{AccountNumber: "0123456789", BankCode: "058"},
		},
		Instance: domain.FlowInstance{Snapshot: domain.FlowSnapshot{Blockchain: "STELLAR", CryptoAsset: "USDC", TargetCurrency: "NGN"}},
		Steps:    steps,
	}
}

func input(rt *flow.Runtime, order int, config string) flow.ExecuteInput {
	return flow.ExecuteInput{Config: json.RawMessage(config), Runtime: rt, StepOrder: order}
}

func TestAwaitExchangeBalance(t *testing.T) {
	exec := NewAwaitExchangeBalance()
	rt := newRuntime()

	result, _ := exec.Execute(context.Background(), input(rt, 1, `{"provider":"Binance"}`))
	if result.Outcome != flow.OutcomeWaiting || result.Correlation["provider"] != "binance" {
		t.Fatalf("expected waiting on binance, got %+v", result)
	}

	result, _ = exec.Execute(context.Background(), input(rt, 1, `{}`))
	if result.Outcome != flow.OutcomeFailed {
		t.Fatalf("expected failure without provider, got %+v", result)
	}

	signalFrom := func(provider string) flow.SignalInput {
		return flow.SignalInput{
			ExecuteInput: input(rt, 1, `{"provider":"binance"}`),
			Signal:       domain.FlowSignal{ID: uuid.New(), Correlation: map[string]any{"provider": provider}},
		}
	}
	result, _ = exec.HandleSignal(context.Background(), signalFrom("kraken"))
	if result.Outcome != flow.OutcomeWaiting {
		t.Fatalf("expected other provider to keep waiting, got %+v", result)
	}
	result, _ = exec.HandleSignal(context.Background(), signalFrom("BINANCE"))
	if result.Outcome != flow.OutcomeSucceeded || result.Output["provider"] != "binance" {
		t.Fatalf("expected success for the expected provider, got %+v", result)
	}
}

func TestExchangeConvert(t *testing.T) {
	venue := &stubExchange{name: "Yellowcard", order: providers.MarketOrderResult{
		OrderID:        "o-1",
		FilledAmount:   decimal.RequireFromString("100"),
		ReceivedAmount: decimal.RequireFromString("149500"),
		Price:          decimal.RequireFromString("1495"),
	}}
	binance := &stubExchange{name: "binance", order: providers.MarketOrderResult{OrderID: "o-2"}}
	exchanges := providers.NewExchangeRegistry()
	exchanges.Register(venue, []string{"NGN"}, []string{"NGN"})
	exchanges.Register(binance, []string{"USDT", "NGN"}, nil)
	exec := NewExchangeConvert(exchanges)

	t.Run("settlement venue by currency", func(t *testing.T) {
		result, _ := exec.Execute(context.Background(), input(newRuntime(), 10, `{}`))
		if result.Outcome != flow.OutcomeSucceeded {
			t.Fatalf("expected success, got %+v", result)
		}
		if result.Output["receivedAmount"] != "149500" || result.Output["provider"] != "yellowcard" {
			t.Fatalf("unexpected output %+v", result.Output)
		}
		req := venue.orders[len(venue.orders)-1]
		if req.SourceAsset != "USDC" || req.TargetAsset != "NGN" || !req.Amount.Equal(decimal.RequireFromString("100")) {
			t.Fatalf("unexpected order %+v", req)
		}
	})

	t.Run("named provider with step amount", func(t *testing.T) {
		rt := newRuntime(domain.FlowStepInstance{StepOrder: 1, Output: map[string]any{"net": "99.5"}})
		result, _ := exec.Execute(context.Background(), input(rt, 10, `{"provider":"binance","target_asset":"USDT","amount":{"kind":"step","step_order":1,"field":"net"}}`))
		if result.Outcome != flow.OutcomeSucceeded {
			t.Fatalf("expected success, got %+v", result)
		}
		if got := binance.orders[0].Amount; !got.Equal(decimal.RequireFromString("99.5")) {
			t.Fatalf("expected resolved amount, got %s", got)
		}
	})

	t.Run("insufficient balance waits", func(t *testing.T) {
		binance.orderErr = errors.New("Account has insufficient balance for requested action.")
		defer func() { binance.orderErr = nil }()
		result, _ := exec.Execute(context.Background(), input(newRuntime(), 10, `{"provider":"binance","target_asset":"USDT"}`))
		if result.Outcome != flow.OutcomeWaiting || result.Correlation["provider"] != "binance" {
			t.Fatalf("expected waiting on binance, got %+v", result)
		}
	})

	t.Run("other errors fail", func(t *testing.T) {
		binance.orderErr = errors.New("market closed")
		defer func() { binance.orderErr = nil }()
		result, _ := exec.Execute(context.Background(), input(newRuntime(), 10, `{"provider":"binance","target_asset":"USDT"}`))
		if result.Outcome != flow.OutcomeFailed {
			t.Fatalf("expected failure, got %+v", result)
		}
	})

	t.Run("unresolvable amount fails", func(t *testing.T) {
		result, _ := exec.Execute(context.Background(), input(newRuntime(), 10, `{"amount":{"kind":"step","step_order":1,"field":"net"}}`))
		if result.Outcome != flow.OutcomeFailed {
			t.Fatalf("expected failure, got %+v", result)
		}
	})
}

func TestExchangeSend(t *testing.T) {
	venue := &stubExchange{name: "yellowcard", address: providers.ExchangeAddress{Address: "GABC", Memo: "12345"}}
	exchanges := providers.NewExchangeRegistry()
	exchanges.Register(venue, []string{"USDC"}, []string{"NGN"})
	wallet := &stubWallet{result: providers.WalletSendResult{Success: true, TransactionID: "hash-1"}}
	wallets := providers.NewWalletRegistry()
	wallets.Register("STELLAR", wallet)
	exec := NewExchangeSend(exchanges, wallets)

	result, _ := exec.Execute(context.Background(), input(newRuntime(), 20, `{"provider":"yellowcard"}`))
	if result.Outcome != flow.OutcomeSucceeded {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Output["address"] != "GABC" || result.Output["memo"] != "12345" || result.Output["transactionId"] != "hash-1" || result.Output["amount"] != "100" {
		t.Fatalf("unexpected output %+v", result.Output)
	}
	if sent := wallet.sent[0]; sent.Memo != "12345" || sent.Asset != "USDC" {
		t.Fatalf("unexpected wallet request %+v", sent)
	}

	wallet.result = providers.WalletSendResult{Success: false, Error: "tx_bad_seq"}
	result, _ = exec.Execute(context.Background(), input(newRuntime(), 20, `{}`))
	if result.Outcome != flow.OutcomeFailed || result.Error == "" {
		t.Fatalf("expected failed send, got %+v", result)
	}

	noChain := providers.NewWalletRegistry()
	result, _ = NewExchangeSend(exchanges, noChain).Execute(context.Background(), input(newRuntime(), 20, `{}`))
	if result.Outcome != flow.OutcomeFailed {
		t.Fatalf("expected failure without a wallet sender, got %+v", result)
	}
}

func TestTreasuryTransfer(t *testing.T) {
	binance := &stubExchange{name: "binance", withdraw: providers.WithdrawResult{TransactionID: "wd-1"}}
	venue := &stubExchange{name: "yellowcard", address: providers.ExchangeAddress{Address: "GDEST"}}
	exchanges := providers.NewExchangeRegistry()
	exchanges.Register(binance, []string{"USDT", "USDC"}, nil)
	exchanges.Register(venue, []string{"USDT"}, nil)
	exec := NewTreasuryTransfer(exchanges)

	result, _ := exec.Execute(context.Background(), input(newRuntime(), 30, `{"destination_provider":"yellowcard","currency":"USDT"}`))
	if result.Outcome != flow.OutcomeSucceeded || result.Output["withdrawalId"] != "wd-1" {
		t.Fatalf("expected success, got %+v", result)
	}
	if req := binance.withdraws[0]; req.Address != "GDEST" || req.Asset != "USDT" || req.Blockchain != "STELLAR" {
		t.Fatalf("unexpected withdraw %+v", req)
	}

	result, _ = exec.Execute(context.Background(), input(newRuntime(), 30, `{"source_provider":"kraken","destination_provider":"yellowcard","currency":"USDT"}`))
	if result.Outcome != flow.OutcomeFailed {
		t.Fatalf("expected unsupported source to fail, got %+v", result)
	}

	binance.withErr = providers.ErrInsufficientBalance
	result, _ = exec.Execute(context.Background(), input(newRuntime(), 30, `{"destination_provider":"yellowcard","currency":"USDT"}`))
	if result.Outcome != flow.OutcomeWaiting || result.Correlation["provider"] != "binance" {
		t.Fatalf("expected waiting on binance balance, got %+v", result)
	}
}

type payoutFixture struct {
	exec     *PayoutSend
	payment  *stubPayment
	store    *memstore.Store
	refunds  *stubRefunder
	notifier *recordingNotifier
	rt       *flow.Runtime
}

func newPayoutFixture(t *testing.T, async bool, result providers.PaymentResult) *payoutFixture {
	t.Helper()
	payment := &stubPayment{name: "anchor", async: async, enabled: true, result: result}
	payments := providers.NewPaymentRegistry()
	payments.Register(payment, []string{"NIP"}, []string{"NGN"})

	s := memstore.New()
	rt := newRuntime()
	tx := rt.Transaction
	if err := s.CreateTransaction(context.Background(), &tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	rt.Transaction = tx

	refunds := &stubRefunder{}
	notifier := &recordingNotifier{}
	return &payoutFixture{
		exec:     NewPayoutSend(payments, s, refunds, notifier, nil),
		payment:  payment,
		store:    s,
		refunds:  refunds,
		notifier: notifier,
		rt:       rt,
	}
}

func (f *payoutFixture) status(t *testing.T) domain.TransactionStatus {
	t.Helper()
	tx, err := f.store.FindTransactionByID(context.Background(), f.rt.Transaction.ID)
	if err != nil {
		t.Fatalf("find transaction: %v", err)
	}
	return tx.Status
}

func TestPayoutSend_Sync(t *testing.T) {
	t.Run("success completes the transaction", func(t *testing.T) {
		f := newPayoutFixture(t, false, providers.PaymentResult{Success: true, TransactionID: "ref-1"})
		result, _ := f.exec.Execute(context.Background(), input(f.rt, 40, `{}`))
		if result.Outcome != flow.OutcomeSucceeded {
			t.Fatalf("expected success, got %+v", result)
		}
		if f.status(t) != domain.StatusPaymentCompleted {
			t.Fatalf("expected PAYMENT_COMPLETED, got %s", f.status(t))
		}
		if len(f.notifier.webhooks) != 1 || f.notifier.webhooks[0]["event"] != EventPaymentCompleted || len(f.notifier.messages) != 1 {
			t.Fatalf("expected partner and operator notifications, got %+v %+v", f.notifier.webhooks, f.notifier.messages)
		}
		if !f.payment.sent[0].Amount.Equal(decimal.RequireFromString("150000")) {
			t.Fatalf("expected target amount, got %s", f.payment.sent[0].Amount)
		}
	})

	t.Run("rejection fails the transaction without refund", func(t *testing.T) {
		f := newPayoutFixture(t, false, providers.PaymentResult{Success: false, Reason: "invalid account"})
		result, _ := f.exec.Execute(context.Background(), input(f.rt, 40, `{}`))
		if result.Outcome != flow.OutcomeFailed || result.Output["reason"] != "invalid account" {
			t.Fatalf("expected failure, got %+v", result)
		}
		if f.status(t) != domain.StatusPaymentFailed {
			t.Fatalf("expected PAYMENT_FAILED, got %s", f.status(t))
		}
		if len(f.refunds.calls) != 0 {
			t.Fatalf("expected no refund for a sync rejection, got %v", f.refunds.calls)
		}
	})

	t.Run("transport error leaves the transaction untouched", func(t *testing.T) {
		f := newPayoutFixture(t, false, providers.PaymentResult{})
		f.payment.err = errors.New("context deadline exceeded")
		result, _ := f.exec.Execute(context.Background(), input(f.rt, 40, `{}`))
		if result.Outcome != flow.OutcomeFailed {
			t.Fatalf("expected failure, got %+v", result)
		}
		if f.status(t) != domain.StatusProcessingPayment || len(f.refunds.calls) != 0 {
			t.Fatalf("expected no transition or refund, got %s %v", f.status(t), f.refunds.calls)
		}
	})
}

func TestPayoutSend_Async(t *testing.T) {
	t.Run("accepted payout correlates on the external id", func(t *testing.T) {
		f := newPayoutFixture(t, true, providers.PaymentResult{Success: true, TransactionID: "tr_1"})
		result, _ := f.exec.Execute(context.Background(), input(f.rt, 40, `{}`))
		if result.Outcome != flow.OutcomeSucceeded || result.Correlation["externalId"] != "tr_1" {
			t.Fatalf("expected success correlated on tr_1, got %+v", result)
		}
		if f.status(t) != domain.StatusProcessingPayment {
			t.Fatalf("expected the transaction to wait for settlement, got %s", f.status(t))
		}
	})

	t.Run("rejected payout starts a refund", func(t *testing.T) {
		f := newPayoutFixture(t, true, providers.PaymentResult{Success: false, Code: "insufficient_balance"})
		result, _ := f.exec.Execute(context.Background(), input(f.rt, 40, `{}`))
		if result.Outcome != flow.OutcomeFailed {
			t.Fatalf("expected failure, got %+v", result)
		}
		if len(f.refunds.calls) != 1 || f.refunds.calls[0] != RefundTriggerPayoutFailed+":insufficient_balance" {
			t.Fatalf("expected one refund, got %v", f.refunds.calls)
		}
		if f.status(t) != domain.StatusPaymentFailed {
			t.Fatalf("expected PAYMENT_FAILED, got %s", f.status(t))
		}
	})

	t.Run("settlement signal", func(t *testing.T) {
		cases := []struct {
			status     string
			outcome    flow.Outcome
			txStatus   domain.TransactionStatus
			refundRuns int
		}{
			{status: "COMPLETED", outcome: flow.OutcomeSucceeded, txStatus: domain.StatusPaymentCompleted},
			{status: "failed", outcome: flow.OutcomeFailed, txStatus: domain.StatusPaymentFailed, refundRuns: 1},
			{status: "PENDING", outcome: flow.OutcomeWaiting, txStatus: domain.StatusProcessingPayment},
		}
		for _, tc := range cases {
			t.Run(tc.status, func(t *testing.T) {
				f := newPayoutFixture(t, true, providers.PaymentResult{Success: true, TransactionID: "tr_1"})
				result, _ := f.exec.HandleSignal(context.Background(), flow.SignalInput{
					ExecuteInput: input(f.rt, 40, `{}`),
					Step: domain.FlowStepInstance{
						StepOrder:   40,
						Output:      map[string]any{"provider": "anchor"},
						Correlation: map[string]any{"externalId": "tr_1"},
					},
					Signal: domain.FlowSignal{ID: uuid.New(), Payload: map[string]any{"status": tc.status}},
				})
				if result.Outcome != tc.outcome {
					t.Fatalf("expected %s, got %+v", tc.outcome, result)
				}
				if f.status(t) != tc.txStatus {
					t.Fatalf("expected %s, got %s", tc.txStatus, f.status(t))
				}
				if len(f.refunds.calls) != tc.refundRuns {
					t.Fatalf("expected %d refunds, got %v", tc.refundRuns, f.refunds.calls)
				}
			})
		}
	})
}

func TestExecutorsCoverEveryStepType(t *testing.T) {
	registry, err := flow.NewRegistry(Executors(Dependencies{})...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	for _, stepType := range []domain.StepType{
		domain.StepAwaitExchangeBalance,
		domain.StepExchangeConvert,
		domain.StepExchangeSend,
		domain.StepPayoutSend,
		domain.StepTreasuryTransfer,
	} {
		if _, err := registry.Get(stepType); err != nil {
			t.Fatalf("expected executor for %s: %v", stepType, err)
		}
	}
}

func TestPayoutSend_RetryAfterFailureSendsNothing(t *testing.T) {
	reload := func(t *testing.T, f *payoutFixture) {
		t.Helper()
		tx, err := f.store.FindTransactionByID(context.Background(), f.rt.Transaction.ID)
		if err != nil {
			t.Fatalf("find transaction: %v", err)
		}
		f.rt.Transaction = *tx
	}

	for _, async := range []bool{true, false} {
		name := "sync"
		if async {
			name = "async"
		}
		t.Run(name+" rejection then retry", func(t *testing.T) {
			f := newPayoutFixture(t, async, providers.PaymentResult{Success: false, Reason: "account closed"})
			if result, _ := f.exec.Execute(context.Background(), input(f.rt, 40, `{}`)); result.Outcome != flow.OutcomeFailed {
				t.Fatalf("expected the first attempt to fail, got %+v", result)
			}

			f.payment.result = providers.PaymentResult{Success: true, TransactionID: "tr_2"}
			reload(t, f)
			result, _ := f.exec.Execute(context.Background(), input(f.rt, 40, `{}`))
			if result.Outcome != flow.OutcomeFailed {
				t.Fatalf("expected the retry to be refused, got %+v", result)
			}
			if len(f.payment.sent) != 1 {
				t.Fatalf("expected one payout request, got %d", len(f.payment.sent))
			}
			if f.status(t) != domain.StatusPaymentFailed {
				t.Fatalf("expected PAYMENT_FAILED, got %s", f.status(t))
			}
		})
	}

	t.Run("refund on the ledger", func(t *testing.T) {
		f := newPayoutFixture(t, true, providers.PaymentResult{Success: true, TransactionID: "tr_1"})
		if _, err := f.store.ReserveRefund(context.Background(), domain.RefundReservationRequest{
			TransactionID:  f.rt.Transaction.ID,
			IdempotencyKey: domain.RefundKey(f.rt.Transaction.ID),
			Reason:         "payout failed",
		}); err != nil {
			t.Fatalf("reserve refund: %v", err)
		}
		result, _ := f.exec.Execute(context.Background(), input(f.rt, 40, `{}`))
		if result.Outcome != flow.OutcomeFailed || len(f.payment.sent) != 0 {
			t.Fatalf("expected no payout while a refund exists, got %+v with %d sends", result, len(f.payment.sent))
		}
		if len(f.notifier.messages) != 1 {
			t.Fatalf("expected an operator message, got %v", f.notifier.messages)
		}
	})

	t.Run("refunded deposit", func(t *testing.T) {
		f := newPayoutFixture(t, true, providers.PaymentResult{Success: true, TransactionID: "tr_1"})
		refundID := "refund-tx"
		f.rt.Transaction.RefundOnChainID = &refundID
		result, _ := f.exec.Execute(context.Background(), input(f.rt, 40, `{}`))
		if result.Outcome != flow.OutcomeFailed || len(f.payment.sent) != 0 {
			t.Fatalf("expected no payout after a refund, got %+v with %d sends", result, len(f.payment.sent))
		}
	})
}
