// Package payment converts raw payment credentials into single-use,
// checkout-bound tokens and redeems them exactly once.
package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/kvstore"
)

const (
	tokenKeyPrefix = "payment:token:"
	tokenIDPrefix  = "pmt_"
	tokenIDBytes   = 16
)

// Service implements tokenization and detokenization over the ephemeral
// store. Single-use redemption is enforced with an atomic compare-and-swap
// of the stored record; a plain read-then-write is not safe here.
type Service struct {
	store    kvstore.Store
	provider Provider
	tokenTTL time.Duration
	mode     string
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService wires the payment service.
func NewService(store kvstore.Store, provider Provider, cfg config.Config, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		provider: provider,
		tokenTTL: cfg.PaymentTokenTTL,
		mode:     cfg.PaymentHandlerMode,
		logger:   logger,
		tracer:   otel.Tracer("github.com/agentcommerce/checkout-bridge/internal/payment"),
		now:      time.Now,
	}
}

// SetClock overrides the service clock. Test helper.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// TokenizeResult is returned to the caller of Tokenize.
type TokenizeResult struct {
	Token      string            `json:"token"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	Instrument domain.Instrument `json:"instrument"`
}

// Tokenize vaults the credential with the provider and persists a
// single-use record bound to the checkout and merchant.
func (s *Service) Tokenize(ctx context.Context, card domain.CardCredential, binding domain.TokenBinding) (*TokenizeResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.Tokenize")
	defer span.End()

	if card.Number == "" || len(card.Number) < 12 {
		return nil, domain.InvalidRequest("card number is invalid")
	}
	if card.ExpiryMonth < 1 || card.ExpiryMonth > 12 {
		return nil, domain.InvalidRequest("card expiry month is invalid")
	}
	if binding.CheckoutID == "" {
		return nil, domain.MissingFields("binding checkoutId is required", "binding.checkoutId")
	}
	if binding.BusinessIdentity.Value == "" {
		return nil, domain.MissingFields("binding businessIdentity is required", "binding.businessIdentity.value")
	}

	ref, err := s.provider.VaultCard(ctx, card)
	if err != nil {
		span.RecordError(err)
		return nil, domain.Unprocessable("payment credential could not be vaulted")
	}

	now := s.now().UTC()
	record := domain.StoredPaymentToken{
		ID:            newTokenID(),
		CredentialRef: ref,
		Binding:       binding,
		Instrument: domain.Instrument{
			Type:        "card",
			Brand:       DetectBrand(card.Number),
			LastDigits:  card.Number[len(card.Number)-4:],
			ExpiryMonth: card.ExpiryMonth,
			ExpiryYear:  card.ExpiryYear,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode payment token: %w", err)
	}
	if err := s.store.SetWithTTL(ctx, tokenKeyPrefix+record.ID, payload, s.tokenTTL); err != nil {
		span.RecordError(err)
		return nil, domain.Unavailable("payment store unavailable")
	}

	s.audit("payment_token.issued", "token_id", record.ID, "checkout_id", binding.CheckoutID)
	return &TokenizeResult{Token: record.ID, ExpiresAt: record.ExpiresAt, Instrument: record.Instrument}, nil
}

// DetokenizeResult is returned on successful redemption.
type DetokenizeResult struct {
	Credential  domain.RedeemedCredential `json:"credential"`
	Reference   string                    `json:"reference"`
	Invalidated bool                      `json:"invalidated"`
}

// Detokenize redeems a token exactly once. Validation order and failure
// kinds are part of the contract: lookup miss, already used, expired,
// checkout binding mismatch, merchant binding mismatch, lost race.
func (s *Service) Detokenize(ctx context.Context, token string, binding domain.TokenBinding) (*DetokenizeResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.Detokenize")
	defer span.End()

	raw, err := s.store.Get(ctx, tokenKeyPrefix+token)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, domain.NotFound("token not found or expired")
		}
		span.RecordError(err)
		return nil, domain.Unavailable("payment store unavailable")
	}

	var record domain.StoredPaymentToken
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode payment token: %w", err)
	}

	if record.Used {
		return nil, domain.Gone("token already used")
	}
	if s.now().After(record.ExpiresAt) {
		return nil, domain.Gone("token expired")
	}
	if record.Binding.CheckoutID != binding.CheckoutID {
		return nil, domain.Forbidden("checkoutId does not match token binding")
	}
	if record.Binding.BusinessIdentity.Value != binding.BusinessIdentity.Value {
		return nil, domain.Forbidden("businessIdentity does not match token binding")
	}

	used := record
	used.Used = true
	replacement, err := json.Marshal(used)
	if err != nil {
		return nil, fmt.Errorf("encode payment token: %w", err)
	}
	swapped, err := s.store.CompareAndSwap(ctx, tokenKeyPrefix+token, raw, replacement)
	if err != nil {
		span.RecordError(err)
		return nil, domain.Unavailable("payment store unavailable")
	}
	if !swapped {
		// Valid at read time, but another redeemer won the race. Distinct
		// from "already used" so callers can tell the two apart.
		return nil, domain.Conflict("token is no longer available")
	}

	credential, err := s.redeemedCredential(ctx, record)
	if err != nil {
		span.RecordError(err)
		return nil, domain.Unprocessable("payment credential could not be resolved")
	}

	s.audit("payment_token.redeemed", "token_id", record.ID, "checkout_id", binding.CheckoutID, "mode", s.mode)
	return &DetokenizeResult{Credential: credential, Reference: record.CredentialRef, Invalidated: true}, nil
}

// InvalidateToken unconditionally deletes a token for explicit cleanup and
// reports whether a record existed.
func (s *Service) InvalidateToken(ctx context.Context, checkoutID, token string) (bool, error) {
	existed, err := s.store.Delete(ctx, tokenKeyPrefix+token)
	if err != nil {
		return false, domain.Unavailable("payment store unavailable")
	}
	if existed {
		s.audit("payment_token.invalidated", "token_id", token, "checkout_id", checkoutID)
	}
	return existed, nil
}

// redeemedCredential shapes the output by handler mode. Pure mapping; all
// validation has already happened.
func (s *Service) redeemedCredential(ctx context.Context, record domain.StoredPaymentToken) (domain.RedeemedCredential, error) {
	if s.mode == config.HandlerModeDirect {
		card, err := s.provider.ResolveCard(ctx, record.CredentialRef)
		if err != nil {
			return domain.RedeemedCredential{}, err
		}
		card.CVC = ""
		return domain.RedeemedCredential{Type: "card", Card: &card, Instrument: record.Instrument}, nil
	}
	networkToken, err := s.provider.NetworkToken(ctx, record.CredentialRef)
	if err != nil {
		return domain.RedeemedCredential{}, err
	}
	return domain.RedeemedCredential{Type: "network_token", NetworkToken: &networkToken, Instrument: record.Instrument}, nil
}

func (s *Service) audit(event string, attrs ...any) {
	if s.logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+1)
	fields = append(fields, zap.String("event", event))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	s.logger.Info("audit", fields...)
}

func newTokenID() string {
	b := make([]byte, tokenIDBytes)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return tokenIDPrefix + hex.EncodeToString(b)
}
