package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/agentcommerce/checkout-bridge/internal/domain"
)

// Provider vaults raw credentials outside the ephemeral store and resolves
// them back at redemption. The bridge never persists a PAN itself; only the
// provider reference survives tokenization.
type Provider interface {
	// VaultCard stores the credential and returns an opaque reference.
	VaultCard(ctx context.Context, card domain.CardCredential) (string, error)
	// ResolveCard returns the raw credential behind a reference.
	ResolveCard(ctx context.Context, ref string) (domain.CardCredential, error)
	// NetworkToken returns a gateway network token for the reference.
	NetworkToken(ctx context.Context, ref string) (domain.NetworkToken, error)
}

// MockProvider is an in-process vault for development and tests.
type MockProvider struct {
	mu    sync.Mutex
	cards map[string]domain.CardCredential
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider constructs an empty vault.
func NewMockProvider() *MockProvider {
	return &MockProvider{cards: make(map[string]domain.CardCredential)}
}

func (p *MockProvider) VaultCard(ctx context.Context, card domain.CardCredential) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate credential ref: %w", err)
	}
	ref := "cref_" + hex.EncodeToString(b)
	p.mu.Lock()
	p.cards[ref] = card
	p.mu.Unlock()
	return ref, nil
}

func (p *MockProvider) ResolveCard(ctx context.Context, ref string) (domain.CardCredential, error) {
	p.mu.Lock()
	card, ok := p.cards[ref]
	p.mu.Unlock()
	if !ok {
		return domain.CardCredential{}, fmt.Errorf("credential ref %s not found", ref)
	}
	return card, nil
}

func (p *MockProvider) NetworkToken(ctx context.Context, ref string) (domain.NetworkToken, error) {
	card, err := p.ResolveCard(ctx, ref)
	if err != nil {
		return domain.NetworkToken{}, err
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return domain.NetworkToken{}, fmt.Errorf("generate cryptogram: %w", err)
	}
	return domain.NetworkToken{
		Token:       "ntk_" + hex.EncodeToString(b),
		Cryptogram:  hex.EncodeToString(b),
		ECI:         "05",
		ExpiryMonth: card.ExpiryMonth,
		ExpiryYear:  card.ExpiryYear,
	}, nil
}

// DetectBrand guesses the card network from the leading digits.
func DetectBrand(number string) string {
	digits := strings.TrimSpace(number)
	switch {
	case strings.HasPrefix(digits, "4"):
		return "visa"
	case strings.HasPrefix(digits, "5"), strings.HasPrefix(digits, "2"):
		return "mastercard"
	case strings.HasPrefix(digits, "34"), strings.HasPrefix(digits, "37"):
		return "amex"
	case strings.HasPrefix(digits, "6"):
		return "discover"
	}
	return "unknown"
}
