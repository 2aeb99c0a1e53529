package checkout

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/kvstore"
)

const (
	sessionKeyPrefix = "checkout:session:"
	sessionIDPrefix  = "chk_"
	sessionIDBytes   = 12
)

var sessionIDPattern = regexp.MustCompile(`^chk_[0-9a-f]{24}$`)

// NewSessionID returns an unguessable prefixed session identifier.
func NewSessionID() string {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return sessionIDPrefix + hex.EncodeToString(b)
}

// ValidSessionID reports whether id has the expected prefix and suffix
// shape. Malformed IDs are rejected before any store round trip.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// SessionStore persists CheckoutSession records in the ephemeral store.
// There is no in-process cache; every call round-trips so concurrent
// requests observe consistent state.
type SessionStore struct {
	store        kvstore.Store
	sessionTTL   time.Duration
	retentionTTL time.Duration
	now          func() time.Time
}

// NewSessionStore wires the session store.
func NewSessionStore(store kvstore.Store, sessionTTL, retentionTTL time.Duration) *SessionStore {
	return &SessionStore{
		store:        store,
		sessionTTL:   sessionTTL,
		retentionTTL: retentionTTL,
		now:          time.Now,
	}
}

// SetClock overrides the store's clock. Test helper.
func (s *SessionStore) SetClock(now func() time.Time) { s.now = now }

// CreateParams are the inputs accepted at session creation.
type CreateParams struct {
	Currency  string
	LineItems []domain.LineItem
	Buyer     *domain.Buyer
	TaxRate   float64
}

// Create generates an ID, computes the initial status, and persists the
// session with the active TTL.
func (s *SessionStore) Create(ctx context.Context, params CreateParams) (*domain.CheckoutSession, error) {
	if params.Currency == "" {
		return nil, domain.MissingFields("currency is required", "currency")
	}
	now := s.now().UTC()
	session := &domain.CheckoutSession{
		ID:        NewSessionID(),
		Currency:  params.Currency,
		Buyer:     params.Buyer,
		LineItems: params.LineItems,
		TaxRate:   params.TaxRate,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	session.Status = DetermineStatus(session, now)
	if err := s.persist(ctx, session, s.sessionTTL); err != nil {
		return nil, err
	}
	return session, nil
}

// Get loads a session. A session past its expiresAt is reported with status
// expired without writing back; the store's own TTL will reclaim it.
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Status = DetermineStatus(session, s.now())
	return session, nil
}

// Patch carries a field-by-field session update. Pointer fields distinguish
// "not provided" from an explicit new value; ClearDiscount distinguishes
// "remove the discount" from "leave it alone".
type Patch struct {
	Buyer               *domain.Buyer
	LineItems           *[]domain.LineItem
	SelectedFulfillment *domain.FulfillmentOption
	ShippingAddress     *domain.Address
	BillingAddress      *domain.Address
	Discount            *domain.Discount
	ClearDiscount       bool
}

// Update merges the patch into a modifiable session, recomputes status, and
// preserves the remaining TTL.
func (s *SessionStore) Update(ctx context.Context, id string, patch Patch) (*domain.CheckoutSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	current := DetermineStatus(session, now)
	if current == domain.StatusExpired {
		return nil, domain.Gone("checkout session has expired")
	}
	if !IsModifiable(current) {
		return nil, domain.Conflict(fmt.Sprintf("checkout session in status %s cannot be modified", current))
	}

	if patch.Buyer != nil {
		if patch.Buyer.Email == "" {
			return nil, domain.MissingFields("buyer email is required", "buyer.email")
		}
		session.Buyer = patch.Buyer
	}
	if patch.LineItems != nil {
		session.LineItems = *patch.LineItems
	}
	if patch.SelectedFulfillment != nil {
		session.SelectedFulfillment = patch.SelectedFulfillment
		session.SelectedFulfillmentID = patch.SelectedFulfillment.ID
	}
	if patch.ShippingAddress != nil {
		session.ShippingAddress = patch.ShippingAddress
	}
	if patch.BillingAddress != nil {
		session.BillingAddress = patch.BillingAddress
	}
	if patch.ClearDiscount {
		session.Discount = nil
	} else if patch.Discount != nil {
		session.Discount = patch.Discount
	}

	session.UpdatedAt = now.UTC()
	session.Status = DetermineStatus(session, now)
	if err := s.persistPreservingTTL(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// SetPaymentTransaction records the payment transaction reference and moves
// the session toward ready_for_complete.
func (s *SessionStore) SetPaymentTransaction(ctx context.Context, id, transactionID string) (*domain.CheckoutSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	current := DetermineStatus(session, now)
	if current.IsTerminal() {
		return nil, domain.Conflict(fmt.Sprintf("checkout session in status %s cannot accept payment", current))
	}
	session.PaymentTransactionID = transactionID
	session.UpdatedAt = now.UTC()
	session.Status = DetermineStatus(session, now)
	if err := s.persistPreservingTTL(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Complete dispatches COMPLETE_CALLED, records the order outcome, and
// shortens the record's retention since it now only serves read-back.
func (s *SessionStore) Complete(ctx context.Context, id, orderID, confirmationNumber string) (*domain.CheckoutSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	current := DetermineStatus(session, now)
	next, err := Transition(current, domain.EventCompleteCalled)
	if err != nil {
		return nil, err
	}
	session.Status = next
	session.OrderID = orderID
	session.ConfirmationNumber = confirmationNumber
	session.UpdatedAt = now.UTC()
	if err := s.persist(ctx, session, s.retentionTTL); err != nil {
		return nil, err
	}
	return session, nil
}

// Cancel dispatches CANCEL_CALLED and shortens retention.
func (s *SessionStore) Cancel(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	current := DetermineStatus(session, now)
	next, err := Transition(current, domain.EventCancelCalled)
	if err != nil {
		return nil, err
	}
	session.Status = next
	session.UpdatedAt = now.UTC()
	if err := s.persist(ctx, session, s.retentionTTL); err != nil {
		return nil, err
	}
	return session, nil
}

// ExtendTTL pushes expiresAt out by the configured session TTL for an
// active session.
func (s *SessionStore) ExtendTTL(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	current := DetermineStatus(session, now)
	if current.IsTerminal() {
		return nil, domain.Conflict(fmt.Sprintf("checkout session in status %s cannot be extended", current))
	}
	session.ExpiresAt = now.UTC().Add(s.sessionTTL)
	session.UpdatedAt = now.UTC()
	session.Status = DetermineStatus(session, now)
	if err := s.persist(ctx, session, s.sessionTTL); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SessionStore) load(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	if !ValidSessionID(id) {
		return nil, domain.InvalidRequest("malformed checkout session id")
	}
	raw, err := s.store.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, domain.NotFound("checkout session not found")
		}
		return nil, domain.Unavailable("checkout store unavailable")
	}
	var session domain.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

func (s *SessionStore) persist(ctx context.Context, session *domain.CheckoutSession, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	if err := s.store.SetWithTTL(ctx, sessionKey(session.ID), payload, ttl); err != nil {
		return domain.Unavailable("checkout store unavailable")
	}
	return nil
}

func (s *SessionStore) persistPreservingTTL(ctx context.Context, session *domain.CheckoutSession) error {
	ttl, err := s.store.RemainingTTL(ctx, sessionKey(session.ID))
	if err != nil || ttl <= 0 {
		ttl = s.sessionTTL
	}
	return s.persist(ctx, session, ttl)
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}
