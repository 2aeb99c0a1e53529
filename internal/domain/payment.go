package domain

import "time"

// BusinessIdentity names the merchant a payment token is bound to. The
// shape is generic; this deployment always uses type "wix_merchant_id".
type BusinessIdentity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// TokenBinding ties a payment token to one checkout at one merchant.
type TokenBinding struct {
	CheckoutID       string           `json:"checkoutId"`
	BusinessIdentity BusinessIdentity `json:"businessIdentity"`
}

// CardCredential is a raw payment credential supplied at tokenization.
// It is never persisted; only a provider reference survives the call.
type CardCredential struct {
	Number      string `json:"number"`
	ExpiryMonth int    `json:"expiryMonth"`
	ExpiryYear  int    `json:"expiryYear"`
	CVC         string `json:"cvc,omitempty"`
	HolderName  string `json:"holderName,omitempty"`
}

// Instrument is the masked metadata stored alongside a payment token.
type Instrument struct {
	Type        string `json:"type"`
	Brand       string `json:"brand"`
	LastDigits  string `json:"lastDigits"`
	ExpiryMonth int    `json:"expiryMonth"`
	ExpiryYear  int    `json:"expiryYear"`
}

// StoredPaymentToken is the single-use record behind an issued token.
type StoredPaymentToken struct {
	ID            string       `json:"id"`
	CredentialRef string       `json:"credentialRef"`
	Binding       TokenBinding `json:"binding"`
	Instrument    Instrument   `json:"instrument"`
	CreatedAt     time.Time    `json:"createdAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
	Used          bool         `json:"used"`
}

// NetworkToken is the gateway-issued credential returned in indirect mode.
type NetworkToken struct {
	Token       string `json:"token"`
	Cryptogram  string `json:"cryptogram"`
	ECI         string `json:"eci"`
	ExpiryMonth int    `json:"expiryMonth"`
	ExpiryYear  int    `json:"expiryYear"`
}

// RedeemedCredential is the detokenization result. Exactly one of
// NetworkToken or Card is set, selected by handler mode.
type RedeemedCredential struct {
	Type         string          `json:"type"` // "network_token" | "card"
	NetworkToken *NetworkToken   `json:"networkToken,omitempty"`
	Card         *CardCredential `json:"card,omitempty"`
	Instrument   Instrument      `json:"instrument"`
}
