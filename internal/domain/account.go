/**
 * @description
 * This file defines the core domain model for a linked BankAccount. A linked
 * account is an external bank account a user has attached to their profile as a
 * payout or withdrawal destination.
 *
 * @notes
 * - IsPrimary is only changed through the store's SetPrimary transition, which
 *   keeps at most one primary account per owner.
 * - IsVerified is only flipped to true by the verification engine after a
 *   successful micro-deposit match. Neither flag is accepted from callers.
 */
package domain

import (
	"strings"
	"time"
)

// AccountType defines the type of a linked bank account.
type AccountType string

const (
	AccountTypeChecking AccountType = "checking"
	AccountTypeSavings  AccountType = "savings"
	AccountTypeCurrent  AccountType = "current"
)

// Valid reports whether t is one of the supported account types.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeChecking, AccountTypeSavings, AccountTypeCurrent:
		return true
	}
	return false
}

// BankAccount represents a user's linked external bank account.
type BankAccount struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	BankName          string      `json:"bank_name"`
	Country           string      `json:"bank_country"`
	Currency          string      `json:"bank_currency"`
	AccountHolderName string      `json:"account_holder_name"`
	AccountNumber     string      `json:"-"`
	RoutingNumber     *string     `json:"routing_number,omitempty"`
	SwiftCode         *string     `json:"swift_code,omitempty"`
	IBAN              *string     `json:"-"`
	Type              AccountType `json:"account_type"`
	IsPrimary         bool        `json:"is_primary"`
	IsVerified        bool        `json:"is_verified"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// AccountFields carries the caller-supplied attributes of a linked account.
// Nil pointers mean "not provided", which matters for partial updates.
type AccountFields struct {
	BankName          *string
	Country           *string
	Currency          *string
	AccountHolderName *string
	AccountNumber     *string
	RoutingNumber     *string
	SwiftCode         *string
	IBAN              *string
	Type              *AccountType
}

// Apply copies every provided field onto the account. Empty optional
// identifiers clear the stored value.
func (f AccountFields) Apply(a *BankAccount) {
	if f.BankName != nil {
		a.BankName = strings.TrimSpace(*f.BankName)
	}
	if f.Country != nil {
		a.Country = strings.ToUpper(strings.TrimSpace(*f.Country))
	}
	if f.Currency != nil {
		a.Currency = strings.ToUpper(strings.TrimSpace(*f.Currency))
	}
	if f.AccountHolderName != nil {
		a.AccountHolderName = strings.TrimSpace(*f.AccountHolderName)
	}
	if f.AccountNumber != nil {
		a.AccountNumber = compact(*f.AccountNumber)
	}
	if f.RoutingNumber != nil {
		a.RoutingNumber = optional(compact(*f.RoutingNumber))
	}
	if f.SwiftCode != nil {
		a.SwiftCode = optional(strings.ToUpper(compact(*f.SwiftCode)))
	}
	if f.IBAN != nil {
		a.IBAN = optional(strings.ToUpper(compact(*f.IBAN)))
	}
	if f.Type != nil {
		a.Type = AccountType(strings.ToLower(strings.TrimSpace(string(*f.Type))))
	}
}

// TouchesIdentity reports whether the update changes the fields that the
// micro-deposits were sent to.
func (f AccountFields) TouchesIdentity(a *BankAccount) bool {
	updated := *a
	f.Apply(&updated)
	return !updated.SameIdentity(a)
}

// SameIdentity reports whether both accounts point at the same bank account
// number, routing number, SWIFT/BIC and IBAN.
func (a *BankAccount) SameIdentity(other *BankAccount) bool {
	return a.AccountNumber == other.AccountNumber &&
		deref(a.RoutingNumber) == deref(other.RoutingNumber) &&
		deref(a.IBAN) == deref(other.IBAN) &&
		deref(a.SwiftCode) == deref(other.SwiftCode)
}

// Last4 returns the displayable tail of the account number.
func (a *BankAccount) Last4() string {
	if len(a.AccountNumber) <= 4 {
		return a.AccountNumber
	}
	return a.AccountNumber[len(a.AccountNumber)-4:]
}

// MaskedAccountNumber hides everything but the last four digits.
func (a *BankAccount) MaskedAccountNumber() string {
	if len(a.AccountNumber) <= 4 {
		return "****"
	}
	return "****" + a.Last4()
}

func compact(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
