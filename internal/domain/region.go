/**
 * @description
 * Region policy for linked bank accounts: which banking identifiers each
 * region requires, which currencies it settles in, and the catalog of
 * supported banks shown to users when linking an account.
 *
 * @notes
 * - The required-field set is configuration (REGION_REQUIRED_FIELDS), parsed
 *   by ParseRegionPolicy; DefaultRegionPolicy mirrors the production defaults.
 */
package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Region codes.
const (
	RegionUS = "US"
	RegionUK = "UK"
	RegionEU = "EU"
)

// Identifier field names used in region requirements and validation errors.
const (
	FieldRoutingNumber = "routing_number"
	FieldSwiftCode     = "swift_code"
	FieldIBAN          = "iban"
)

var euCountries = map[string]bool{
	"EU": true, "AT": true, "BE": true, "CY": true, "DE": true, "EE": true, "ES": true,
	"FI": true, "FR": true, "GR": true, "HR": true, "IE": true, "IT": true, "LT": true,
	"LU": true, "LV": true, "MT": true, "NL": true, "PT": true, "SI": true, "SK": true,
}

// RegionForCountry maps a bank country (or region code) to its region.
func RegionForCountry(country string) (string, bool) {
	c := strings.ToUpper(strings.TrimSpace(country))
	switch {
	case c == RegionUS:
		return RegionUS, true
	case c == RegionUK || c == "GB":
		return RegionUK, true
	case euCountries[c]:
		return RegionEU, true
	}
	return "", false
}

// RegionPolicy is the configured set of required identifiers per region.
type RegionPolicy struct {
	required map[string][]string
}

// DefaultRegionPolicy requires a routing number for US accounts and SWIFT/BIC
// plus IBAN for UK and EU accounts.
func DefaultRegionPolicy() RegionPolicy {
	return RegionPolicy{required: map[string][]string{
		RegionUS: {FieldRoutingNumber},
		RegionUK: {FieldSwiftCode, FieldIBAN},
		RegionEU: {FieldSwiftCode, FieldIBAN},
	}}
}

// ParseRegionPolicy parses "US=routing_number;UK=swift_code,iban".
func ParseRegionPolicy(raw string) (RegionPolicy, error) {
	policy := RegionPolicy{required: map[string][]string{}}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		region, fields, ok := strings.Cut(entry, "=")
		if !ok {
			return RegionPolicy{}, fmt.Errorf("region entry %q: expected REGION=field[,field]", entry)
		}
		region = strings.ToUpper(strings.TrimSpace(region))
		if region == "" {
			return RegionPolicy{}, fmt.Errorf("region entry %q: empty region", entry)
		}
		var list []string
		for _, f := range strings.Split(fields, ",") {
			f = strings.ToLower(strings.TrimSpace(f))
			if f == "" {
				continue
			}
			switch f {
			case FieldRoutingNumber, FieldSwiftCode, FieldIBAN:
				list = append(list, f)
			default:
				return RegionPolicy{}, fmt.Errorf("region %s: unknown field %q", region, f)
			}
		}
		policy.required[region] = list
	}
	return policy, nil
}

// RequiredFields returns the identifiers required for region, sorted.
func (p RegionPolicy) RequiredFields(region string) []string {
	fields := append([]string(nil), p.required[region]...)
	sort.Strings(fields)
	return fields
}

var (
	routingNumberPattern = regexp.MustCompile(`^[0-9]{9}$`)
	swiftPattern         = regexp.MustCompile(`^[A-Z]{4}[A-Z]{2}[A-Z0-9]{2}([A-Z0-9]{3})?$`)
	ibanPattern          = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}$`)
	accountNumberPattern = regexp.MustCompile(`^[A-Za-z0-9]{4,34}$`)
	currencyPattern      = regexp.MustCompile(`^[A-Z]{3}$`)
)

// Validate checks a fully merged account against the policy. The first
// problem found is returned as a ValidationError naming the field.
func (p RegionPolicy) Validate(a *BankAccount) error {
	if a.BankName == "" {
		return NewValidationError("bank_name", "bank name is required")
	}
	if a.AccountHolderName == "" {
		return NewValidationError("account_holder_name", "account holder name is required")
	}
	if a.AccountNumber == "" {
		return NewValidationError("account_number", "account number is required")
	}
	if !accountNumberPattern.MatchString(a.AccountNumber) {
		return NewValidationError("account_number", "account number must be 4 to 34 letters or digits")
	}
	if !a.Type.Valid() {
		return NewValidationError("account_type", "account type must be one of checking, savings, current")
	}
	if a.Country == "" {
		return NewValidationError("bank_country", "bank country is required")
	}
	region, ok := RegionForCountry(a.Country)
	if !ok {
		return NewValidationError("bank_country", "bank country %q is not supported", a.Country)
	}
	if !currencyPattern.MatchString(a.Currency) {
		return NewValidationError("bank_currency", "currency must be a three-letter ISO 4217 code")
	}
	if !RegionSupportsCurrency(region, a.Currency) {
		return NewValidationError("bank_currency", "currency %s is not supported for region %s", a.Currency, region)
	}

	present := map[string]*string{
		FieldRoutingNumber: a.RoutingNumber,
		FieldSwiftCode:     a.SwiftCode,
		FieldIBAN:          a.IBAN,
	}
	for _, field := range p.RequiredFields(region) {
		if v := present[field]; v == nil || *v == "" {
			return NewValidationError(field, "%s is required for %s accounts", field, region)
		}
	}

	if a.RoutingNumber != nil && !ValidRoutingNumber(*a.RoutingNumber) {
		return NewValidationError(FieldRoutingNumber, "routing number must be a valid 9-digit ABA number")
	}
	if a.SwiftCode != nil && !swiftPattern.MatchString(*a.SwiftCode) {
		return NewValidationError(FieldSwiftCode, "SWIFT/BIC must be 8 or 11 characters")
	}
	if a.IBAN != nil && !ValidIBAN(*a.IBAN) {
		return NewValidationError(FieldIBAN, "IBAN is not valid")
	}
	return nil
}

// ValidRoutingNumber checks the ABA routing number checksum.
func ValidRoutingNumber(s string) bool {
	if !routingNumberPattern.MatchString(s) {
		return false
	}
	weights := [3]int{3, 7, 1}
	sum := 0
	for i, r := range s {
		sum += int(r-'0') * weights[i%3]
	}
	return sum%10 == 0
}

// ValidIBAN checks the IBAN shape and its ISO 7064 mod-97 checksum.
func ValidIBAN(s string) bool {
	if !ibanPattern.MatchString(s) {
		return false
	}
	rearranged := s[4:] + s[:4]
	mod := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			mod = (mod*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			mod = (mod*100 + int(r-'A'+10)) % 97
		default:
			return false
		}
	}
	return mod == 1
}

// Bank is an entry of the supported-bank catalog.
type Bank struct {
	Name       string   `json:"name"`
	Code       string   `json:"code"`
	Swift      string   `json:"swift"`
	Countries  []string `json:"countries"`
	Currencies []string `json:"currencies"`
}

// Currency is a supported settlement currency.
type Currency struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

var supportedBanks = map[string][]Bank{
	RegionUS: {
		{Name: "Chase", Code: "CHASUS33", Swift: "CHASUS33", Countries: []string{"US"}, Currencies: []string{"USD"}},
		{Name: "Bank of America", Code: "BOFAUS3N", Swift: "BOFAUS3N", Countries: []string{"US"}, Currencies: []string{"USD"}},
		{Name: "Wells Fargo", Code: "WFBIUS6S", Swift: "WFBIUS6S", Countries: []string{"US"}, Currencies: []string{"USD"}},
		{Name: "Citibank", Code: "CITIUS33", Swift: "CITIUS33", Countries: []string{"US"}, Currencies: []string{"USD"}},
	},
	RegionUK: {
		{Name: "Barclays", Code: "BARCGB22", Swift: "BARCGB22", Countries: []string{"UK"}, Currencies: []string{"GBP", "EUR"}},
		{Name: "HSBC", Code: "HBUKGB4B", Swift: "HBUKGB4B", Countries: []string{"UK"}, Currencies: []string{"GBP", "EUR"}},
		{Name: "Lloyds", Code: "LOYDGB21", Swift: "LOYDGB21", Countries: []string{"UK"}, Currencies: []string{"GBP", "EUR"}},
	},
	RegionEU: {
		{Name: "Deutsche Bank", Code: "DEUTDEFF", Swift: "DEUTDEFF", Countries: []string{"DE", "EU"}, Currencies: []string{"EUR"}},
		{Name: "BNP Paribas", Code: "BNPAFRPP", Swift: "BNPAFRPP", Countries: []string{"FR", "EU"}, Currencies: []string{"EUR"}},
		{Name: "Santander", Code: "BSCHESMM", Swift: "BSCHESMM", Countries: []string{"ES", "EU"}, Currencies: []string{"EUR"}},
	},
}

var regionCurrencies = map[string][]string{
	RegionUS: {"USD"},
	RegionUK: {"GBP", "EUR"},
	RegionEU: {"EUR"},
}

var currencies = []Currency{
	{Code: "USD", Name: "US Dollar", Symbol: "$"},
	{Code: "EUR", Name: "Euro", Symbol: "€"},
	{Code: "GBP", Name: "British Pound", Symbol: "£"},
}

// SupportedBanks returns the catalog for a region, or every region when
// region is empty.
func SupportedBanks(region string) []Bank {
	if region != "" {
		return append([]Bank(nil), supportedBanks[strings.ToUpper(region)]...)
	}
	var all []Bank
	for _, r := range []string{RegionUS, RegionUK, RegionEU} {
		all = append(all, supportedBanks[r]...)
	}
	return all
}

// SupportedCurrencies lists the settlement currencies.
func SupportedCurrencies() []Currency {
	return append([]Currency(nil), currencies...)
}

// RegionSupportsCurrency reports whether region settles in currency.
func RegionSupportsCurrency(region, currency string) bool {
	for _, c := range regionCurrencies[region] {
		if c == currency {
			return true
		}
	}
	return false
}
