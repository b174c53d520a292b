package validation

import (
	"strings"

	"github.com/bardlex/minerelay/pkg/errors"
)

// IsValidWallet reports whether addr satisfies the default wallet rule.
func IsValidWallet(addr string) bool {
	return DefaultWalletRule.Validate(addr) == nil
}

// Validate returns a validation error describing why addr is rejected.
func (r WalletRule) Validate(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New(errors.ErrorTypeValidation, "validate_wallet", "wallet is empty")
	}

	if len(addr) < r.MinLength {
		return errors.New(errors.ErrorTypeValidation, "validate_wallet", "wallet too short").
			WithContext("length", len(addr)).
			WithContext("min_length", r.MinLength)
	}

	for _, prefix := range r.Prefixes {
		if strings.HasPrefix(addr, prefix) {
			return nil
		}
	}

	return errors.New(errors.ErrorTypeValidation, "validate_wallet", "unexpected wallet prefix").
		WithContext("prefix", addr[:1])
}
