// Package validation provides the checks the relay applies before trusting
// browser input: user wallet addresses and share submissions.
package validation

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/bardlex/minerelay/pkg/errors"
)

// DefaultMaxFieldLength bounds nonce and result strings.
const DefaultMaxFieldLength = 128

// ShareValidator handles validation of share submissions
type ShareValidator struct {
	maxFieldLength int
}

// NewShareValidator creates a new share validator
func NewShareValidator(maxFieldLength int) *ShareValidator {
	if maxFieldLength <= 0 {
		maxFieldLength = DefaultMaxFieldLength
	}
	return &ShareValidator{maxFieldLength: maxFieldLength}
}

// ValidateShare checks that the share fields are present and hex encoded.
// The job id must already be resolved (explicit or last known).
func (v *ShareValidator) ValidateShare(share *Share) error {
	if share == nil {
		return errors.New(errors.ErrorTypeValidation, "validate_share", "share is nil")
	}

	if share.JobID == "" {
		return errors.New(errors.ErrorTypeValidation, "validate_share", "job ID is required")
	}

	if err := v.validateField("nonce", share.Nonce); err != nil {
		return err
	}

	if err := v.validateField("result", share.Result); err != nil {
		return err
	}

	return nil
}

func (v *ShareValidator) validateField(name, value string) error {
	if value == "" {
		return errors.New(errors.ErrorTypeValidation, "validate_share",
			fmt.Sprintf("%s is required", name))
	}

	if len(value) > v.maxFieldLength {
		return errors.New(errors.ErrorTypeValidation, "validate_share",
			fmt.Sprintf("%s is too long", name)).
			WithContext("length", len(value))
	}

	if !isValidHex(value) {
		return errors.New(errors.ErrorTypeValidation, "validate_share",
			fmt.Sprintf("%s is not valid hex", name))
	}

	return nil
}

// TargetDifficulty converts a pool target (little-endian hex, 4 or 8 bytes)
// into the share difficulty it represents.
func TargetDifficulty(target string) (uint64, error) {
	raw, err := hex.DecodeString(target)
	if err != nil {
		return 0, fmt.Errorf("invalid target: %w", err)
	}

	switch len(raw) {
	case 4:
		t := binary.LittleEndian.Uint32(raw)
		if t == 0 {
			return 0, fmt.Errorf("zero target")
		}
		return math.MaxUint32 / uint64(t), nil
	case 8:
		t := binary.LittleEndian.Uint64(raw)
		if t == 0 {
			return 0, fmt.Errorf("zero target")
		}
		return math.MaxUint64 / t, nil
	default:
		return 0, fmt.Errorf("unsupported target length %d", len(raw))
	}
}

// isValidHex checks that s only contains hexadecimal digits.
// Odd lengths are allowed; the pool is the final judge of the value.
func isValidHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return len(s) > 0
}
