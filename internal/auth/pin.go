package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidPIN is returned when a PIN is not exactly four digits.
var ErrInvalidPIN = errors.New("pin must be exactly 4 digits")

// dummyHash is compared against when there is no stored hash, so a lookup
// miss costs the same as a wrong PIN.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("0000-no-account"), bcrypt.DefaultCost)

// ValidPIN reports whether pin is exactly four ASCII digits.
func ValidPIN(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

func HashPIN(pin string) (string, error) {
	if !ValidPIN(pin) {
		return "", ErrInvalidPIN
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPIN compares pin with hash. A nil hash still performs a full bcrypt
// comparison and always fails.
func VerifyPIN(hash *string, pin string) bool {
	if hash == nil || *hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(pin))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(*hash), []byte(pin)) == nil
}
