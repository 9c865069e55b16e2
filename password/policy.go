package password

import "unicode"

// MinLength is the shortest accepted password, counted in runes.
const MinLength = 8

// Verifier checks a plaintext password against a stored hash. *Argon2 satisfies it.
type Verifier interface {
	Verify(password string, encodedHash string) (bool, error)
}

// Validate applies the password rules to candidate and returns the message of
// the first violated rule, or "" when every rule passes. Rules run in order:
// length, upper-case, lower-case, digit, symbol, reuse of currentHash, reuse
// of previousHash. Empty hashes skip the reuse checks; unreadable hashes are
// treated as non-matching.
func Validate(candidate, currentHash, previousHash string, v Verifier) string {
	if len([]rune(candidate)) < MinLength {
		return "Password must be at least 8 characters long."
	}

	var upper, lower, digit, symbol bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r):
			symbol = true
		}
	}

	switch {
	case !upper:
		return "Password must contain at least one upper-case letter."
	case !lower:
		return "Password must contain at least one lower-case letter."
	case !digit:
		return "Password must contain at least one digit."
	case !symbol:
		return "Password must contain at least one special character."
	}

	if matches(v, candidate, currentHash) {
		return "New password must differ from the current password."
	}
	if matches(v, candidate, previousHash) {
		return "New password must differ from the previous password."
	}

	return ""
}

func matches(v Verifier, candidate, hash string) bool {
	if v == nil || hash == "" {
		return false
	}
	ok, err := v.Verify(candidate, hash)
	return err == nil && ok
}
