package password

import (
	"strings"
	"testing"
)

func fastConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestValidateRuleOrder(t *testing.T) {
	cases := []struct {
		candidate string
		want      string
	}{
		{"Ab1!", "at least 8 characters"},
		{"abcdefg1!", "upper-case"},
		{"ABCDEFG1!", "lower-case"},
		{"Abcdefgh!", "digit"},
		{"Abcdefgh1", "special character"},
		{"Abcdefg1!", ""},
		{"Çãoçãoç1 ", ""},
	}

	for _, tc := range cases {
		got := Validate(tc.candidate, "", "", nil)
		if tc.want == "" {
			if got != "" {
				t.Fatalf("Validate(%q) = %q, want success", tc.candidate, got)
			}
			continue
		}
		if !strings.Contains(got, tc.want) {
			t.Fatalf("Validate(%q) = %q, want message containing %q", tc.candidate, got, tc.want)
		}
	}
}

func TestValidateRejectsReuse(t *testing.T) {
	hasher, err := NewArgon2(fastConfig())
	if err != nil {
		t.Fatalf("NewArgon2 error: %v", err)
	}

	current, err := hasher.Hash("Current#Pass1")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	previous, err := hasher.Hash("Previous#Pass1")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	if got := Validate("Current#Pass1", current, previous, hasher); !strings.Contains(got, "current password") {
		t.Fatalf("expected current-password reuse message, got %q", got)
	}
	if got := Validate("Previous#Pass1", current, previous, hasher); !strings.Contains(got, "previous password") {
		t.Fatalf("expected previous-password reuse message, got %q", got)
	}
	if got := Validate("Brand#New1", current, previous, hasher); got != "" {
		t.Fatalf("expected fresh password to pass, got %q", got)
	}
}

func TestValidateIgnoresUnreadableHashes(t *testing.T) {
	hasher, err := NewArgon2(fastConfig())
	if err != nil {
		t.Fatalf("NewArgon2 error: %v", err)
	}

	if got := Validate("Brand#New1", "garbage", "$argon2id$broken", hasher); got != "" {
		t.Fatalf("expected unreadable hashes to be ignored, got %q", got)
	}
}
