package logging

import "testing"

func TestMaskField(t *testing.T) {
	attr := MaskField("email", "mona@example.com")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("expected redacted value, got %q", attr.Value.String())
	}

	attr = MaskField("developer", "octocat")
	if attr.Value.String() != "octocat" {
		t.Fatalf("allowlisted key must pass through, got %q", attr.Value.String())
	}

	attr = MaskField("email", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty values stay empty, got %q", attr.Value.String())
	}
}

func TestMaskValue(t *testing.T) {
	if MaskValue("secret") != RedactedValue {
		t.Fatal("non-empty value must be redacted")
	}
	if MaskValue("  ") != "  " {
		t.Fatal("blank value must be returned unchanged")
	}
}

func TestAllowlist(t *testing.T) {
	if !IsAllowlisted("Developer") {
		t.Fatal("allowlist lookup must be case insensitive")
	}
	if IsAllowlisted("wallet_address") {
		t.Fatal("wallet_address must not be allowlisted")
	}
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatal("allowlist must be sorted")
		}
	}
}
