package shared

import (
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	if result := Redact(input); result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_ProviderKeys(t *testing.T) {
	cases := []string{
		"key sk-ant-REDACTED",
		"using sk-proj-ABCDEFGHIJKLMNOPQRSTUVWXYZ",
		"openai sk-abcdefghijklmnopqrstuvwxyz",
	}
	for _, in := range cases {
		got := Redact(in)
		if strings.Contains(got, "abcdefghijklmnopqrst") || strings.Contains(got, "ABCDEFGHIJKLMNOPQRST") {
			t.Errorf("Redact(%q) = %q, key still visible", in, got)
		}
	}
}

func TestRedact_TelegramToken(t *testing.T) {
	input := "token 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw_x in config"
	got := Redact(input)
	if strings.Contains(got, "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw") {
		t.Fatalf("telegram token not redacted: %q", got)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	if result := Redact(input); result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	if result := Redact(""); result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret(""); got != "(not set)" {
		t.Fatalf("empty: got %q", got)
	}
	if got := MaskSecret("short"); got != "****" {
		t.Fatalf("short: got %q", got)
	}
	if got := MaskSecret("sk-abcdefgh1234"); got != "****1234" {
		t.Fatalf("long: got %q", got)
	}
}
