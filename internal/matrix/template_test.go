package matrix

import (
	"errors"
	"testing"
)

func TestIDTemplateRoundTrip(t *testing.T) {
	template, err := NewIDTemplate("telegram_{}", "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	userID := template.UserID(12345)
	if userID != "@telegram_12345:example.com" {
		t.Fatalf("unexpected user id %q", userID)
	}

	accountID, ok := template.ParseUserID(userID)
	if !ok {
		t.Fatal("expected the generated id to parse")
	}
	if accountID != 12345 {
		t.Fatalf("unexpected account id %d", accountID)
	}
}

func TestIDTemplateParseRejectsForeignIDs(t *testing.T) {
	template, err := NewIDTemplate("telegram_{}", "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []UserID{
		"@alice:example.com",
		"@telegram_12345:other.org",
		"telegram_12345:example.com",
		"@telegram_abc:example.com",
		"@telegram_0:example.com",
		"@telegram_-5:example.com",
		"@telegram_:example.com",
	}
	for _, id := range cases {
		if _, ok := template.ParseUserID(id); ok {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}

func TestIDTemplateWithSuffix(t *testing.T) {
	template, err := NewIDTemplate("tg_{}_bridge", "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	userID := template.UserID(7)
	if userID != "@tg_7_bridge:example.com" {
		t.Fatalf("unexpected user id %q", userID)
	}
	if accountID, ok := template.ParseUserID(userID); !ok || accountID != 7 {
		t.Fatalf("round trip failed: %d %v", accountID, ok)
	}
}

func TestNewIDTemplateValidation(t *testing.T) {
	if _, err := NewIDTemplate("telegram", "example.com"); !errors.Is(err, ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate, got %v", err)
	}
	if _, err := NewIDTemplate("tg_{}_{}", "example.com"); !errors.Is(err, ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate for two placeholders, got %v", err)
	}
	if _, err := NewIDTemplate("telegram_{}", ""); err == nil {
		t.Fatal("expected an error for a missing domain")
	}
}

func TestDisplaynameTemplate(t *testing.T) {
	template, err := NewDisplaynameTemplate("{} (Telegram)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	formatted := template.Format("Alice")
	if formatted != "Alice (Telegram)" {
		t.Fatalf("unexpected formatted name %q", formatted)
	}
	if got := template.Parse(formatted); got != "Alice" {
		t.Fatalf("unexpected parsed name %q", got)
	}
	// Non-matching input passes through untouched.
	if got := template.Parse("Alice"); got != "Alice" {
		t.Fatalf("expected pass-through, got %q", got)
	}
}

func TestDisplaynameTemplateIdentity(t *testing.T) {
	template, err := NewDisplaynameTemplate("{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := template.Format("Alice"); got != "Alice" {
		t.Fatalf("unexpected formatted name %q", got)
	}
	if got := template.Parse("Alice"); got != "Alice" {
		t.Fatalf("unexpected parsed name %q", got)
	}
}
