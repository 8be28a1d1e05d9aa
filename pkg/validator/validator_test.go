package validator

import "testing"

func TestValidateStruct(t *testing.T) {
	type payload struct {
		Email string `json:"email" validate:"required,email"`
		Name  string `json:"name" validate:"required"`
	}

	if err := ValidateStruct(payload{Email: "user@example.com", Name: "x"}); err != nil {
		t.Fatalf("expected valid struct, got %v", err)
	}

	err := ValidateStruct(payload{Email: "not-an-email"})
	if err == nil {
		t.Fatal("expected validation failure")
	}

	failures, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failures))
	}
	if failures[0].Field != "email" {
		t.Fatalf("expected json field name, got %s", failures[0].Field)
	}
}

func TestIsEmail(t *testing.T) {
	valid := []string{"user@example.com", "a.b+c@sub.domain.org"}
	for _, address := range valid {
		if !IsEmail(address) {
			t.Fatalf("expected %q to be valid", address)
		}
	}

	invalid := []string{"", "user1example.", "user1example@", "user1example@invalid", "@example.com"}
	for _, address := range invalid {
		if IsEmail(address) {
			t.Fatalf("expected %q to be invalid", address)
		}
	}
}
