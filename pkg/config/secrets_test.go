package config

import (
	"os"
	"testing"
)

func TestEncryptDecryptSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	password := "test-password-12345"
	secrets := map[string]string{
		EnvAnthropicAPIKey: "sk-ant-test123",
		EnvWebhookSecret:   "whsec",
	}

	if err := EncryptSecretsFile(dir, password, secrets); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	info, err := os.Stat(SecretsPath(dir))
	if err != nil {
		t.Fatalf("Failed to stat secrets file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected file permissions 0600, got %04o", info.Mode().Perm())
	}

	decrypted, err := DecryptSecretsFile(dir, password)
	if err != nil {
		t.Fatalf("Failed to decrypt secrets: %v", err)
	}
	for key, want := range secrets {
		if got := decrypted[key]; got != want {
			t.Errorf("Secret %s: expected %q, got %q", key, want, got)
		}
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	dir := t.TempDir()
	if err := EncryptSecretsFile(dir, "right", map[string]string{"A": "1"}); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}
	if _, err := DecryptSecretsFile(dir, "wrong"); err == nil {
		t.Fatal("Expected decryption with wrong password to fail")
	}
}

func TestGetSecretPrecedence(t *testing.T) {
	t.Cleanup(func() { SetDecryptedSecrets(nil) })
	t.Setenv("FOREMAN_TEST_SECRET", "from-env")

	got, err := GetSecret("FOREMAN_TEST_SECRET")
	if err != nil || got != "from-env" {
		t.Fatalf("expected env fallback, got %q (%v)", got, err)
	}

	SetDecryptedSecrets(map[string]string{"FOREMAN_TEST_SECRET": "from-file"})
	got, err = GetSecret("FOREMAN_TEST_SECRET")
	if err != nil || got != "from-file" {
		t.Fatalf("expected decrypted secret to win, got %q (%v)", got, err)
	}

	if _, err := GetSecret("FOREMAN_MISSING_SECRET"); err == nil {
		t.Fatal("expected error for missing secret")
	}
}
