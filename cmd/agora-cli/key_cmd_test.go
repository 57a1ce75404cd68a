package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func stubPassphrase(t *testing.T, pass string) {
	t.Helper()
	original := keystorePassphrase
	keystorePassphrase = func() (string, error) { return pass, nil }
	t.Cleanup(func() { keystorePassphrase = original })
}

func TestKeyNewAndAddressRoundTrip(t *testing.T) {
	stubPassphrase(t, "correct horse battery staple")
	path := filepath.Join(t.TempDir(), "wallet.keystore")

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	if exitCode := runKeyCommand([]string{"new", "--out", path}, stdout, stderr); exitCode != 0 {
		t.Fatalf("key new failed: %s", stderr.String())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("keystore not written: %v", err)
	}

	var address string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if strings.HasPrefix(line, "Your address is: ") {
			address = strings.TrimPrefix(line, "Your address is: ")
		}
	}
	if !strings.HasPrefix(address, "ago1") {
		t.Fatalf("expected bech32 address with ago prefix, got %q", address)
	}

	stdout.Reset()
	stderr.Reset()
	if exitCode := runKeyCommand([]string{"address", "--file", path}, stdout, stderr); exitCode != 0 {
		t.Fatalf("key address failed: %s", stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != address {
		t.Fatalf("address mismatch: new printed %q, address printed %q", address, strings.TrimSpace(stdout.String()))
	}
}

func TestKeyNewRefusesOverwrite(t *testing.T) {
	stubPassphrase(t, "pass")
	path := filepath.Join(t.TempDir(), "wallet.keystore")
	if err := os.WriteFile(path, []byte("existing"), 0o600); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	if exitCode := runKeyCommand([]string{"new", "--out", path}, stdout, stderr); exitCode != 1 {
		t.Fatalf("expected refusal, got exit 0")
	}
	if !strings.Contains(stderr.String(), "refusing to overwrite") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestKeyAddressRejectsWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.keystore")

	stubPassphrase(t, "first-pass")
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	if exitCode := runKeyCommand([]string{"new", "--out", path}, stdout, stderr); exitCode != 0 {
		t.Fatalf("key new failed: %s", stderr.String())
	}

	stubPassphrase(t, "second-pass")
	stdout.Reset()
	stderr.Reset()
	if exitCode := runKeyCommand([]string{"address", "--file", path}, stdout, stderr); exitCode != 1 {
		t.Fatalf("expected failure with wrong passphrase")
	}
	if !strings.Contains(stderr.String(), "failed to load keystore") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}
