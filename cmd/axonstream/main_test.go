package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/axonstream/axonstream/internal/config"
)

func TestVersion_NotEmpty(t *testing.T) {
	if Version == "" {
		t.Fatal("Version should not be empty")
	}
}

func TestBuildAdapterRegistry_DefaultsToAllBuiltins(t *testing.T) {
	cfg := config.Config{}
	registry := buildAdapterRegistry(cfg)
	names := registeredNames(registry.Names())

	for _, name := range []string{"mock", "shell", "container", "remotedeploy", "wasm"} {
		if !names[name] {
			t.Errorf("expected builtin adapter %q to be registered by default", name)
		}
	}
}

func TestBuildAdapterRegistry_HonorsAllowlist(t *testing.T) {
	cfg := config.Config{AllowedAdapters: []string{"mock"}}
	registry := buildAdapterRegistry(cfg)
	names := registeredNames(registry.Names())

	if !names["mock"] {
		t.Fatal("expected mock adapter to be registered")
	}
	for _, name := range []string{"shell", "container", "remotedeploy", "wasm"} {
		if names[name] {
			t.Errorf("adapter %q should not be registered when allowlist excludes it", name)
		}
	}
}

func registeredNames(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func TestDecodeEd25519Seed_RoundTrips(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	hexSeed := hex.EncodeToString(seed)

	pub, priv, err := decodeEd25519Seed(hexSeed)
	if err != nil {
		t.Fatalf("decodeEd25519Seed: %v", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		t.Fatalf("public key size = %d, want %d", len(pub), ed25519.PublicKeySize)
	}
	want := ed25519.NewKeyFromSeed(seed)
	if string(priv) != string(want) {
		t.Fatal("private key does not match expected key derived from the same seed")
	}
}

func TestDecodeEd25519Seed_RejectsWrongLength(t *testing.T) {
	if _, _, err := decodeEd25519Seed(hex.EncodeToString([]byte("too-short"))); err == nil {
		t.Fatal("expected an error for a seed of the wrong length")
	}
}

func TestDecodeEd25519Seed_RejectsInvalidHex(t *testing.T) {
	if _, _, err := decodeEd25519Seed("not-hex!!"); err == nil {
		t.Fatal("expected an error for invalid hex input")
	}
}
