package crypto

import (
	"strings"
	"testing"
)

func TestAddressFromPublicKeyHex(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr, err := AddressFromPublicKeyHex(PublicKeyHex(key))
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	if got, want := addr.String(), key.PubKey().Address().String(); got != want {
		t.Fatalf("expected address %s, got %s", want, got)
	}
	if !strings.HasPrefix(addr.String(), string(HLCPrefix)) {
		t.Fatalf("expected %s prefix, got %s", HLCPrefix, addr)
	}

	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if string(decoded.Bytes()) != string(addr.Bytes()) {
		t.Fatal("decoded address bytes differ from original")
	}
}

func TestAddressFromPublicKeyHexRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "0x", "0xzz", "0x02deadbeef"} {
		if _, err := AddressFromPublicKeyHex(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
