package model

import (
	"encoding/json"
	"testing"
)

func TestSubstrateFromHex_RoundTrip(t *testing.T) {
	sub, err := SubstrateFromHex("0x00000000000000000000000000000000000000000000000000000000000000a1")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	back, err := SubstrateFromHex(sub.String())
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if back != sub {
		t.Errorf("round trip mismatch: %s != %s", back, sub)
	}
}

func TestSubstrateFromHex_LeftPadsShortValues(t *testing.T) {
	a, err := SubstrateFromHex("0xa1")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	b, err := SubstrateFromHex("0x00a1")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if a != b {
		t.Errorf("expected identical substrates, got %s and %s", a, b)
	}
}

func TestSubstrateFromHex_Invalid(t *testing.T) {
	cases := []string{
		"",
		"0x",
		"0xzz",
		"0x" + "00000000000000000000000000000000000000000000000000000000000000a1ff", // 33 bytes
	}
	for _, c := range cases {
		if _, err := SubstrateFromHex(c); err == nil {
			t.Errorf("expected error for %q", c)
		}
	}
}

func TestSubstrate_JSONMapKey(t *testing.T) {
	sub, _ := SubstrateFromHex("0x0b")
	in := map[Substrate]string{sub: "x"}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var out map[Substrate]string
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out[sub] != "x" {
		t.Errorf("map key did not survive JSON round trip: %v", out)
	}
}
