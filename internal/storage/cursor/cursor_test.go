package cursor

import (
	"encoding/base64"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	token, err := Encode(NewNextPageCursor(42))
	if err != nil {
		t.Fatalf("encode cursor: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	decoded, err := Decode(token)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if decoded.Seq != 42 {
		t.Fatalf("expected seq 42, got %d", decoded.Seq)
	}
	if decoded.Dir != DirectionBackward {
		t.Fatalf("expected backward direction, got %q", decoded.Dir)
	}
}

func TestDecodeRejectsEmptyToken(t *testing.T) {
	if _, err := Decode(""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode("not base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}

	garbage := base64.URLEncoding.EncodeToString([]byte("not json"))
	if _, err := Decode(garbage); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestDecodeRejectsBadDirection(t *testing.T) {
	token := base64.URLEncoding.EncodeToString([]byte(`{"seq":10,"dir":"sideways"}`))
	if _, err := Decode(token); err == nil {
		t.Fatal("expected error for unknown direction")
	}
}

func TestDecodeRejectsNonPositiveSeq(t *testing.T) {
	token := base64.URLEncoding.EncodeToString([]byte(`{"seq":0,"dir":"bwd"}`))
	if _, err := Decode(token); err == nil {
		t.Fatal("expected error for zero sequence")
	}
}
