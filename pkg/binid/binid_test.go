package binid

import "testing"

func TestHashIsCachedAndStable(t *testing.T) {
	s := New()
	h1, err := s.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := s.Hash()
	if err != nil {
		t.Fatalf("Hash (second call): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash changed between calls: %x vs %x", h1, h2)
	}
}

func TestVerifyMatch(t *testing.T) {
	var h [16]byte
	h[0] = 1
	if err := Verify(h, h, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	var a, b [16]byte
	a[0] = 1
	b[0] = 2
	if err := Verify(a, b, false); err == nil {
		t.Fatal("expected BinaryMismatch error")
	}
}

func TestVerifySkipped(t *testing.T) {
	var a, b [16]byte
	a[0] = 1
	b[0] = 2
	if err := Verify(a, b, true); err != nil {
		t.Fatalf("expected no error when skip=true, got %v", err)
	}
}
