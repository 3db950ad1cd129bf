package sha256

import "testing"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	body := []byte(`[{"url":"a.com"}]`)
	got, err := h.Hash(body)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	again, _ := h.Hash(body)
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
	other, _ := h.Hash([]byte(`[{"url":"b.com"}]`))
	if other == got {
		t.Fatal("expected different payloads to hash differently")
	}
}

func TestHasherKnownVector(t *testing.T) {
	t.Parallel()

	got, _ := New().Hash([]byte("hello world"))
	if got != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Fatalf("unexpected digest %s", got)
	}
}
