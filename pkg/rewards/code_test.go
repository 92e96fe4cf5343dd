package rewards

import (
	"errors"
	"strings"
	"testing"
)

func TestNewVoucherCodeShape(t *testing.T) {
	t.Parallel()
	seen := make(map[string]struct{})
	for draw := 0; draw < 200; draw++ {
		code := NewVoucherCode()
		if len(code) != VoucherCodeLength {
			t.Fatalf("expected %d characters, got %q", VoucherCodeLength, code)
		}
		for _, character := range code {
			if !strings.ContainsRune(voucherCodeAlphabet, character) {
				t.Fatalf("character %q outside the alphabet in %q", character, code)
			}
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("expected varied codes, got %d distinct values", len(seen))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestNewVoucherCodePanicsWithoutEntropy(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic when the entropy source fails")
		}
	}()
	newVoucherCodeFrom(failingReader{})
}
