package math_test

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	fpmath "SimpleBet/internal/math"
)

const maxU128 = "340282366920938463463374607431768211455"

func TestAmountAdd_Overflow(t *testing.T) {
	max := fpmath.MustParseAmount(maxU128)

	if _, err := max.Add(fpmath.NewAmount(1)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}

	sum, err := max.Add(fpmath.ZeroAmount)
	if err != nil {
		t.Fatalf("max + 0: %v", err)
	}
	if !sum.Equal(max) {
		t.Errorf("got %s, want %s", sum, max)
	}
}

func TestAmountAdd_CarriesAcross64Bits(t *testing.T) {
	a := fpmath.MustParseAmount("18446744073709551615") // 2^64 - 1
	sum, err := a.Add(fpmath.NewAmount(1))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum.String() != "18446744073709551616" {
		t.Errorf("got %s", sum)
	}
	if sum.Big().IsUint64() {
		t.Error("2^64 should not fit in uint64")
	}
}

func TestAmountSub_Underflow(t *testing.T) {
	if _, err := fpmath.NewAmount(1).Sub(fpmath.NewAmount(2)); !errors.Is(err, fpmath.ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}

	diff, err := fpmath.NewAmount(2_000_000).Sub(fpmath.NewAmount(100_000))
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if !diff.Equal(fpmath.NewAmount(1_900_000)) {
		t.Errorf("got %s, want 1900000", diff)
	}
}

func TestAmountDouble_Overflow(t *testing.T) {
	half := new(big.Int).Lsh(big.NewInt(1), 127)
	a, err := fpmath.AmountFromBig(half)
	if err != nil {
		t.Fatalf("AmountFromBig: %v", err)
	}
	if _, err := a.Double(); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow doubling 2^127, got %v", err)
	}
}

func TestAmountFromBig_Rejects(t *testing.T) {
	if _, err := fpmath.AmountFromBig(big.NewInt(-1)); !errors.Is(err, fpmath.ErrUnderflow) {
		t.Errorf("negative: got %v", err)
	}
	if _, err := fpmath.AmountFromBig(new(big.Int).Lsh(big.NewInt(1), 128)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("2^128: got %v", err)
	}
}

func TestParseAmount_Invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "1.5", "-3"} {
		if _, err := fpmath.ParseAmount(s); err == nil {
			t.Errorf("ParseAmount(%q) should fail", s)
		}
	}
}

func TestMinAmount(t *testing.T) {
	a, b := fpmath.NewAmount(3), fpmath.NewAmount(5)
	if !fpmath.MinAmount(a, b).Equal(a) || !fpmath.MinAmount(b, a).Equal(a) {
		t.Error("MinAmount should return 3")
	}
}

func TestAmountJSON(t *testing.T) {
	big128 := fpmath.MustParseAmount(maxU128)
	data, err := json.Marshal(big128)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"`+maxU128+`"` {
		t.Errorf("got %s", data)
	}

	var quoted, bare fpmath.Amount
	if err := json.Unmarshal([]byte(`"1000000"`), &quoted); err != nil {
		t.Fatalf("quoted: %v", err)
	}
	if err := json.Unmarshal([]byte(maxU128), &bare); err != nil {
		t.Fatalf("bare: %v", err)
	}
	if !quoted.Equal(fpmath.NewAmount(1_000_000)) {
		t.Errorf("quoted: got %s", quoted)
	}
	if !bare.Equal(big128) {
		t.Errorf("bare: got %s", bare)
	}

	var bad fpmath.Amount
	if err := json.Unmarshal([]byte(`null`), &bad); err == nil {
		t.Error("null should be rejected")
	}
}
