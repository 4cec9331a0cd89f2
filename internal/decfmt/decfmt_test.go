package decfmt

import (
	"errors"
	"strings"
	"testing"

	"marketreplay/pkg/types"
)

func TestParseExactRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []string{
		"0",
		"1",
		"-1",
		"0.000000000000000001",
		"-0.000000000000000001",
		"65432.123456789012345678",
		"99999999999999999999.999999999999999999",
		"-99999999999999999999.999999999999999999",
	}
	for _, s := range cases {
		d, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		enc, err := EncodeDecimal128(d)
		if err != nil {
			t.Fatalf("EncodeDecimal128(%q): %v", s, err)
		}
		got := DecodeDecimal128(enc)
		if !got.Equal(d) {
			t.Errorf("round trip %q: got %s", s, got.String())
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "abc", "1.2.3", "--5"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		} else if !types.IsMalformed(err) {
			t.Errorf("Parse(%q): expected malformed-input error, got %v", s, err)
		}
	}
}

func TestEncodeOverflow(t *testing.T) {
	t.Parallel()

	// 21 integer digits: scaled integer has 39 digits, one too many.
	big := MustParse("100000000000000000000.0")
	if _, err := EncodeDecimal128(big); !errors.Is(err, types.ErrDecimalOverflow) {
		t.Fatalf("expected ErrDecimalOverflow, got %v", err)
	}

	// 19 fractional digits with a non-zero tail: scale loss.
	deep := MustParse("0.0000000000000000001")
	if _, err := EncodeDecimal128(deep); !errors.Is(err, types.ErrDecimalOverflow) {
		t.Fatalf("expected ErrDecimalOverflow for scale loss, got %v", err)
	}
}

func TestTrailingFractionalZerosAccepted(t *testing.T) {
	t.Parallel()

	// 20 fractional digits, but the extra ones are zero — representable.
	d := MustParse("1.00000000000000000000")
	enc, err := EncodeDecimal128(d)
	if err != nil {
		t.Fatalf("EncodeDecimal128: %v", err)
	}
	if got := DecodeDecimal128(enc); !got.Equal(MustParse("1")) {
		t.Errorf("got %s, want 1", got.String())
	}
}

func TestCheckRange(t *testing.T) {
	t.Parallel()

	if err := CheckRange(MustParse("123.456")); err != nil {
		t.Fatalf("CheckRange(123.456): %v", err)
	}
	if err := CheckRange(MustParse("1e40")); err == nil {
		t.Fatal("CheckRange(1e40): expected overflow")
	}
}

func TestNegativeEncoding(t *testing.T) {
	t.Parallel()

	enc, err := EncodeDecimal128(MustParse("-2.5"))
	if err != nil {
		t.Fatalf("EncodeDecimal128: %v", err)
	}
	// Sign bit must be set on a negative value.
	if enc[0]&0x80 == 0 {
		t.Fatal("sign bit not set for negative value")
	}
	if got := DecodeDecimal128(enc); got.String() != "-2.5" {
		t.Errorf("got %s, want -2.5", got.String())
	}
}

func TestMustParsePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("MustParse did not panic on garbage")
		}
	}()
	MustParse("not-a-number")
}

func TestParseScientificNotation(t *testing.T) {
	t.Parallel()

	d, err := Parse("1.5e3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.EqualFold(d.String(), "1500") {
		t.Errorf("got %s, want 1500", d.String())
	}
}
