package amount

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		places int
	}{
		{"1", "1", 0},
		{"+3.25", "3.25", 2},
		{"0001.5000", "1.5", 1},
		{"0.00000001", "0.00000001", 8},
		{" 42. ", "42", 0},
		{"0.000", "0", 0},
		{".5", "0.5", 1},
	}
	for _, tc := range cases {
		d, err := ParseDecimal(tc.in)
		if err != nil {
			t.Fatalf("ParseDecimal(%q): %v", tc.in, err)
		}
		if got := d.String(); got != tc.want {
			t.Fatalf("ParseDecimal(%q) = %s, want %s", tc.in, got, tc.want)
		}
		if d.Places() != tc.places {
			t.Fatalf("ParseDecimal(%q) places = %d, want %d", tc.in, d.Places(), tc.places)
		}
	}
}

func TestParseDecimalRejects(t *testing.T) {
	cases := map[string]error{
		"":          ErrInvalid,
		".":         ErrInvalid,
		"-1":        ErrNegative,
		"1e5":       ErrInvalid,
		"NaN":       ErrInvalid,
		"1.2.3":     ErrInvalid,
		"12abc":     ErrInvalid,
		"Infinity":  ErrInvalid,
		strings.Repeat("9", MaxDigits+1): ErrTooLarge,
	}
	for in, want := range cases {
		if _, err := ParseDecimal(in); !errors.Is(err, want) {
			t.Fatalf("ParseDecimal(%q) error = %v, want %v", in, err, want)
		}
	}
}

func TestToUnitsRejectsExcessPrecision(t *testing.T) {
	d := MustParseDecimal("1.234")
	if _, err := d.ToUnits(2); !errors.Is(err, ErrPrecision) {
		t.Fatalf("expected ErrPrecision, got %v", err)
	}
	u, err := d.ToUnits(8)
	if err != nil {
		t.Fatalf("ToUnits: %v", err)
	}
	if u.String() != "123400000" {
		t.Fatalf("unexpected units %s", u)
	}
}

func TestDecimalUnitsRoundTrip(t *testing.T) {
	values := []string{
		"0",
		"1",
		"0.1",
		"123456789012345678.12345678",
		"999999999999999999999999999999",
		"0.000000000000000001",
		"18446744073709551616.5",
	}
	for _, decimals := range []uint8{0, 2, 8, 18, 30} {
		for _, raw := range values {
			d := MustParseDecimal(raw)
			if d.Places() > int(decimals) {
				continue
			}
			u, err := d.ToUnits(decimals)
			if err != nil {
				t.Fatalf("ToUnits(%s, %d): %v", raw, decimals, err)
			}
			back := FromUnits(u, decimals)
			if back.Cmp(d) != 0 || back.String() != d.String() {
				t.Fatalf("round trip %s with %d decimals produced %s", raw, decimals, back)
			}
			again, err := back.ToUnits(decimals)
			if err != nil || again.Cmp(u) != 0 {
				t.Fatalf("units round trip %s: %s vs %s (%v)", raw, again, u, err)
			}
		}
	}
}

func TestDecimalCmp(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1", "1.0", 0},
		{"1.5", "1.25", 1},
		{"10", "9.99", 1},
		{"0.01", "0.1", -1},
		{"100000000000000000000000000000000000000000000000000000000000000000000000000", "0.5", 1},
	}
	for _, tc := range cases {
		if got := MustParseDecimal(tc.a).Cmp(MustParseDecimal(tc.b)); got != tc.want {
			t.Fatalf("Cmp(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestUnitsArithmeticAndJSON(t *testing.T) {
	sum, overflow := NewUnits(40).Add(NewUnits(2))
	if overflow || sum.String() != "42" {
		t.Fatalf("unexpected sum %s overflow=%v", sum, overflow)
	}
	if got := NewUnits(1).Sub(NewUnits(5)); !got.IsZero() {
		t.Fatalf("expected floored subtraction, got %s", got)
	}
	max, err := ParseUnits(strings.Repeat("9", 70))
	if err != nil {
		t.Fatalf("ParseUnits: %v", err)
	}
	raw, err := json.Marshal(struct {
		Balance Units `json:"balance"`
	}{Balance: max})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Balance Units `json:"balance"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Balance.Cmp(max) != 0 {
		t.Fatalf("balance changed across json: %s", decoded.Balance)
	}
}
