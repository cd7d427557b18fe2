package settle

import (
	"errors"
	"testing"
)

func TestRemaining(t *testing.T) {
	cases := []struct {
		name          string
		locked, total int64
		remaining     int64
		overpaid      int64
	}{
		{"partial", 9, 5, 4, 0},
		{"nothing paid", 9, 0, 9, 0},
		{"exact", 9, 9, 0, 0},
		{"overpaid", 9, 12, 0, 3},
		{"zero lock", 0, 0, 0, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := Remaining(c.locked, c.total)
			if b.Remaining != c.remaining || b.Overpaid != c.overpaid {
				t.Fatalf("Remaining(%d, %d) = {%d %d}, want {%d %d}",
					c.locked, c.total, b.Remaining, b.Overpaid, c.remaining, c.overpaid)
			}
		})
	}
}

func TestRemaining_AtMostOneNonZero(t *testing.T) {
	for locked := int64(0); locked <= 20; locked++ {
		for total := int64(0); total <= 20; total++ {
			b := Remaining(locked, total)
			if b.Remaining != 0 && b.Overpaid != 0 {
				t.Fatalf("Remaining(%d, %d) = {%d %d}: both sides non-zero",
					locked, total, b.Remaining, b.Overpaid)
			}
			if b.Remaining-b.Overpaid != locked-total {
				t.Fatalf("Remaining(%d, %d) does not preserve the difference", locked, total)
			}
		}
	}
}

func TestValidatePayment(t *testing.T) {
	cases := []struct {
		name    string
		paid    int64
		pnl     int64
		wantErr bool
	}{
		{"ok partial loss", 5, -90, false},
		{"ok full loss", 90, -90, false},
		{"ok partial profit", 5, 50, false},
		{"zero amount", 0, -90, true},
		{"negative amount", -5, -90, true},
		{"flat account", 10, 0, true},
		{"exceeds loss", 91, -90, true},
		{"exceeds profit", 51, 50, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidatePayment(c.paid, c.pnl)
			if c.wantErr {
				if !errors.Is(err, ErrInvalidPayment) {
					t.Fatalf("ValidatePayment(%d, %d) = %v, want ErrInvalidPayment", c.paid, c.pnl, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidatePayment(%d, %d) = %v, want nil", c.paid, c.pnl, err)
			}
		})
	}
}

func TestMaskedCapital(t *testing.T) {
	cases := []struct {
		name                    string
		paid, lockedPnL, locked int64
		want                    int64
	}{
		// 10% of a 90 loss locks a share of 9; each share unit masks 10
		// units of capital.
		{"partial loss payment", 5, -90, 9, 50},
		{"single unit", 1, -90, 9, 10},
		{"full payment flattens", 9, -90, 9, 90},
		{"profit side", 5, 50, 10, 25},
		{"floors the quotient", 2, -95, 9, 21}, // 190/9 = 21.11…
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := MaskedCapital(c.paid, c.lockedPnL, c.locked)
			if err != nil {
				t.Fatalf("MaskedCapital(%d, %d, %d) error: %v", c.paid, c.lockedPnL, c.locked, err)
			}
			if got != c.want {
				t.Fatalf("MaskedCapital(%d, %d, %d) = %d, want %d", c.paid, c.lockedPnL, c.locked, got, c.want)
			}
		})
	}
}

func TestMaskedCapital_FullPaymentMovesFullPnL(t *testing.T) {
	// Paying the entire locked share must mask exactly |lockedPnL|,
	// regardless of how the floor treated intermediate amounts.
	for _, pnlVal := range []int64{-90, -95, -1, 123456, 7} {
		for _, share := range []int64{1, 3, 9, 17} {
			got, err := MaskedCapital(share, pnlVal, share)
			if err != nil {
				t.Fatalf("MaskedCapital(%d, %d, %d) error: %v", share, pnlVal, share, err)
			}
			want := pnlVal
			if want < 0 {
				want = -want
			}
			if got != want {
				t.Fatalf("MaskedCapital(%d, %d, %d) = %d, want %d", share, pnlVal, share, got, want)
			}
		}
	}
}

func TestMaskedCapital_UnlockedCycle(t *testing.T) {
	for _, share := range []int64{0, -1} {
		if _, err := MaskedCapital(5, -90, share); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("MaskedCapital with locked share %d = %v, want ErrInvalidState", share, err)
		}
	}
}

func TestMaskedCapital_LargeValuesNoOverflow(t *testing.T) {
	// paid × |lockedPnL| exceeds int64 range; the quotient does not.
	paid := int64(4_000_000_000)
	lockedPnL := int64(-3_000_000_000)
	lockedShare := int64(300_000_000)
	got, err := MaskedCapital(paid, lockedPnL, lockedShare)
	if err != nil {
		t.Fatalf("MaskedCapital error: %v", err)
	}
	if want := int64(40_000_000_000); got != want {
		t.Fatalf("MaskedCapital = %d, want %d", got, want)
	}
}
