package pricing

import "testing"

func TestCalculateDiscount(t *testing.T) {
	cases := []struct {
		tier      string
		basePrice float64
		wantFinal float64
		wantPct   int
	}{
		{"", 200, 200, 0},
		{TierFree, 200, 200, 0},
		{TierBasic, 200, 140, 30},
		{TierBasicFamily, 200, 140, 30},
		{TierPremium, 200, 100, 50},
		{TierPremiumFamily, 200, 100, 50},
		{TierUltra, 200, 60, 70},
		{TierUltraFamily, 200, 60, 70},
		{"enterprise", 200, 200, 0},
	}

	for _, c := range cases {
		got := CalculateDiscount(c.basePrice, c.tier)
		if got.DiscountPercentage != c.wantPct {
			t.Errorf("tier %q: expected %d%% discount, got %d%%", c.tier, c.wantPct, got.DiscountPercentage)
		}
		if got.FinalPrice != c.wantFinal {
			t.Errorf("tier %q: expected final price %.2f, got %.2f", c.tier, c.wantFinal, got.FinalPrice)
		}
	}
}

func TestShouldChargeForEmergencyConsultation(t *testing.T) {
	cases := []struct {
		tier string
		left int
		want bool
	}{
		{TierPremium, 0, false},
		{TierPremiumFamily, 0, false},
		{TierUltra, 0, false},
		{TierUltraFamily, 0, false},
		{TierBasic, 2, false},
		{TierBasicFamily, 1, false},
		{TierBasic, 0, true},
		{TierBasicFamily, 0, true},
		{TierFree, 5, true},
		{"", 0, true},
	}

	for _, c := range cases {
		if got := ShouldChargeForEmergencyConsultation(c.tier, c.left); got != c.want {
			t.Errorf("tier %q with %d left: expected charge=%v, got %v", c.tier, c.left, c.want, got)
		}
	}
}
