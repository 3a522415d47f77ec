package pricing

// Subscription plan tiers offered by the platform. Family variants share the
// same pricing rules as their base tier.
const (
	TierFree          = "free"
	TierBasic         = "basic"
	TierBasicFamily   = "basic_family"
	TierPremium       = "premium"
	TierPremiumFamily = "premium_family"
	TierUltra         = "ultra"
	TierUltraFamily   = "ultra_family"
)

// Discount is the price adjustment derived from a subscription tier.
type Discount struct {
	FinalPrice         float64 `json:"final_price"`
	DiscountPercentage int     `json:"discount_percentage"`
}

// CalculateDiscount applies the tier's consultation discount to a base price.
// Unknown or empty tiers get no discount (same treatment as the free plan).
func CalculateDiscount(basePrice float64, tier string) Discount {
	pct := DiscountPercentage(tier)
	return Discount{
		FinalPrice:         basePrice * (1 - float64(pct)/100),
		DiscountPercentage: pct,
	}
}

func DiscountPercentage(tier string) int {
	switch tier {
	case TierBasic, TierBasicFamily:
		return 30
	case TierPremium, TierPremiumFamily:
		return 50
	case TierUltra, TierUltraFamily:
		return 70
	default:
		return 0
	}
}

// ShouldChargeForEmergencyConsultation decides whether an emergency consultation
// is billed. Premium and ultra plans include unlimited emergency consultations;
// basic plans include a monthly allowance and are billed once it runs out.
// Everyone else pays.
func ShouldChargeForEmergencyConsultation(tier string, consultationsLeft int) bool {
	switch tier {
	case TierPremium, TierPremiumFamily, TierUltra, TierUltraFamily:
		return false
	case TierBasic, TierBasicFamily:
		return consultationsLeft <= 0
	default:
		return true
	}
}
