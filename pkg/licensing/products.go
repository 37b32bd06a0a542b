package licensing

// BillingPeriod describes how a product renews.
type BillingPeriod string

const (
	PeriodMonthly  BillingPeriod = "monthly"
	PeriodYearly   BillingPeriod = "yearly"
	PeriodLifetime BillingPeriod = "lifetime"
)

// Product identifiers as registered with the payment platform.
const (
	ProductProMonthly  = "app.tiergate.pro.monthly"
	ProductProYearly   = "app.tiergate.pro.yearly"
	ProductProLifetime = "app.tiergate.pro.lifetime"
	ProductTeamMonthly = "app.tiergate.team.monthly"
	ProductTeamYearly  = "app.tiergate.team.yearly"
)

// ProductInfo maps a platform product to the tier it grants.
type ProductInfo struct {
	ID     string        `json:"id"`
	Tier   Tier          `json:"tier"`
	Period BillingPeriod `json:"period"`
}

// IsLifetime reports whether the product is a one-time purchase.
func (p ProductInfo) IsLifetime() bool {
	return p.Period == PeriodLifetime
}

var defaultProducts = map[string]ProductInfo{
	ProductProMonthly:  {ID: ProductProMonthly, Tier: TierPro, Period: PeriodMonthly},
	ProductProYearly:   {ID: ProductProYearly, Tier: TierPro, Period: PeriodYearly},
	ProductProLifetime: {ID: ProductProLifetime, Tier: TierPro, Period: PeriodLifetime},
	ProductTeamMonthly: {ID: ProductTeamMonthly, Tier: TierTeam, Period: PeriodMonthly},
	ProductTeamYearly:  {ID: ProductTeamYearly, Tier: TierTeam, Period: PeriodYearly},
}
