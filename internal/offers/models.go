package offers

import "github.com/shopspring/decimal"

// Offer is one seller's priced, quantified listing of a product as returned by
// the marketplace backend. Offers are read-only within a scoring pass.
type Offer struct {
	ID             int64           `json:"id"`
	ProductID      int64           `json:"productId"`
	ProductTitle   string          `json:"productTitle,omitempty"`
	ProductBrand   string          `json:"productBrand,omitempty"`
	Images         []string        `json:"images,omitempty"`
	SellerID       int64           `json:"sellerId,omitempty"`
	SellerShopName string          `json:"sellerShopName"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int             `json:"quantity"`
	ConditionNote  string          `json:"conditionNote"`
	Active         bool            `json:"active"`
}

// Score is the derived, ephemeral ranking record for one offer.
type Score struct {
	Offer          Offer          `json:"listing"`
	Condition      ConditionLevel `json:"condition"`
	ConditionScore float64        `json:"conditionScore"`
	PriceScore     float64        `json:"priceScore"`
	StockScore     float64        `json:"stockScore"`
	Composite      float64        `json:"score"`
	Recommended    bool           `json:"isRecommended"`
}
