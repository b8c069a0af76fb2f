package offers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Composite weights: condition dominates, price second, stock breaks ties.
const (
	conditionWeight = 0.5
	priceWeight     = 0.35
	stockWeight     = 0.15

	// deepStock is the quantity past which extra units add nothing.
	deepStock = 10
)

// PriceSubScore inversely normalizes price across the set: the cheapest offer
// scores 100, the most expensive 0. A set with a single price scores 100 for
// everyone and an empty set yields the neutral 50.
func PriceSubScore(offer Offer, all []Offer) float64 {
	if len(all) == 0 {
		return 50
	}
	lo, hi := all[0].Price, all[0].Price
	for _, o := range all[1:] {
		if o.Price.LessThan(lo) {
			lo = o.Price
		}
		if o.Price.GreaterThan(hi) {
			hi = o.Price
		}
	}
	if lo.Equal(hi) {
		return 100
	}
	ratio := offer.Price.Sub(lo).Div(hi.Sub(lo)).InexactFloat64()
	return 100 - ratio*100
}

// StockSubScore ramps linearly from 0 (out of stock) to 100 at deepStock units.
func StockSubScore(quantity int) float64 {
	if quantity <= 0 {
		return 0
	}
	if quantity >= deepStock {
		return 100
	}
	return float64(quantity * 10)
}

// ScoreOffer computes every sub-score of offer against the full set.
func ScoreOffer(offer Offer, all []Offer) Score {
	level := ClassifyCondition(offer.ConditionNote)
	s := Score{
		Offer:          offer,
		Condition:      level,
		ConditionScore: ConditionSubScore(level),
		PriceScore:     PriceSubScore(offer, all),
		StockScore:     StockSubScore(offer.Quantity),
	}
	s.Composite = conditionWeight*s.ConditionScore + priceWeight*s.PriceScore + stockWeight*s.StockScore
	return s
}

// Rank scores every offer, orders them by composite score (ties keep their
// input order) and flags the first one as recommended. An empty input gives an
// empty, non-nil result.
func Rank(offers []Offer) []Score {
	scored := make([]Score, 0, len(offers))
	for _, o := range offers {
		scored = append(scored, ScoreOffer(o, offers))
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Composite > scored[j].Composite
	})
	if len(scored) > 0 {
		scored[0].Recommended = true
	}
	return scored
}

// Recommended returns the offer Rank would flag, if any.
func Recommended(offers []Offer) (Offer, bool) {
	ranked := Rank(offers)
	if len(ranked) == 0 {
		return Offer{}, false
	}
	return ranked[0].Offer, true
}

// SetKey identifies an offer set by the fields that influence its ranking, in
// input order, so equal keys always rank identically.
func SetKey(offers []Offer) string {
	var b strings.Builder
	for _, o := range offers {
		fmt.Fprintf(&b, "%d|%s|%d|%s\n", o.ID, o.Price.String(), o.Quantity, o.ConditionNote)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
