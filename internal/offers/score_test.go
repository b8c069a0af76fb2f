package offers

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offer(id int64, price string, qty int, note string) Offer {
	return Offer{
		ID:             id,
		ProductID:      1,
		SellerShopName: "shop",
		Price:          decimal.RequireFromString(price),
		Quantity:       qty,
		ConditionNote:  note,
		Active:         true,
	}
}

func TestClassifyCondition(t *testing.T) {
	tests := []struct {
		note string
		want ConditionLevel
	}{
		{"", ConditionUnknown},
		{"neuf", ConditionNew},
		{"NEUF", ConditionNew},
		{"Neuf", ConditionNew},
		{"Produit scellé", ConditionNew},
		{"jamais utilisé", ConditionNew},
		{"bon état mais neuf dans sa boîte", ConditionNew},
		{"Excellent", ConditionExcellent},
		{"impeccable", ConditionExcellent},
		{"Très bon état", ConditionVeryGood},
		{"tres bon", ConditionVeryGood},
		{"bon état", ConditionGood},
		{"fonctionnel", ConditionGood},
		{"rayures sur la coque", ConditionFair},
		{"usure visible", ConditionFair},
		{"cassé", ConditionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.note, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyCondition(tt.note))
		})
	}
}

func TestConditionSubScoreIsMonotonic(t *testing.T) {
	levels := []ConditionLevel{ConditionNew, ConditionExcellent, ConditionVeryGood, ConditionGood, ConditionFair, ConditionUnknown}
	want := []float64{100, 85, 70, 55, 40, 30}
	for i, level := range levels {
		assert.Equal(t, want[i], ConditionSubScore(level), level)
	}
}

func TestConditionLabels(t *testing.T) {
	assert.Equal(t, "Neuf", ConditionNew.Label())
	assert.Equal(t, "Non spécifié", ConditionUnknown.Label())
	assert.Equal(t, "#10b981", ConditionNew.Color())
	assert.Equal(t, "#6b7280", ConditionLevel("other").Color())
}

func TestPriceSubScore(t *testing.T) {
	set := []Offer{offer(1, "100", 1, ""), offer(2, "150", 1, ""), offer(3, "200", 1, "")}

	assert.InDelta(t, 100, PriceSubScore(set[0], set), 1e-9)
	assert.InDelta(t, 50, PriceSubScore(set[1], set), 1e-9)
	assert.InDelta(t, 0, PriceSubScore(set[2], set), 1e-9)
}

func TestPriceSubScoreEqualPrices(t *testing.T) {
	set := []Offer{offer(1, "79.99", 1, ""), offer(2, "79.99", 4, ""), offer(3, "79.990", 0, "")}
	for _, o := range set {
		assert.Equal(t, 100.0, PriceSubScore(o, set))
	}
}

func TestPriceSubScoreEmptySet(t *testing.T) {
	assert.Equal(t, 50.0, PriceSubScore(offer(1, "10", 1, ""), nil))
}

func TestStockSubScore(t *testing.T) {
	assert.Equal(t, 0.0, StockSubScore(0))
	assert.Equal(t, 0.0, StockSubScore(-3))
	assert.Equal(t, 10.0, StockSubScore(1))
	assert.Equal(t, 50.0, StockSubScore(5))
	assert.Equal(t, 100.0, StockSubScore(10))
	assert.Equal(t, 100.0, StockSubScore(250))
}

func TestRankThreeOffers(t *testing.T) {
	set := []Offer{
		offer(1, "100", 0, "neuf"),
		offer(2, "150", 8, "bon état"),
		offer(3, "200", 15, "rayures"),
	}

	ranked := Rank(set)
	require.Len(t, ranked, 3)

	assert.Equal(t, int64(1), ranked[0].Offer.ID)
	assert.InDelta(t, 85, ranked[0].Composite, 1e-9)
	assert.Equal(t, 0.0, ranked[0].StockScore)
	assert.True(t, ranked[0].Recommended)

	assert.Equal(t, int64(2), ranked[1].Offer.ID)
	assert.Equal(t, ConditionGood, ranked[1].Condition)
	assert.InDelta(t, 0.5*55+0.35*50+0.15*80, ranked[1].Composite, 1e-9)
	assert.False(t, ranked[1].Recommended)

	assert.Equal(t, int64(3), ranked[2].Offer.ID)
	assert.InDelta(t, 0.5*40+0.35*0+0.15*100, ranked[2].Composite, 1e-9)
	assert.False(t, ranked[2].Recommended)
}

func TestRankEmpty(t *testing.T) {
	ranked := Rank(nil)
	assert.NotNil(t, ranked)
	assert.Empty(t, ranked)

	_, ok := Recommended(nil)
	assert.False(t, ok)
}

func TestRankKeepsInputOrderOnTies(t *testing.T) {
	set := []Offer{
		offer(7, "50", 3, "bon"),
		offer(3, "50", 3, "correct"),
		offer(5, "50", 3, "fonctionnel"),
	}

	ranked := Rank(set)
	require.Len(t, ranked, 3)
	assert.Equal(t, []int64{7, 3, 5}, []int64{ranked[0].Offer.ID, ranked[1].Offer.ID, ranked[2].Offer.ID})
	assert.True(t, ranked[0].Recommended)
}

func TestRankProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	notes := []string{"neuf", "excellent", "très bon", "bon", "rayure", "", "???"}

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(12)
		set := make([]Offer, 0, n)
		for i := 0; i < n; i++ {
			price := decimal.NewFromInt(int64(10 + rng.Intn(500)))
			set = append(set, Offer{
				ID:            int64(i + 1),
				Price:         price,
				Quantity:      rng.Intn(20),
				ConditionNote: notes[rng.Intn(len(notes))],
			})
		}

		ranked := Rank(set)
		require.Len(t, ranked, n)

		recommended := 0
		ids := make([]int, 0, n)
		for i, s := range ranked {
			if s.Recommended {
				recommended++
				assert.Equal(t, 0, i, "only the first element may be recommended")
			}
			if i > 0 {
				assert.LessOrEqual(t, s.Composite, ranked[i-1].Composite)
			}
			for _, sub := range []float64{s.ConditionScore, s.PriceScore, s.StockScore} {
				assert.GreaterOrEqual(t, sub, 0.0)
				assert.LessOrEqual(t, sub, 100.0)
			}
			ids = append(ids, int(s.Offer.ID))
		}
		assert.Equal(t, 1, recommended)

		sort.Ints(ids)
		for i, id := range ids {
			assert.Equal(t, i+1, id, "ranking must be a permutation of the input")
		}
	}
}

func TestRecommended(t *testing.T) {
	set := []Offer{offer(1, "300", 2, "rayures"), offer(2, "280", 12, "comme neuf")}

	best, ok := Recommended(set)
	require.True(t, ok)
	assert.Equal(t, int64(2), best.ID)
}

func TestSetKey(t *testing.T) {
	a := []Offer{offer(1, "10", 1, "neuf"), offer(2, "20", 2, "bon")}
	b := []Offer{offer(1, "10", 1, "neuf"), offer(2, "20", 2, "bon")}
	c := []Offer{offer(1, "10", 0, "neuf"), offer(2, "20", 2, "bon")}

	assert.Equal(t, SetKey(a), SetKey(b))
	assert.NotEqual(t, SetKey(a), SetKey(c))
}
