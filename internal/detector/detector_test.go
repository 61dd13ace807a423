package detector

import (
	"testing"

	"kleinsniper/internal/offer"
	"kleinsniper/internal/stats"
)

func testModel(delta float64) offer.Model {
	return offer.Model{
		Query:              "steam deck",
		CategoryID:         "k0c279",
		DeviationThreshold: 0.2,
		MinPriceDelta:      delta,
		MinPrice:           1,
		MaxPrice:           5000,
		MatchKeywords:      []string{"steam", "deck"},
	}
}

func offerAt(price int64, m offer.Model) offer.Offer {
	return offer.Offer{Candidate: offer.Candidate{ID: "a1", Title: "Steam Deck OLED", Price: price}, Model: m}
}

func TestEvaluateThresholdBoundaries(t *testing.T) {
	base := stats.Snapshot{N: 10, Mean: 1000}

	cases := []struct {
		name     string
		price    int64
		delta    float64
		fires    bool
		relative bool
		absolute bool
	}{
		{"relative boundary inclusive", 800, 100, true, true, true},
		{"absolute only", 899, 100, true, false, true},
		{"just above relative boundary", 801, 100, true, false, true},
		{"neither with wide absolute delta", 801, 250, false, false, false},
		{"absolute boundary inclusive", 900, 100, true, false, true},
		{"above mean", 1100, 100, false, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := Evaluate(offerAt(tc.price, testModel(tc.delta)), base, Options{})
			if ok != tc.fires {
				t.Fatalf("触发 = %v, 期望 %v", ok, tc.fires)
			}
			if !ok {
				return
			}
			if ev.Fired(TriggerRelative) != tc.relative {
				t.Errorf("relative = %v, 期望 %v", ev.Fired(TriggerRelative), tc.relative)
			}
			if ev.Fired(TriggerAbsolute) != tc.absolute {
				t.Errorf("absolute = %v, 期望 %v", ev.Fired(TriggerAbsolute), tc.absolute)
			}
			if ev.Delta != 1000-float64(tc.price) {
				t.Errorf("delta 不正确: %v", ev.Delta)
			}
		})
	}
}

func TestEvaluateSuppressedBelowMinSamples(t *testing.T) {
	m := testModel(100)
	if _, ok := Evaluate(offerAt(100, m), stats.Snapshot{N: 1, Mean: 1000}, Options{}); ok {
		t.Fatal("单样本基线不应触发")
	}
	if _, ok := Evaluate(offerAt(100, m), stats.Snapshot{N: 3, Mean: 1000}, Options{MinSamples: 5}); ok {
		t.Fatal("最少 5 个样本时 n=3 不应触发")
	}
	if _, ok := Evaluate(offerAt(100, m), stats.Snapshot{N: 2, Mean: 1000}, Options{MinSamples: 1}); !ok {
		t.Fatal("最少样本数下限为 2, n=2 应触发")
	}
}

func TestEvaluateCarriesEventFields(t *testing.T) {
	r := stats.NewRunning(stats.Snapshot{Model: "x"})
	for _, p := range []int64{700, 720, 710, 690} {
		r.Add(p, r.Snapshot().UpdatedAt)
	}
	m := testModel(1000)
	m.MinPrice, m.MaxPrice = 240, 800
	o := offerAt(560, m)
	o.URL = "https://example.invalid/s-anzeige/a1"

	ev, ok := Evaluate(o, r.Snapshot(), Options{})
	if !ok {
		t.Fatal("均值 705 时 560 应触发 relative")
	}
	if ev.TriggerList() != "relative" {
		t.Fatalf("triggers 不正确: %q", ev.TriggerList())
	}
	if ev.Model != m.Identity() || ev.OfferID != "a1" || ev.URL != o.URL || ev.Samples != 4 {
		t.Fatalf("事件内容不正确: %+v", ev)
	}
	if ev.StdDev <= 0 {
		t.Fatalf("标准差应为正, 实际 %v", ev.StdDev)
	}
}
