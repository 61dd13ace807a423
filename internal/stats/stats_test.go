package stats

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func closedForm(prices []int64) (mean, std float64) {
	if len(prices) == 0 {
		return 0, 0
	}
	var sum float64
	for _, p := range prices {
		sum += float64(p)
	}
	mean = sum / float64(len(prices))
	if len(prices) < 2 {
		return mean, 0
	}
	var sq float64
	for _, p := range prices {
		d := float64(p) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(prices)))
}

func TestRunningMatchesClosedForm(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(200)
		prices := make([]int64, 0, n)
		r := NewRunning(Snapshot{Model: "m"})
		for i := 0; i < n; i++ {
			p := int64(100 + rng.Intn(5000))
			prices = append(prices, p)
			snap := r.Add(p, time.Now())

			wantMean, wantStd := closedForm(prices)
			if math.Abs(snap.Mean-wantMean) > 1e-6 {
				t.Fatalf("第 %d 轮第 %d 步: 均值 %v, 期望 %v", trial, i, snap.Mean, wantMean)
			}
			if math.Abs(snap.StdDev()-wantStd) > 1e-6 {
				t.Fatalf("第 %d 轮第 %d 步: 标准差 %v, 期望 %v", trial, i, snap.StdDev(), wantStd)
			}
			if snap.N != int64(len(prices)) {
				t.Fatalf("n = %d, 期望 %d", snap.N, len(prices))
			}
		}
	}
}

func TestRunningTracksMinMax(t *testing.T) {
	r := NewRunning(Snapshot{Model: "m"})
	for _, p := range []int64{700, 720, 690, 710} {
		r.Add(p, time.Now())
	}
	s := r.Snapshot()
	if s.Min != 690 || s.Max != 720 {
		t.Fatalf("min/max = %d/%d, 期望 690/720", s.Min, s.Max)
	}
}

func TestSingleSampleHasZeroStdDev(t *testing.T) {
	r := NewRunning(Snapshot{Model: "m"})
	s := r.Add(500, time.Now())
	if s.StdDev() != 0 {
		t.Fatalf("n=1 时标准差应为 0, 实际 %v", s.StdDev())
	}
}

func TestEngineResumesFromSnapshot(t *testing.T) {
	prices := []int64{700, 720, 710, 690}

	first := NewEngine()
	for _, p := range prices[:2] {
		first.Update("m", p)
	}
	persisted := first.Query("m")

	resumed := NewEngine()
	resumed.Load(persisted)
	var got Snapshot
	for _, p := range prices[2:] {
		got = resumed.Update("m", p)
	}

	wantMean, wantStd := closedForm(prices)
	if math.Abs(got.Mean-wantMean) > 1e-9 || math.Abs(got.StdDev()-wantStd) > 1e-9 {
		t.Fatalf("恢复后的统计 %v/%v, 期望 %v/%v", got.Mean, got.StdDev(), wantMean, wantStd)
	}
}

func TestEngineQueryDoesNotMutate(t *testing.T) {
	e := NewEngine()
	if s := e.Query("unknown"); s.N != 0 || s.Model != "unknown" {
		t.Fatalf("未知模型不应有统计: %+v", s)
	}
	e.Update("m", 100)
	before := e.Query("m")
	after := e.Query("m")
	if before != after {
		t.Fatalf("Query 不应修改状态: %+v -> %+v", before, after)
	}
}

func TestSnapshotWithoutUndoesAdd(t *testing.T) {
	r := NewRunning(Snapshot{Model: "m"})
	for _, p := range []int64{700, 720, 710, 690} {
		r.Add(p, time.Now())
	}
	before := r.Snapshot()
	after := r.Add(560, time.Now())

	got := after.Without(560)
	if got.N != before.N {
		t.Fatalf("n = %d, 期望 %d", got.N, before.N)
	}
	if math.Abs(got.Mean-before.Mean) > 1e-9 || math.Abs(got.StdDev()-before.StdDev()) > 1e-9 {
		t.Fatalf("移除后 = %+v, 期望 %+v", got, before)
	}

	single := NewRunning(Snapshot{Model: "m"}).Add(500, time.Now())
	if empty := single.Without(500); empty.N != 0 || empty.Mean != 0 {
		t.Fatalf("移除唯一样本后应为空, 实际 %+v", empty)
	}
}
