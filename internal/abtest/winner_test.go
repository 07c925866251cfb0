package abtest

import (
	"math"
	"testing"
)

func TestPickWinner(t *testing.T) {
	tests := []struct {
		name     string
		cands    []Candidate
		want     int
		wantLift float64
	}{
		{
			name: "clear leader",
			cands: []Candidate{
				{VariantID: "a", Enrolled: 30, Rate: 15.0 / 30},
				{VariantID: "b", Enrolled: 30, Rate: 5.0 / 30},
			},
			want:     0,
			wantLift: 200,
		},
		{
			name: "lift below ten percent",
			cands: []Candidate{
				{VariantID: "a", Enrolled: 30, Rate: 8.0 / 30},
				{VariantID: "b", Enrolled: 30, Rate: 7.5 / 30},
			},
			want:     -1,
			wantLift: 6.666666,
		},
		{
			name: "lift exactly ten percent",
			cands: []Candidate{
				{VariantID: "a", Enrolled: 100, Rate: 11.0 / 100},
				{VariantID: "b", Enrolled: 100, Rate: 10.0 / 100},
			},
			want:     0,
			wantLift: 10,
		},
		{
			name: "leader under the enrollment floor",
			cands: []Candidate{
				{VariantID: "a", Enrolled: 29, Rate: 0.9},
				{VariantID: "b", Enrolled: 100, Rate: 0.1},
			},
			want:     -1,
			wantLift: 800,
		},
		{
			name: "runner-up at zero",
			cands: []Candidate{
				{VariantID: "a", Enrolled: 40, Rate: 0},
				{VariantID: "b", Enrolled: 40, Rate: 0.05},
			},
			want:     1,
			wantLift: 100,
		},
		{
			name: "all zero",
			cands: []Candidate{
				{VariantID: "a", Enrolled: 40},
				{VariantID: "b", Enrolled: 40},
			},
			want: -1,
		},
		{
			name: "third variant ignored for lift",
			cands: []Candidate{
				{VariantID: "a", Enrolled: 30, Rate: 0.1},
				{VariantID: "b", Enrolled: 30, Rate: 0.3},
				{VariantID: "c", Enrolled: 30, Rate: 0.25},
			},
			want:     1,
			wantLift: 20,
		},
		{
			name:  "single variant",
			cands: []Candidate{{VariantID: "a", Enrolled: 100, Rate: 1}},
			want:  -1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := PickWinner(tc.cands, 30, 10)
			if d.Winner != tc.want {
				t.Fatalf("winner = %d, want %d (decision %+v)", d.Winner, tc.want, d)
			}
			if math.Abs(d.Lift-tc.wantLift) > 1e-3 {
				t.Fatalf("lift = %f, want %f", d.Lift, tc.wantLift)
			}
		})
	}
}

func TestWilsonInterval(t *testing.T) {
	lo, hi := wilsonInterval(0, 0, 0.95)
	if lo != 0 || hi != 0 {
		t.Fatalf("empty interval = [%f, %f]", lo, hi)
	}

	lo, hi = wilsonInterval(50, 100, 0.95)
	if math.Abs(lo-0.4038) > 1e-3 || math.Abs(hi-0.5962) > 1e-3 {
		t.Fatalf("interval = [%f, %f], want about [0.404, 0.596]", lo, hi)
	}

	lo, hi = wilsonInterval(0, 10, 0.95)
	if lo != 0 || hi <= 0 || hi >= 1 {
		t.Fatalf("zero-success interval = [%f, %f]", lo, hi)
	}
}

func TestSignificance(t *testing.T) {
	if got := significance(0, 0, 5, 10); got != 0.5 {
		t.Fatalf("missing data confidence = %f, want 0.5", got)
	}
	if got := significance(15, 30, 5, 30); got < 0.99 {
		t.Fatalf("15/30 vs 5/30 confidence = %f, want > 0.99", got)
	}
	if got := significance(5, 30, 15, 30); got > 0.01 {
		t.Fatalf("5/30 vs 15/30 confidence = %f, want < 0.01", got)
	}
	if got := significance(10, 30, 10, 30); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("equal rates confidence = %f, want 0.5", got)
	}
}
