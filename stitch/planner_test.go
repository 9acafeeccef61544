package stitch

import (
	"errors"
	"fmt"
	"testing"
)

func parts(sizes ...int64) []Part {
	ps := make([]Part, len(sizes))
	for i, s := range sizes {
		ps[i] = Part{Key: fmt.Sprintf("src/%05d.json", i), Size: s}
	}
	return ps
}

func groupSizes(groups []ChunkGroup) []int {
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = len(g)
	}
	return out
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		parts    []Part
		ceiling  int64
		maxParts int
		want     []int // members per group
	}{
		{"empty", nil, 100, 10, []int{}},
		{"single under ceiling", parts(10), 100, 10, []int{1}},
		{"all fit", parts(10, 20, 30), 100, 10, []int{3}},
		{"exactly at ceiling stays open", parts(50, 50, 1), 100, 10, []int{3}},
		{"crossing part closes group", parts(60, 60, 60), 100, 10, []int{2, 1}},
		{"oversized single part", parts(500, 1, 1), 100, 10, []int{1, 2}},
		{"oversized last part", parts(1, 500), 100, 10, []int{2}},
		{"max parts", parts(1, 1, 1, 1, 1), 100, 2, []int{2, 2, 1}},
		{"max parts exact", parts(1, 1, 1, 1), 100, 2, []int{2, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups, err := Plan(tt.parts, tt.ceiling, tt.maxParts)
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			got := groupSizes(groups)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("group sizes = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlan_PreservesOrderAndMembership(t *testing.T) {
	in := parts(70, 10, 40, 90, 5, 5, 200, 1)
	groups, err := Plan(in, 100, 3)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	var flat []Part
	for _, g := range groups {
		if len(g) == 0 {
			t.Error("empty group emitted")
		}
		flat = append(flat, g...)
	}
	if len(flat) != len(in) {
		t.Fatalf("got %d parts back, want %d", len(flat), len(in))
	}
	for i := range in {
		if flat[i] != in[i] {
			t.Errorf("position %d: got %v, want %v", i, flat[i], in[i])
		}
	}
}

func TestPlan_GroupBound(t *testing.T) {
	in := parts(30, 30, 30, 30, 30, 30, 30, 30, 30, 30)
	const ceiling = 100
	groups, _ := Plan(in, ceiling, 9999)

	for i, g := range groups {
		withoutLast := g[:len(g)-1]
		if ChunkGroup(withoutLast).Size() > ceiling {
			t.Errorf("group %d exceeds ceiling by more than its closing part: %d", i, g.Size())
		}
	}
}

func TestPlan_TwelveThousandSmallParts(t *testing.T) {
	in := make([]Part, 12001)
	for i := range in {
		in[i] = Part{Key: fmt.Sprintf("src/%06d.json", i), Size: 1024}
	}

	groups, err := Plan(in, DefaultCeiling, DefaultMaxPartsPerUpload)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if got := groupSizes(groups); fmt.Sprint(got) != "[9999 2002]" {
		t.Errorf("group sizes = %v, want [9999 2002]", got)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	in := parts(7, 80, 13, 99, 2, 41)
	a, _ := Plan(in, 100, 4)
	b, _ := Plan(in, 100, 4)
	if fmt.Sprint(a) != fmt.Sprint(b) {
		t.Errorf("Plan is not deterministic: %v vs %v", a, b)
	}
}

func TestPlan_InvalidLimits(t *testing.T) {
	tests := []struct {
		ceiling  int64
		maxParts int
		field    string
	}{
		{0, 10, "ceiling"},
		{-1, 10, "ceiling"},
		{100, 0, "maxParts"},
	}

	for _, tt := range tests {
		_, err := Plan(parts(1), tt.ceiling, tt.maxParts)
		var ce *ConfigError
		if !errors.As(err, &ce) || ce.Field != tt.field {
			t.Errorf("Plan(%d, %d): expected ConfigError on %s, got %v", tt.ceiling, tt.maxParts, tt.field, err)
		}
	}
}
