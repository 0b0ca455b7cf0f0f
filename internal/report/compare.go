package report

import "sort"

// Regression lists tests whose outcome changed between two cycles.
type Regression struct {
	NewlyFailing []Change `json:"newly_failing,omitempty"`
	Fixed        []Change `json:"fixed,omitempty"`
}

// Change is one test that flipped between passing and failing.
type Change struct {
	Worker string `json:"worker"`
	Test   string `json:"test"`
}

// Empty reports whether nothing changed.
func (r Regression) Empty() bool {
	return len(r.NewlyFailing) == 0 && len(r.Fixed) == 0
}

// Compare diffs two reports. Tests are matched by worker name and test key;
// tests absent from either report are ignored.
func Compare(prev, cur *RunReport) Regression {
	var out Regression
	if prev == nil || cur == nil {
		return out
	}

	type key struct{ worker, test string }
	before := make(map[key]Outcome)
	for _, w := range prev.Workers {
		for _, t := range w.Tests {
			before[key{w.Name, t.Key()}] = t.Outcome
		}
	}

	for _, w := range cur.Workers {
		for _, t := range w.Tests {
			old, ok := before[key{w.Name, t.Key()}]
			if !ok {
				continue
			}
			change := Change{Worker: w.Name, Test: t.DisplayName()}
			switch {
			case old == OutcomePassed && t.Outcome == OutcomeFailed:
				out.NewlyFailing = append(out.NewlyFailing, change)
			case old == OutcomeFailed && t.Outcome == OutcomePassed:
				out.Fixed = append(out.Fixed, change)
			}
		}
	}

	less := func(s []Change) func(i, j int) bool {
		return func(i, j int) bool {
			if s[i].Worker != s[j].Worker {
				return s[i].Worker < s[j].Worker
			}
			return s[i].Test < s[j].Test
		}
	}
	sort.SliceStable(out.NewlyFailing, less(out.NewlyFailing))
	sort.SliceStable(out.Fixed, less(out.Fixed))
	return out
}
