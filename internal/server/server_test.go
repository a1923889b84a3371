package server

import "testing"

func TestGovernorAdmitsUpToPerIPLimit(t *testing.T) {
	g := NewGovernor(0, 2)

	if !g.Admit("1.2.3.4") {
		t.Fatal("first Admit should succeed")
	}
	if !g.Admit("1.2.3.4") {
		t.Fatal("second Admit should succeed")
	}
	if g.Admit("1.2.3.4") {
		t.Fatal("third Admit should be refused by the per-IP limit")
	}

	g.Release("1.2.3.4")
	if !g.Admit("1.2.3.4") {
		t.Fatal("Admit should succeed again after a Release")
	}
}

func TestGovernorEnforcesGlobalLimit(t *testing.T) {
	g := NewGovernor(1, 0)

	if !g.Admit("1.1.1.1") {
		t.Fatal("first Admit should succeed")
	}
	if g.Admit("2.2.2.2") {
		t.Fatal("second Admit should be refused by the global limit")
	}
}

func TestGovernorUnlimitedWhenZero(t *testing.T) {
	g := NewGovernor(0, 0)
	for i := 0; i < 100; i++ {
		if !g.Admit("3.3.3.3") {
			t.Fatalf("Admit %d should succeed with no configured limit", i)
		}
	}
}
