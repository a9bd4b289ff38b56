package providers

import "testing"

func testRegistry() *Registry {
	return New([]Provider{
		{ID: "claude-code", DisplayName: "Claude Code", Kind: KindNDJSON, DefaultCommand: "claude", DefaultArgs: []string{"--print"}},
	})
}

func TestGetUnknownProvider(t *testing.T) {
	r := testRegistry()
	if _, ok := r.Get("nope"); ok {
		t.Fatalf("expected unknown provider to return false")
	}
}

func TestApplyOverridesCommandReplaces(t *testing.T) {
	r := testRegistry()
	r.ApplyOverrides(map[string]Override{
		"claude-code": {Command: "/usr/local/bin/claude"},
	})

	p, ok := r.Get("claude-code")
	if !ok {
		t.Fatalf("expected provider to exist")
	}
	if p.DefaultCommand != "/usr/local/bin/claude" {
		t.Fatalf("expected command override, got %q", p.DefaultCommand)
	}
	if len(p.DefaultArgs) != 1 || p.DefaultArgs[0] != "--print" {
		t.Fatalf("expected args unaffected by command override, got %v", p.DefaultArgs)
	}
}

func TestApplyOverridesArgsReplacesAndExtraArgsAppends(t *testing.T) {
	r := testRegistry()
	r.ApplyOverrides(map[string]Override{
		"claude-code": {
			Args:      []string{"--quiet"},
			ExtraArgs: []string{"--verbose"},
		},
	})

	p, _ := r.Get("claude-code")
	want := []string{"--quiet", "--verbose"}
	if len(p.DefaultArgs) != len(want) {
		t.Fatalf("expected %v, got %v", want, p.DefaultArgs)
	}
	for i := range want {
		if p.DefaultArgs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, p.DefaultArgs)
		}
	}
}

func TestApplyOverridesEnvMerges(t *testing.T) {
	r := New([]Provider{
		{ID: "p1", DefaultCommand: "p1", DefaultEnv: map[string]string{"A": "1"}},
	})
	r.ApplyOverrides(map[string]Override{
		"p1": {Env: map[string]string{"B": "2"}},
	})

	p, _ := r.Get("p1")
	if p.DefaultEnv["A"] != "1" || p.DefaultEnv["B"] != "2" {
		t.Fatalf("expected merged env, got %v", p.DefaultEnv)
	}
}

func TestGetReturnsDeepCopy(t *testing.T) {
	r := testRegistry()
	p, _ := r.Get("claude-code")
	p.DefaultArgs[0] = "mutated"

	p2, _ := r.Get("claude-code")
	if p2.DefaultArgs[0] == "mutated" {
		t.Fatalf("expected Get to return an isolated copy")
	}
}

func TestClearResetsOverridesAndCache(t *testing.T) {
	r := testRegistry()
	r.ApplyOverrides(map[string]Override{"claude-code": {Command: "other"}})
	r.store("claude-code", Availability{Available: true})

	r.Clear()

	p, _ := r.Get("claude-code")
	if p.DefaultCommand != "claude" {
		t.Fatalf("expected override cleared, got %q", p.DefaultCommand)
	}
	if _, ok := r.Cached("claude-code"); ok {
		t.Fatalf("expected cache cleared")
	}
}

func TestCheckAvailabilityUnknownProvider(t *testing.T) {
	r := testRegistry()
	a := r.CheckAvailability(nil, "nope")
	if a.Available {
		t.Fatalf("expected unavailable for unknown provider")
	}
}
