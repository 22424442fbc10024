package sandbox

import "testing"

func TestNetworkAllowlistPersistsRoundTrip(t *testing.T) {
	dir := t.TempDir()

	list, err := LoadNetworkAllowlist(dir)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(list.Domains) != 0 {
		t.Fatalf("expected empty allowlist, got %v", list.Domains)
	}

	if changed := list.Allow("api.anthropic.com"); !changed {
		t.Fatal("expected Allow to report a change")
	}
	if changed := list.Allow("api.anthropic.com"); changed {
		t.Fatal("expected re-adding the same domain to report no change")
	}
	if err := list.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := LoadNetworkAllowlist(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Domains) != 1 || reloaded.Domains[0] != "api.anthropic.com" {
		t.Fatalf("expected reloaded allowlist to contain api.anthropic.com, got %v", reloaded.Domains)
	}

	if changed := reloaded.Disallow("api.anthropic.com"); !changed {
		t.Fatal("expected Disallow to report a change")
	}
	if changed := reloaded.Reset(); changed {
		t.Fatal("expected Reset on an already-empty list to report no change")
	}
}

func TestOSConfigEqualIgnoresOrder(t *testing.T) {
	a := BuildOSConfig("/team", []string{"/repo1/.git", "/repo2/.git"}, []string{"a.com", "b.com"})
	b := BuildOSConfig("/team", []string{"/repo2/.git", "/repo1/.git"}, []string{"b.com", "a.com"})
	if !a.Equal(b) {
		t.Fatalf("expected configs with reordered entries to be equal: %v vs %v", a, b)
	}

	c := BuildOSConfig("/team", []string{"/repo1/.git"}, []string{"a.com"})
	if a.Equal(c) {
		t.Fatal("expected configs with different writable sets to differ")
	}
}
