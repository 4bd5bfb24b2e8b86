package rewriter

import "testing"

func TestRewriteNoRules(t *testing.T) {
	r := New()
	in := "https://example.com/path?q=1#frag"
	if got := r.Rewrite(in); got != in {
		t.Fatalf("expected unchanged url, got %q", got)
	}
}

func TestRewritePreservesPathQueryFragment(t *testing.T) {
	r := New()
	r.SetRule("old.example.com", Rule{TargetHost: "new.example.com", Scheme: "https"})

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"basic", "http://old.example.com/a/b", "https://new.example.com/a/b"},
		{"query", "http://old.example.com/a?x=1&y=2", "https://new.example.com/a?x=1&y=2"},
		{"fragment", "http://old.example.com/a#section", "https://new.example.com/a#section"},
		{"port", "http://old.example.com:8080/a", "https://new.example.com:8080/a"},
		{"www-prefix matches bare rule", "http://www.old.example.com/a", "https://new.example.com/a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Rewrite(tc.in); got != tc.want {
				t.Fatalf("Rewrite(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRewriteUnmatchedHostUnchanged(t *testing.T) {
	r := New()
	r.SetRule("old.example.com", Rule{TargetHost: "new.example.com", Scheme: "https"})
	in := "http://other.example.com/a"
	if got := r.Rewrite(in); got != in {
		t.Fatalf("expected unchanged url for unmatched host, got %q", got)
	}
}

func TestRewriteMalformedInputReturnedUnchanged(t *testing.T) {
	r := New()
	in := "://not a url"
	if got := r.Rewrite(in); got != in {
		t.Fatalf("expected malformed input unchanged, got %q", got)
	}
}

func TestRewriteIdempotentAfterOneSubstitution(t *testing.T) {
	// Rewriting the already-rewritten URL again should be a no-op, since the
	// rule table only matches the original source host.
	r := New()
	r.SetRule("old.example.com", Rule{TargetHost: "new.example.com", Scheme: "https"})
	once := r.Rewrite("http://old.example.com/a")
	twice := r.Rewrite(once)
	if once != twice {
		t.Fatalf("rewrite not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestSetRuleDeleteRule(t *testing.T) {
	r := New()
	r.SetRule("a.example.com", Rule{TargetHost: "b.example.com", Scheme: "https"})
	if _, matched := r.Check("http://a.example.com/x"); !matched {
		t.Fatal("expected match after SetRule")
	}
	r.DeleteRule("a.example.com")
	if _, matched := r.Check("http://a.example.com/x"); matched {
		t.Fatal("expected no match after DeleteRule")
	}
}

func TestSetRulesReplacesWholeTable(t *testing.T) {
	r := New()
	r.SetRule("a.example.com", Rule{TargetHost: "x.example.com", Scheme: "https"})
	r.SetRules(map[string]Rule{
		"b.example.com": {TargetHost: "y.example.com", Scheme: "https"},
	})
	if _, matched := r.Check("http://a.example.com/x"); matched {
		t.Fatal("expected old rule gone after SetRules replace")
	}
	if _, matched := r.Check("http://b.example.com/x"); !matched {
		t.Fatal("expected new rule present after SetRules replace")
	}
}

func TestRulesReturnsSnapshotCopy(t *testing.T) {
	r := New()
	r.SetRule("a.example.com", Rule{TargetHost: "b.example.com", Scheme: "https"})
	snap := r.Rules()
	snap["a.example.com"] = Rule{TargetHost: "mutated.example.com"}

	if got := r.Rewrite("http://a.example.com/x"); got != "https://b.example.com/x" {
		t.Fatalf("mutating returned snapshot affected live rules: got %q", got)
	}
}
