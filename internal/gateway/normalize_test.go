package gateway

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestNormalizeFoldSearchTerms(t *testing.T) {
	rules := defaultNormalizeRules()

	out := normalizeArgs(rules, "web__search", `{"terms":["alpha","beta"],"topic":"release notes"}`)
	if got := gjson.Get(out, "query").String(); got != "release notes alpha beta" {
		t.Errorf("query = %q, want topic-prefixed terms", got)
	}
	if gjson.Get(out, "terms").Exists() || gjson.Get(out, "topic").Exists() {
		t.Errorf("terms/topic should be removed: %s", out)
	}

	// An explicit query wins; the rule must not apply.
	in := `{"terms":["alpha"],"query":"explicit"}`
	if out := normalizeArgs(rules, "web__search", in); out != in {
		t.Errorf("explicit query rewritten: %s", out)
	}

	// Non-search tools are untouched.
	in = `{"terms":["alpha"]}`
	if out := normalizeArgs(rules, "web__fetch", in); out != in {
		t.Errorf("non-search tool rewritten: %s", out)
	}
}

func TestNormalizeGrepRegexAlias(t *testing.T) {
	rules := defaultNormalizeRules()

	out := normalizeArgs(rules, "files__grep", `{"regex":"foo.*bar"}`)
	if got := gjson.Get(out, "pattern").String(); got != "foo.*bar" {
		t.Errorf("pattern = %q, want aliased regex", got)
	}
	if gjson.Get(out, "regex").Exists() {
		t.Errorf("regex key should be removed: %s", out)
	}

	in := `{"regex":"a","pattern":"b"}`
	if out := normalizeArgs(rules, "files__grep", in); out != in {
		t.Errorf("existing pattern rewritten: %s", out)
	}
}

func TestNormalizeReadNumericCoercion(t *testing.T) {
	rules := defaultNormalizeRules()

	out := normalizeArgs(rules, "files__read", `{"offset":"10","limit":"50"}`)
	if gjson.Get(out, "offset").Type != gjson.Number || gjson.Get(out, "offset").Int() != 10 {
		t.Errorf("offset not coerced: %s", out)
	}
	if gjson.Get(out, "limit").Type != gjson.Number || gjson.Get(out, "limit").Int() != 50 {
		t.Errorf("limit not coerced: %s", out)
	}

	out = normalizeArgs(rules, "files__read", `{"offset":"3","path":"/tmp/x"}`)
	if got := gjson.Get(out, "path").String(); got != "/tmp/x" {
		t.Errorf("unrelated key changed: %s", out)
	}
	if gjson.Get(out, "offset").Int() != 3 {
		t.Errorf("offset not coerced alongside untouched keys: %s", out)
	}
}

func TestNormalizeArgsNeverFails(t *testing.T) {
	rules := defaultNormalizeRules()

	in := `{"broken":`
	if out := normalizeArgs(rules, "web__search", in); out != in {
		t.Errorf("invalid JSON rewritten: %q", out)
	}

	// A panicking rule leaves the arguments untouched.
	panicky := []normalizeRule{{
		name:    "boom",
		applies: func(string, string) bool { return true },
		apply:   func(string) (string, error) { panic("boom") },
	}}
	in = `{"a":1}`
	if out := normalizeArgs(panicky, "any", in); out != in {
		t.Errorf("panicking rule changed args: %q", out)
	}
}
