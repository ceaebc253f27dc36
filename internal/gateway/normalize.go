package gateway

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// normalizeRule is one (predicate, transform) pair of the argument
// normalization table. Rules are evaluated in order and are best-effort: a
// failing transform leaves the arguments untouched.
type normalizeRule struct {
	name    string
	applies func(tool string, args string) bool
	apply   func(args string) (string, error)
}

// defaultNormalizeRules rewrites known argument shapes some models emit into
// the shapes the providers expect. Keyed by literal tool-name predicates so
// the table stays unit-testable and side-effect free.
func defaultNormalizeRules() []normalizeRule {
	return []normalizeRule{
		{
			// Models sometimes split a search into a terms array plus a topic
			// field; providers take a single query string.
			name: "fold_search_terms",
			applies: func(tool, args string) bool {
				return strings.HasSuffix(tool, "__search") &&
					gjson.Get(args, "terms").IsArray() &&
					!gjson.Get(args, "query").Exists()
			},
			apply: func(args string) (string, error) {
				var parts []string
				for _, t := range gjson.Get(args, "terms").Array() {
					parts = append(parts, t.String())
				}
				if topic := gjson.Get(args, "topic"); topic.Exists() {
					parts = append([]string{topic.String()}, parts...)
				}
				out, err := sjson.Set(args, "query", strings.Join(parts, " "))
				if err != nil {
					return args, err
				}
				if out, err = sjson.Delete(out, "terms"); err != nil {
					return args, err
				}
				out, _ = sjson.Delete(out, "topic")
				return out, nil
			},
		},
		{
			// Grep-style tools: accept "regex" as an alias for "pattern".
			name: "grep_regex_alias",
			applies: func(tool, args string) bool {
				return strings.HasSuffix(tool, "__grep") &&
					gjson.Get(args, "regex").Exists() &&
					!gjson.Get(args, "pattern").Exists()
			},
			apply: func(args string) (string, error) {
				out, err := sjson.Set(args, "pattern", gjson.Get(args, "regex").String())
				if err != nil {
					return args, err
				}
				return sjson.Delete(out, "regex")
			},
		},
		{
			// Read-style tools: string offsets/limits arrive quoted from some
			// providers; coerce to numbers.
			name: "read_numeric_coercion",
			applies: func(tool, args string) bool {
				if !strings.HasSuffix(tool, "__read") {
					return false
				}
				off := gjson.Get(args, "offset")
				lim := gjson.Get(args, "limit")
				return off.Type == gjson.String || lim.Type == gjson.String
			},
			apply: func(args string) (string, error) {
				out := args
				for _, key := range []string{"offset", "limit"} {
					v := gjson.Get(out, key)
					if v.Type != gjson.String {
						continue
					}
					next, err := sjson.Set(out, key, v.Int())
					if err != nil {
						return args, err
					}
					out = next
				}
				return out, nil
			},
		},
	}
}

// normalizeArgs applies the rule table to a JSON argument payload. It never
// fails: rule errors and panics leave the arguments as they were.
func normalizeArgs(rules []normalizeRule, tool, args string) (out string) {
	out = args
	defer func() {
		if recover() != nil {
			out = args
		}
	}()
	for _, r := range rules {
		if !r.applies(tool, out) {
			continue
		}
		next, err := r.apply(out)
		if err != nil {
			continue
		}
		out = next
	}
	return out
}
