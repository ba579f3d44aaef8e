package routing

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"edgecache/internal/apperr"
)

// ConditionSpec is an auxiliary match on the request. A nil Value only
// requires presence.
type ConditionSpec struct {
	Type  string  `yaml:"type"`
	Key   string  `yaml:"key"`
	Value *string `yaml:"value"`
}

// RuleSpec is a rewrite or redirect rule as written in configuration.
//
// Source is a regular expression matched against the whole path. A ":name"
// segment is shorthand for a named group matching one path segment, and
// ":name*" for one matching the rest of the path. Destination may refer to
// groups as $1, $name or :name.
type RuleSpec struct {
	Source      string          `yaml:"source"`
	Destination string          `yaml:"destination"`
	Has         []ConditionSpec `yaml:"has"`
	Status      int             `yaml:"status"`
	Permanent   bool            `yaml:"permanent"`
}

type conditionKind string

const (
	condHeader conditionKind = "header"
	condQuery  conditionKind = "query"
	condCookie conditionKind = "cookie"
	condHost   conditionKind = "host"
)

type condition struct {
	kind  conditionKind
	key   string
	value *string
}

func (c condition) holds(r *http.Request) bool {
	var (
		v       string
		present bool
	)
	switch c.kind {
	case condHeader:
		vals := r.Header.Values(c.key)
		present = len(vals) > 0
		if present {
			v = vals[0]
		}
	case condQuery:
		q := r.URL.Query()
		present = q.Has(c.key)
		v = q.Get(c.key)
	case condCookie:
		ck, err := r.Cookie(c.key)
		present = err == nil
		if present {
			v = ck.Value
		}
	case condHost:
		host := r.Host
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		present, v = true, host
	}
	if !present {
		return false
	}
	return c.value == nil || *c.value == v
}

// Rule is a compiled RuleSpec. Rules are immutable after compilation.
type Rule struct {
	Source      string
	Destination string
	Status      int

	re       *regexp.Regexp
	template string
	conds    []condition
}

// Match reports whether the rule applies to r with path as its working path,
// returning the expanded destination.
func (rl *Rule) Match(path string, r *http.Request) (string, bool) {
	m := rl.re.FindStringSubmatchIndex(path)
	if m == nil {
		return "", false
	}
	for _, c := range rl.conds {
		if !c.holds(r) {
			return "", false
		}
	}
	return string(rl.re.ExpandString(nil, rl.template, path, m)), true
}

var validRedirectStatus = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

func compileRules(kind string, specs []RuleSpec, redirect bool) ([]*Rule, error) {
	out := make([]*Rule, 0, len(specs))
	for i, s := range specs {
		op := fmt.Sprintf("routes.%s[%d]", kind, i)
		rl, err := compileRule(op, s, redirect)
		if err != nil {
			return nil, err
		}
		out = append(out, rl)
	}
	return out, nil
}

func compileRule(op string, s RuleSpec, redirect bool) (*Rule, error) {
	if strings.TrimSpace(s.Source) == "" {
		return nil, apperr.MalformedRule(op, fmt.Errorf("empty source"))
	}
	if strings.TrimSpace(s.Destination) == "" {
		return nil, apperr.MalformedRule(op, fmt.Errorf("empty destination"))
	}
	re, err := compilePattern(s.Source)
	if err != nil {
		return nil, apperr.MalformedRule(op, err)
	}

	rl := &Rule{
		Source:      s.Source,
		Destination: s.Destination,
		re:          re,
		template:    destinationTemplate(s.Destination),
	}
	for _, name := range templateRefs(rl.template) {
		if !groupExists(re, name) {
			return nil, apperr.MalformedRule(op, fmt.Errorf("destination refers to unknown group %q", name))
		}
	}

	if redirect {
		switch {
		case s.Status != 0:
			rl.Status = s.Status
		case s.Permanent:
			rl.Status = http.StatusPermanentRedirect
		default:
			rl.Status = http.StatusTemporaryRedirect
		}
		if !validRedirectStatus[rl.Status] {
			return nil, apperr.MalformedRule(op, fmt.Errorf("invalid redirect status %d", rl.Status))
		}
	} else if s.Status != 0 {
		return nil, apperr.MalformedRule(op, fmt.Errorf("status is only valid on redirects"))
	}

	for j, c := range s.Has {
		kind := conditionKind(strings.ToLower(c.Type))
		switch kind {
		case condHeader, condQuery, condCookie:
			if c.Key == "" {
				return nil, apperr.MalformedRule(op, fmt.Errorf("has[%d]: key is required", j))
			}
		case condHost:
		default:
			return nil, apperr.MalformedRule(op, fmt.Errorf("has[%d]: unknown condition type %q", j, c.Type))
		}
		rl.conds = append(rl.conds, condition{kind: kind, key: c.Key, value: c.Value})
	}
	return rl, nil
}

// compilePattern anchors src and expands ":name" parameters.
func compilePattern(src string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c != ':' || (i > 0 && src[i-1] == '?') || inFlagGroup(src, i) || i+1 >= len(src) || !isNameStart(src[i+1]) {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(src) && isNameChar(src[j]) {
			j++
		}
		name := src[i+1 : j]
		if j < len(src) && src[j] == '*' {
			fmt.Fprintf(&b, "(?P<%s>.*)", name)
			j++
		} else {
			fmt.Fprintf(&b, "(?P<%s>[^/]+)", name)
		}
		i = j - 1
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

var (
	numberedRef = regexp.MustCompile(`\$(\d+)`)
	paramRef    = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)
	templateRef = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// destinationTemplate rewrites $1 and :name references into ${...} form so
// a reference followed by letters still expands.
func destinationTemplate(dest string) string {
	scheme := ""
	if i := strings.Index(dest, "://"); i > 0 {
		scheme, dest = dest[:i+3], dest[i+3:]
	}
	dest = numberedRef.ReplaceAllString(dest, "$${$1}")
	dest = paramRef.ReplaceAllString(dest, "$${$1}")
	return scheme + dest
}

func templateRefs(tmpl string) []string {
	var out []string
	for _, m := range templateRef.FindAllStringSubmatch(tmpl, -1) {
		if m[1] != "" {
			out = append(out, m[1])
		} else {
			out = append(out, m[2])
		}
	}
	return out
}

func groupExists(re *regexp.Regexp, name string) bool {
	if n, err := strconv.Atoi(name); err == nil {
		return n <= re.NumSubexp()
	}
	return re.SubexpIndex(name) >= 0
}

// inFlagGroup reports whether the colon at i closes a "(?flags:" prefix.
func inFlagGroup(src string, i int) bool {
	k := i - 1
	for k >= 0 && strings.IndexByte("imsU-", src[k]) >= 0 {
		k--
	}
	return k >= 1 && k < i-1 && src[k] == '?' && src[k-1] == '('
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool { return isNameStart(c) || (c >= '0' && c <= '9') }
