package routing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgecache/internal/apperr"
)

func TestNewTableRejectsMalformedRules(t *testing.T) {
	tests := map[string]TableSpec{
		"bad regex":          {Rewrites: []RuleSpec{{Source: "/a/(", Destination: "/b"}}},
		"bad cacheable":      {Cacheable: []string{"/[z-a]"}},
		"empty destination":  {Redirects: []RuleSpec{{Source: "/a"}}},
		"unknown group":      {Rewrites: []RuleSpec{{Source: "/a/:id", Destination: "/b/:slug"}}},
		"group out of range": {Rewrites: []RuleSpec{{Source: "/a/(.*)", Destination: "/b/$2"}}},
		"bad status":         {Redirects: []RuleSpec{{Source: "/a", Destination: "/b", Status: 200}}},
		"status on rewrite":  {Rewrites: []RuleSpec{{Source: "/a", Destination: "/b", Status: 301}}},
		"unknown condition":  {Rewrites: []RuleSpec{{Source: "/a", Destination: "/b", Has: []ConditionSpec{{Type: "geo", Key: "c"}}}}},
		"condition no key":   {Rewrites: []RuleSpec{{Source: "/a", Destination: "/b", Has: []ConditionSpec{{Type: "header"}}}}},
		"bad locale":         {Locales: []string{"not a locale!"}},
		"default not listed": {Locales: []string{"en"}, DefaultLocale: "de"},
		"default alone":      {DefaultLocale: "en"},
	}
	for name, spec := range tests {
		spec := spec // per-iteration copy (go 1.22 loop semantics)
		t.Run(name, func(t *testing.T) {
			_, err := NewTable(spec)
			require.Error(t, err)
			assert.True(t, apperr.IsMalformedRule(err), err.Error())
		})
	}
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		src   string
		path  string
		match bool
	}{
		{"/blog/:slug", "/blog/hello", true},
		{"/blog/:slug", "/blog/hello/world", false},
		{"/docs/:rest*", "/docs/a/b/c", true},
		{"/a/(?:x|y)", "/a/y", true},
		{"/products", "/products/1", false},
		{"/products(/.*)?", "/products/1", true},
		{"/(?i:about)", "/ABOUT", true},
		{"/(?i:about)/:section", "/About/team", true},
		{"/(?s-i:x)", "/X", false},
	}
	for _, tt := range tests {
		re, err := compilePattern(tt.src)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.match, re.MatchString(tt.path), "%s ~ %s", tt.src, tt.path)
	}
}

func TestNewTableAcceptsInlineFlagGroups(t *testing.T) {
	table, err := NewTable(TableSpec{Rewrites: []RuleSpec{{Source: "/(?i:about)", Destination: "/about-us"}}})
	require.NoError(t, err)

	dest, ok := table.Rewrites()[0].Match("/About", httptest.NewRequest(http.MethodGet, "/About", nil))

	require.True(t, ok)
	assert.Equal(t, "/about-us", dest)
}

func TestRuleExpandsGroups(t *testing.T) {
	rl, err := compileRule("t", RuleSpec{Source: "/u/:id/(.*)", Destination: "/user?id=:id&tab=$2x"}, false)
	require.NoError(t, err)

	dest, ok := rl.Match("/u/42/posts", httptest.NewRequest(http.MethodGet, "/", nil))

	require.True(t, ok)
	assert.Equal(t, "/user?id=42&tab=postsx", dest)
}

func TestHostCondition(t *testing.T) {
	host := "beta.example.com"
	rl, err := compileRule("t", RuleSpec{Source: "/", Destination: "/beta", Has: []ConditionSpec{{Type: "host", Value: &host}}}, false)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "http://beta.example.com:8443/", nil)
	_, ok := rl.Match("/", r)
	assert.True(t, ok)

	r = httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil)
	_, ok = rl.Match("/", r)
	assert.False(t, ok)
}

func TestTableHelpers(t *testing.T) {
	table, err := NewTable(TableSpec{
		APIPrefix: "api/",
		Cacheable: []string{"/", "/blog/.*"},
		Locales:   []string{"en", "de"},
		Variance:  VarianceSpec{Cookies: []string{"b", "a", "b"}},
	})
	require.NoError(t, err)

	assert.True(t, table.IsAPI("/api"))
	assert.True(t, table.IsAPI("/api/revalidate-pages"))
	assert.False(t, table.IsAPI("/apis"))
	assert.True(t, table.Cacheable("/"))
	assert.True(t, table.Cacheable("/blog/x"))
	assert.False(t, table.Cacheable("/shop"))
	assert.Equal(t, []string{"a", "b"}, table.Variance.Cookies)

	l, ok := table.LocaleOf("/DE/x")
	assert.True(t, ok)
	assert.Equal(t, "de", l)
	assert.Equal(t, "en", table.PreferredLocale(httptest.NewRequest(http.MethodGet, "/", nil)))
}
