package routing

import (
	"fmt"
	"net/textproto"
	"regexp"
	"strings"

	"golang.org/x/text/language"

	"edgecache/internal/apperr"
	"edgecache/internal/cachekey"
)

// VarianceSpec lists the request attributes that split the cache.
type VarianceSpec struct {
	Cookies     []string `yaml:"cookies"`
	Queries     []string `yaml:"queries"`
	DeviceSplit bool     `yaml:"deviceSplit"`
}

// TableSpec is the route configuration as loaded from YAML.
type TableSpec struct {
	APIPrefix     string     `yaml:"apiPrefix"`
	Cacheable     []string   `yaml:"cacheable"`
	Redirects     []RuleSpec `yaml:"redirects"`
	Rewrites      []RuleSpec `yaml:"rewrites"`
	Locales       []string   `yaml:"locales"`
	DefaultLocale string     `yaml:"defaultLocale"`
	// LocaleDetection picks the redirect locale from the request. When
	// false every locale redirect goes to the default locale. Unset is true.
	LocaleDetection *bool        `yaml:"localeDetection"`
	TrailingSlash   bool         `yaml:"trailingSlash"`
	Variance        VarianceSpec `yaml:"variance"`
	ForwardHeaders  []string     `yaml:"forwardHeaders"`
}

// Table is the compiled, immutable route configuration shared by every
// request.
type Table struct {
	APIPrefix     string
	TrailingSlash bool
	Variance      cachekey.Config

	cacheable []*regexp.Regexp
	redirects []*Rule
	rewrites  []*Rule

	locales       []string
	defaultLocale string
	localeMatcher language.Matcher
	detectLocale  bool

	forwardHeaders map[string]struct{}
}

// NewTable compiles spec. Any unparsable pattern or invalid rule is a
// MalformedRule error.
func NewTable(spec TableSpec) (*Table, error) {
	t := &Table{
		APIPrefix:     "/" + strings.Trim(spec.APIPrefix, "/"),
		TrailingSlash: spec.TrailingSlash,
		detectLocale:  spec.LocaleDetection == nil || *spec.LocaleDetection,
		Variance:      cachekey.NewConfig(spec.Variance.Cookies, spec.Variance.Queries, spec.Variance.DeviceSplit),
	}
	if spec.APIPrefix == "" {
		t.APIPrefix = ""
	}

	for i, p := range spec.Cacheable {
		re, err := compilePattern(p)
		if err != nil {
			return nil, apperr.MalformedRule(fmt.Sprintf("routes.cacheable[%d]", i), err)
		}
		t.cacheable = append(t.cacheable, re)
	}

	var err error
	if t.redirects, err = compileRules("redirects", spec.Redirects, true); err != nil {
		return nil, err
	}
	if t.rewrites, err = compileRules("rewrites", spec.Rewrites, false); err != nil {
		return nil, err
	}

	if err := t.compileLocales(spec.Locales, spec.DefaultLocale); err != nil {
		return nil, err
	}

	t.forwardHeaders = make(map[string]struct{}, len(baseForwardHeaders)+len(spec.ForwardHeaders))
	for _, h := range baseForwardHeaders {
		t.forwardHeaders[textproto.CanonicalMIMEHeaderKey(h)] = struct{}{}
	}
	for _, h := range spec.ForwardHeaders {
		t.forwardHeaders[textproto.CanonicalMIMEHeaderKey(h)] = struct{}{}
	}
	return t, nil
}

func (t *Table) compileLocales(locales []string, def string) error {
	if len(locales) == 0 {
		if def != "" {
			return apperr.MalformedRule("routes.defaultLocale", fmt.Errorf("defaultLocale %q set without locales", def))
		}
		return nil
	}
	tags := make([]language.Tag, 0, len(locales))
	for i, l := range locales {
		tag, err := language.Parse(l)
		if err != nil {
			return apperr.MalformedRule(fmt.Sprintf("routes.locales[%d]", i), err)
		}
		tags = append(tags, tag)
	}
	if def == "" {
		def = locales[0]
	}
	found := false
	for _, l := range locales {
		if l == def {
			found = true
			break
		}
	}
	if !found {
		return apperr.MalformedRule("routes.defaultLocale", fmt.Errorf("%q is not one of the locales", def))
	}
	t.locales = append([]string(nil), locales...)
	t.defaultLocale = def
	t.localeMatcher = language.NewMatcher(tags)
	return nil
}

// Cacheable reports whether path matches a cacheable route pattern.
func (t *Table) Cacheable(path string) bool {
	for _, re := range t.cacheable {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// IsAPI reports whether path falls under the reserved API prefix.
func (t *Table) IsAPI(path string) bool {
	if t.APIPrefix == "" {
		return false
	}
	return path == t.APIPrefix || strings.HasPrefix(path, t.APIPrefix+"/")
}

func (t *Table) Redirects() []*Rule { return t.redirects }
func (t *Table) Rewrites() []*Rule  { return t.rewrites }
