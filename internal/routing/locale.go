package routing

import (
	"net/http"
	"path"
	"strings"

	"golang.org/x/text/language"
)

// LocaleCookie pins a visitor's locale choice.
const LocaleCookie = "NEXT_LOCALE"

// LocaleOf returns the first path segment when it is a configured locale.
func (t *Table) LocaleOf(p string) (string, bool) {
	seg := strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	for _, l := range t.locales {
		if strings.EqualFold(seg, l) {
			return l, true
		}
	}
	return "", false
}

// PreferredLocale picks the locale for r: the locale cookie when it names a
// configured locale, then Accept-Language, then the default.
func (t *Table) PreferredLocale(r *http.Request) string {
	if ck, err := r.Cookie(LocaleCookie); err == nil {
		for _, l := range t.locales {
			if strings.EqualFold(ck.Value, l) {
				return l
			}
		}
	}
	if al := r.Header.Get("Accept-Language"); al != "" {
		tags, _, err := language.ParseAcceptLanguage(al)
		if err == nil && len(tags) > 0 {
			_, idx, conf := t.localeMatcher.Match(tags...)
			if conf != language.No && idx >= 0 && idx < len(t.locales) {
				return t.locales[idx]
			}
		}
	}
	return t.defaultLocale
}

// localeRedirect returns the locale-prefixed location for p, or false when
// p needs no locale redirect.
func (t *Table) localeRedirect(p string, r *http.Request) (string, bool) {
	if len(t.locales) == 0 || isStaticAsset(p) {
		return "", false
	}
	if _, ok := t.LocaleOf(p); ok {
		return "", false
	}
	loc := "/" + t.defaultLocale
	if t.detectLocale {
		loc = "/" + t.PreferredLocale(r)
	}
	if p != "/" {
		loc += p
	}
	return loc, true
}

func isStaticAsset(p string) bool {
	if strings.HasPrefix(p, "/_next/") {
		return true
	}
	ext := path.Ext(p)
	return ext != "" && ext != ".json"
}
