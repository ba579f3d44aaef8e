package artifact

import (
	"strconv"
	"strings"
	"time"
)

// Ceiling is one year in seconds. A stored artifact may be served stale for
// the remainder of the year after its revalidate window passes.
const Ceiling = 31536000

// CacheControl returns the freshness header stored with an artifact that
// revalidates after rev seconds.
func CacheControl(rev int) string {
	if rev > Ceiling {
		rev = Ceiling
	}
	return "s-maxage=" + strconv.Itoa(rev) + ", stale-while-revalidate=" + strconv.Itoa(Ceiling-rev)
}

// MaxAge parses s-maxage from a Cache-Control value, falling back to
// max-age. ok is false when neither directive is present and valid.
func MaxAge(cacheControl string) (time.Duration, bool) {
	var maxAge, sMaxAge int
	haveMax, haveShared := false, false
	for _, d := range strings.Split(cacheControl, ",") {
		name, val, found := strings.Cut(strings.TrimSpace(d), "=")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.Trim(strings.TrimSpace(val), `"`))
		if err != nil || n < 0 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "s-maxage":
			sMaxAge, haveShared = n, true
		case "max-age":
			maxAge, haveMax = n, true
		}
	}
	switch {
	case haveShared:
		return time.Duration(sMaxAge) * time.Second, true
	case haveMax:
		return time.Duration(maxAge) * time.Second, true
	}
	return 0, false
}

// NoStore reports whether a Cache-Control value forbids storing.
func NoStore(cacheControl string) bool {
	for _, d := range strings.Split(cacheControl, ",") {
		switch strings.ToLower(strings.TrimSpace(d)) {
		case "no-store", "private":
			return true
		}
	}
	return false
}

// IsExpired reports now - lastModified > maxAge. Missing metadata is expired.
func IsExpired(now, lastModified time.Time, cacheControl string) bool {
	if lastModified.IsZero() {
		return true
	}
	maxAge, ok := MaxAge(cacheControl)
	if !ok {
		return true
	}
	return now.Sub(lastModified) > maxAge
}
