package artifact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheControl(t *testing.T) {
	assert.Equal(t, "s-maxage=60, stale-while-revalidate=31535940", CacheControl(60))
	assert.Equal(t, "s-maxage=31536000, stale-while-revalidate=0", CacheControl(Ceiling+5))
}

func TestMaxAge(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"s-maxage=100", 100 * time.Second, true},
		{"max-age=5, s-maxage=100", 100 * time.Second, true},
		{"public, max-age=30", 30 * time.Second, true},
		{`S-MaxAge="7"`, 7 * time.Second, true},
		{"no-cache", 0, false},
		{"s-maxage=abc", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := MaxAge(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.True(t, IsExpired(now, now.Add(-150*time.Second), "s-maxage=100"))
	assert.False(t, IsExpired(now, now.Add(-50*time.Second), "s-maxage=100"))
	assert.False(t, IsExpired(now, now.Add(-100*time.Second), "s-maxage=100"))
	assert.True(t, IsExpired(now, time.Time{}, "s-maxage=100"))
	assert.True(t, IsExpired(now, now, ""))
}

func TestNoStore(t *testing.T) {
	assert.True(t, NoStore("private, max-age=0"))
	assert.True(t, NoStore("no-store"))
	assert.False(t, NoStore("s-maxage=10"))
}

func TestRepresentations(t *testing.T) {
	reps, err := Representations(Page{HTML: []byte("h")})
	assert.NoError(t, err)
	assert.Len(t, reps, 1)

	reps, err = Representations(Route{Body: []byte("ok"), Status: 201})
	assert.NoError(t, err)
	assert.Equal(t, ExtBody, reps[0].Ext)
	assert.Equal(t, "application/octet-stream", reps[0].ContentType)
	assert.JSONEq(t, `{"status":201}`, string(reps[1].Body))

	reps, err = Representations(Fetch{Data: []byte("{}")})
	assert.NoError(t, err)
	assert.Equal(t, ExtJSON, reps[0].Ext)

	reps, err = Representations(Redirect{Location: "/"})
	assert.NoError(t, err)
	assert.Empty(t, reps)
}
