package artifact

import (
	"encoding/json"
	"net/http"
)

// Kind names an artifact variant.
type Kind string

const (
	KindPage     Kind = "PAGE"
	KindAppPage  Kind = "APP_PAGE"
	KindRoute    Kind = "ROUTE"
	KindFetch    Kind = "FETCH"
	KindRedirect Kind = "REDIRECT"
)

// Extensions of every representation an artifact may have been stored with.
const (
	ExtHTML = "html"
	ExtJSON = "json"
	ExtRSC  = "rsc"
	ExtMeta = "meta"
	ExtBody = "body"
)

// KnownExtensions is the set deletion enumerates for a storage prefix.
var KnownExtensions = []string{ExtHTML, ExtJSON, ExtRSC, ExtMeta, ExtBody}

// Representation is one stored object of an artifact.
type Representation struct {
	Ext         string
	ContentType string
	Body        []byte
}

// Value is a render result. The set of implementations is closed: each one
// lists its own representations, and Redirect lists none.
type Value interface {
	Kind() Kind
	representations() ([]Representation, error)
}

// Page is a pages-router render: the HTML document plus its props JSON.
type Page struct {
	HTML     []byte
	PageData []byte
}

// AppPage is an app-router render with its server-component payload.
type AppPage struct {
	HTML   []byte
	RSC    []byte
	Status int
	Header http.Header
}

// Route is a custom route handler response.
type Route struct {
	Body        []byte
	Status      int
	ContentType string
	Header      http.Header
}

// Fetch is a cached data-fetch result.
type Fetch struct {
	Data []byte
}

// Redirect is never stored.
type Redirect struct {
	Location string
	Status   int
}

func (Page) Kind() Kind     { return KindPage }
func (AppPage) Kind() Kind  { return KindAppPage }
func (Route) Kind() Kind    { return KindRoute }
func (Fetch) Kind() Kind    { return KindFetch }
func (Redirect) Kind() Kind { return KindRedirect }

const (
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJSON = "application/json"
	contentTypeRSC  = "text/x-component"
)

func (p Page) representations() ([]Representation, error) {
	reps := []Representation{{Ext: ExtHTML, ContentType: contentTypeHTML, Body: p.HTML}}
	if p.PageData != nil {
		reps = append(reps, Representation{Ext: ExtJSON, ContentType: contentTypeJSON, Body: p.PageData})
	}
	return reps, nil
}

func (p AppPage) representations() ([]Representation, error) {
	meta, err := json.Marshal(responseMeta{Status: p.Status, Header: p.Header})
	if err != nil {
		return nil, err
	}
	reps := []Representation{{Ext: ExtHTML, ContentType: contentTypeHTML, Body: p.HTML}}
	if p.RSC != nil {
		reps = append(reps, Representation{Ext: ExtRSC, ContentType: contentTypeRSC, Body: p.RSC})
	}
	return append(reps, Representation{Ext: ExtMeta, ContentType: contentTypeJSON, Body: meta}), nil
}

func (r Route) representations() ([]Representation, error) {
	meta, err := json.Marshal(responseMeta{Status: r.Status, Header: r.Header})
	if err != nil {
		return nil, err
	}
	ct := r.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return []Representation{
		{Ext: ExtBody, ContentType: ct, Body: r.Body},
		{Ext: ExtMeta, ContentType: contentTypeJSON, Body: meta},
	}, nil
}

func (f Fetch) representations() ([]Representation, error) {
	return []Representation{{Ext: ExtJSON, ContentType: contentTypeJSON, Body: f.Data}}, nil
}

func (Redirect) representations() ([]Representation, error) { return nil, nil }

// responseMeta is the ".meta" object stored next to app pages and routes.
type responseMeta struct {
	Status int         `json:"status,omitempty"`
	Header http.Header `json:"headers,omitempty"`
}

// Representations returns the objects v would be stored as.
func Representations(v Value) ([]Representation, error) {
	if v == nil {
		return nil, nil
	}
	return v.representations()
}
