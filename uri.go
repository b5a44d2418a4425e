package coap

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotAbsolute and ErrHasFragment are returned by URIToOptions per
// RFC 7252 §6.4: only absolute, fragmentless URIs are representable.
var (
	ErrNotAbsolute = errors.New("coap: uri must be absolute")
	ErrHasFragment = errors.New("coap: uri must not have a fragment")
)

// Scheme describes one of the six CoAP URI schemes (spec.md §4.A).
type Scheme struct {
	Name        string
	DefaultPort int
	Transport   string // "udp", "tcp", or "ws"
	Secure      bool
}

var schemes = map[string]Scheme{
	"coap":       {Name: "coap", DefaultPort: 5683, Transport: "udp", Secure: false},
	"coaps":      {Name: "coaps", DefaultPort: 5684, Transport: "udp", Secure: true},
	"coap+tcp":   {Name: "coap+tcp", DefaultPort: 5683, Transport: "tcp", Secure: false},
	"coaps+tcp":  {Name: "coaps+tcp", DefaultPort: 5684, Transport: "tcp", Secure: true},
	"coap+ws":    {Name: "coap+ws", DefaultPort: 80, Transport: "ws", Secure: false},
	"coaps+ws":   {Name: "coaps+ws", DefaultPort: 443, Transport: "ws", Secure: true},
}

// LookupScheme returns the scheme descriptor for a CoAP URI scheme name.
func LookupScheme(name string) (Scheme, bool) {
	s, ok := schemes[strings.ToLower(name)]
	return s, ok
}

// URIToOptions decomposes an absolute, fragmentless URI into the
// Uri-Host/Uri-Port/Uri-Path/Uri-Query options to attach to a request,
// per RFC 7252 §6.4. destHost/destPort are the endpoint the request is
// actually being sent to; Uri-Host/Uri-Port are only emitted when they
// would differ from that destination (or forceHost is set).
func URIToOptions(raw string, destHost string, destPort int, forceHost bool) (Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "coap: invalid uri")
	}
	if !u.IsAbs() {
		return nil, ErrNotAbsolute
	}
	if u.Fragment != "" {
		return nil, ErrHasFragment
	}

	scheme, ok := LookupScheme(u.Scheme)
	if !ok {
		return nil, errors.Errorf("coap: unknown scheme %q", u.Scheme)
	}

	host := u.Hostname()
	port := scheme.DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrap(err, "coap: invalid port")
		}
	}

	var opts Options
	if forceHost || !strings.EqualFold(host, destHost) {
		opts = append(opts, Option{ID: URIHost, Value: host})
	}
	if port != destPort {
		opts = append(opts, Option{ID: URIPort, Value: uint32(port)})
	}

	for _, seg := range strings.Split(strings.Trim(u.EscapedPath(), "/"), "/") {
		if seg == "" {
			continue
		}
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return nil, errors.Wrap(err, "coap: invalid path segment")
		}
		opts = append(opts, Option{ID: URIPath, Value: decoded})
	}

	if u.RawQuery != "" {
		for _, kv := range strings.Split(u.RawQuery, "&") {
			decoded, err := url.QueryUnescape(kv)
			if err != nil {
				return nil, errors.Wrap(err, "coap: invalid query parameter")
			}
			opts = append(opts, Option{ID: URIQuery, Value: decoded})
		}
	}

	return opts, nil
}

// OptionsToURI recomposes a URI from a message's options and the
// endpoint defaults, per RFC 7252 §6.5. Path segments are %2F-escaped
// individually so an embedded "/" in a segment is not mistaken for a
// path separator; an empty path renders as "/".
func OptionsToURI(scheme Scheme, opts Options, defaultHost string, defaultPort int) string {
	host := defaultHost
	if v, ok := opts.GetFirst(URIHost); ok {
		host = v.(string)
	}
	port := defaultPort
	if v, ok := opts.GetFirst(URIPort); ok {
		port = int(decodeOptionIntValue(v))
	}

	u := url.URL{Scheme: scheme.Name, Host: host}
	if port != scheme.DefaultPort {
		u.Host = host + ":" + strconv.Itoa(port)
	}

	var segs, rawSegs []string
	for _, v := range opts.Get(URIPath) {
		segs = append(segs, v.(string))
		rawSegs = append(rawSegs, url.PathEscape(v.(string)))
	}
	if len(segs) == 0 {
		u.Path = "/"
	} else {
		u.RawPath = "/" + strings.Join(rawSegs, "/")
		u.Path = "/" + strings.Join(segs, "/")
	}

	var queries []string
	for _, v := range opts.Get(URIQuery) {
		queries = append(queries, v.(string))
	}
	if len(queries) > 0 {
		u.RawQuery = strings.Join(queries, "&")
	}

	return u.String()
}

func decodeOptionIntValue(v interface{}) uint32 {
	switch n := v.(type) {
	case uint32:
		return n
	case MediaType:
		return uint32(n)
	default:
		return 0
	}
}
