package awsign

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// excludedHeaders are never signed: they are connection-management or
// otherwise non-reproducible between signer and verifier.
var excludedHeaders = map[string]struct{}{
	"authorization":       {},
	"connection":          {},
	"expect":              {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"user-agent":          {},
	"x-amzn-trace-id":     {},
}

// requiredSignedHeaders are synthesized during canonicalization and cannot be
// opted out of through Config.SignHeader.
var requiredSignedHeaders = map[string]struct{}{
	"x-amz-date":           {},
	"x-amz-security-token": {},
	"x-amz-content-sha256": {},
	"x-amz-region-set":     {},
}

// canonicalRequest is the deterministic representation of a request that the
// signature is computed over. headers is the detached copy carrying the
// synthesized entries; it is applied back onto the request only after the
// whole signing computation succeeds.
type canonicalRequest struct {
	method        string
	uri           string
	query         string
	headersBlock  string
	signedHeaders string
	payloadHash   string
	raw           string
	hash          string

	headers http.Header
}

type canonicalParams struct {
	algorithm Algorithm
	time      signingTime
	creds     Credentials
	scope     scope
	regionSet string

	payloadHash   string
	contentLength int64

	doubleEncode  bool
	normalizePath bool

	omitSessionToken  bool
	payloadHashHeader bool
	signHeader        func(name string) bool

	presign bool
	expires time.Duration

	// extra headers staged for the detached copy (aws-chunked framing
	// headers); the original request stays untouched until mutation time.
	extra http.Header
}

func buildCanonicalRequest(req *http.Request, p canonicalParams) *canonicalRequest {
	headers := req.Header.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	for k, vs := range p.extra {
		headers[k] = vs
	}
	query := req.URL.Query()

	host := hostValue(req)

	if p.presign {
		query.Set(queryAmzAlgorithm, p.algorithm.token())
		query.Set(queryAmzCredential, p.creds.AccessKeyID+"/"+p.scope.String())
		query.Set(queryAmzDate, p.time.amzDate)
		if p.expires > 0 {
			query.Set(queryAmzExpires, strconv.FormatInt(int64(p.expires/time.Second), 10))
		}
		if p.creds.SessionToken != "" && !p.omitSessionToken {
			query.Set(queryAmzSecurityToken, p.creds.SessionToken)
		}
		if p.regionSet != "" {
			query.Set(queryAmzRegionSet, p.regionSet)
		}
	} else {
		headers.Set(amzDateHeader, p.time.amzDate)
		if p.creds.SessionToken != "" && !p.omitSessionToken {
			headers.Set(amzSecurityTokenHeader, p.creds.SessionToken)
		}
		if p.regionSet != "" {
			headers.Set(amzRegionSetHeader, p.regionSet)
		}
		if p.payloadHashHeader {
			headers.Set(amzContentSHA256Header, p.payloadHash)
		}
	}

	names, values := selectHeaders(headers, host, p.contentLength, p.signHeader)
	signedHeaders := strings.Join(names, ";")

	if p.presign {
		query.Set(queryAmzSignedHeaders, signedHeaders)
	}

	cr := &canonicalRequest{
		method:        req.Method,
		uri:           canonicalURI(req.URL, p.normalizePath, p.doubleEncode),
		query:         canonicalQueryString(query),
		headersBlock:  canonicalHeaderBlock(names, values),
		signedHeaders: signedHeaders,
		payloadHash:   p.payloadHash,
		headers:       headers,
	}

	// The headers block already ends with a newline, so joining leaves the
	// required blank line before the signed-headers list.
	cr.raw = strings.Join([]string{
		cr.method,
		cr.uri,
		cr.query,
		cr.headersBlock,
		cr.signedHeaders,
		cr.payloadHash,
	}, "\n")

	sum := sha256.Sum256([]byte(cr.raw))
	cr.hash = hex.EncodeToString(sum[:])

	return cr
}

// selectHeaders picks the headers entering the signature: host and a known
// content length always, everything else subject to the exclusion list and
// the caller predicate. Keys are walked in sorted order so that values merged
// under one lower-cased name retain a deterministic order.
func selectHeaders(h http.Header, host string, contentLength int64, pred func(string) bool) ([]string, map[string][]string) {
	values := map[string][]string{
		"host": {host},
	}
	if contentLength > 0 {
		values["content-length"] = []string{strconv.FormatInt(contentLength, 10)}
	}

	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := strings.ToLower(k)
		if name == "host" || name == "content-length" {
			continue
		}
		if _, excluded := excludedHeaders[name]; excluded {
			continue
		}
		if _, required := requiredSignedHeaders[name]; !required && pred != nil && !pred(name) {
			continue
		}
		values[name] = append(values[name], h[k]...)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, values
}

func canonicalHeaderBlock(names []string, values map[string][]string) string {
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		for i, v := range values[name] {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(trimHeaderValue(v))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// trimHeaderValue trims surrounding whitespace and collapses internal runs of
// spaces and tabs to a single space, leaving quoted strings intact.
func trimHeaderValue(v string) string {
	v = strings.Trim(v, " \t")

	var b strings.Builder
	b.Grow(len(v))

	var inQuotes, pendingSpace bool
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '"' {
			inQuotes = !inQuotes
		}
		if (c == ' ' || c == '\t') && !inQuotes {
			pendingSpace = true
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteByte(c)
	}

	return b.String()
}

// canonicalURI renders the request path. The escaped form is taken verbatim;
// the optional second encoding pass covers services that decode the path once
// before verifying the signature.
func canonicalURI(u *url.URL, normalize, doubleEncode bool) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if normalize {
		p = normalizeURIPath(p)
	}
	if doubleEncode {
		p = uriEncode(p, false)
	}
	return p
}

func normalizeURIPath(p string) string {
	trailingSlash := strings.HasSuffix(p, "/")

	p = path.Clean(p)
	if p == "." {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if trailingSlash && !strings.HasSuffix(p, "/") {
		p += "/"
	}

	return p
}

// canonicalQueryString percent-encodes every key/value pair and sorts the
// pairs by encoded key, then encoded value. A key with no value renders as
// "key=".
func canonicalQueryString(query url.Values) string {
	type pair struct {
		key, value string
	}

	var pairs []pair
	for k, vs := range query {
		ek := uriEncode(k, true)
		if len(vs) == 0 {
			pairs = append(pairs, pair{key: ek})
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, pair{key: ek, value: uriEncode(v, true)})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(p.value)
	}

	return b.String()
}

const upperhex = "0123456789ABCDEF"

// uriEncode percent-encodes every byte outside the RFC 3986 unreserved set,
// using uppercase hex. Slashes are kept literal in paths so that segments are
// encoded independently.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xF])
		}
	}
	return b.String()
}

// hostValue synthesizes the canonical host header value, dropping the port
// only when it is the default for the scheme.
func hostValue(req *http.Request) string {
	host := req.URL.Host
	if req.Host != "" {
		host = req.Host
	}

	if i := strings.LastIndexByte(host, ':'); i > strings.LastIndexByte(host, ']') {
		port := host[i+1:]
		if (port == "80" && req.URL.Scheme == "http") || (port == "443" && req.URL.Scheme == "https") {
			return host[:i]
		}
	}

	return host
}
