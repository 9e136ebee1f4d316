package awsign

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SignResult carries the computed seed signature and the signed-header list
// so upward callers can chain it (e.g. into event-stream signing).
type SignResult struct {
	Signature     string
	SignedHeaders string
}

// Sign computes a signature over req and mutates it in place: synthesized
// headers and the Authorization header are added, the query string is
// rewritten to its canonical form, and for streaming hash specifications the
// body is wrapped in aws-chunked framing. The request is mutated only once
// the whole computation has succeeded.
func (s *Signer) Sign(ctx context.Context, req *http.Request, hash HashSpec) (SignResult, error) {
	if err := hash.validate(); err != nil {
		return SignResult{}, err
	}

	creds, err := s.resolveCredentials(ctx)
	if err != nil {
		return SignResult{}, err
	}

	t := s.signingTime()
	sc := s.scope(t)

	payloadHash, err := hash.resolve(req, s.config.Algorithm)
	if err != nil {
		return SignResult{}, err
	}

	p := canonicalParams{
		algorithm:         s.config.Algorithm,
		time:              t,
		creds:             creds,
		scope:             sc,
		payloadHash:       payloadHash,
		contentLength:     req.ContentLength,
		doubleEncode:      !s.config.DisableDoubleURIEncode,
		normalizePath:     !s.config.DisableNormalizePath,
		omitSessionToken:  s.config.OmitSessionToken,
		payloadHashHeader: s.config.AddPayloadHashHeader,
		signHeader:        s.config.SignHeader,
	}
	if s.config.Algorithm == AlgorithmSigV4A {
		p.regionSet = s.regionSet()
	}

	var encodedLength int64
	if hash.streaming() {
		encodedLength, err = s.stageChunkedHeaders(req, hash, &p)
		if err != nil {
			return SignResult{}, err
		}
	}

	cr := buildCanonicalRequest(req, p)
	sts := stringToSign(s.config.Algorithm, t, sc, cr.hash)

	signature, key, err := s.calculate(creds, t, sc, sts)
	if err != nil {
		return SignResult{}, err
	}

	// Computation done; mutate the request.
	applyHeaders(req, cr.headers)
	req.Header.Set(authorizationHeader, buildAuthorizationHeader(
		s.config.Algorithm.token(),
		creds.AccessKeyID+"/"+sc.String(),
		cr.signedHeaders,
		signature,
	))
	req.URL.RawQuery = cr.query

	if s.config.OmitSessionToken && creds.SessionToken != "" {
		req.Header.Set(amzSecurityTokenHeader, creds.SessionToken)
	}

	if hash.streaming() {
		for k, vs := range p.extra { // staged values win over originals
			req.Header[k] = vs
		}
		var cs *ChunkSigner
		if hash.streamingSigned() {
			cs = &ChunkSigner{
				algorithm: s.config.Algorithm,
				scope:     sc,
				date:      t.amzDate,
				key:       key.hmac,
				private:   key.private,
				previous:  signature,
			}
		}
		req.Body = newChunkedReader(req.Body, cs, s.config.ChunkSize, hash.checksum)
		req.ContentLength = encodedLength
		req.GetBody = nil
	}

	return SignResult{Signature: signature, SignedHeaders: cr.signedHeaders}, nil
}

// stageChunkedHeaders stages the headers an aws-chunked body must carry into
// the canonicalization parameters and returns the encoded stream length,
// which becomes the signed Content-Length.
func (s *Signer) stageChunkedHeaders(req *http.Request, hash HashSpec, p *canonicalParams) (int64, error) {
	if hash.streamingSigned() && s.config.Algorithm == AlgorithmSigV4A {
		// ECDSA chunk signatures have no fixed width, so the encoded
		// Content-Length cannot be precomputed.
		return 0, fmt.Errorf("aws-chunked framing with ECDSA chunk signatures: %w", ErrNotImplemented)
	}
	if req.Body == nil || req.ContentLength < 0 {
		return 0, fmt.Errorf("%w: aws-chunked framing needs a body with a known length", ErrDecodedLengthUnknown)
	}
	if req.GetBody == nil && !isSeeker(req.Body) && !s.config.AllowUnreplayableBody {
		return 0, fmt.Errorf("%w: one-shot stream cannot be re-sent after a mid-stream failure", ErrBodyNotReplayable)
	}

	encodedLength := encodedContentLength(req.ContentLength, s.config.ChunkSize, hash.streamingSigned(), hash.checksum)

	extra := make(http.Header)
	if enc := req.Header.Get(contentEncodingHeader); enc != "" {
		extra.Set(contentEncodingHeader, awsChunkedEncoding+","+enc)
	} else {
		extra.Set(contentEncodingHeader, awsChunkedEncoding)
	}
	extra.Set(amzDecodedLengthHeader, strconv.FormatInt(req.ContentLength, 10))
	if hash.checksum != ChecksumNone {
		extra.Set(amzTrailerHeader, hash.checksum.headerName())
	}

	p.extra = extra
	p.contentLength = encodedLength
	// Streaming payloads always announce themselves in the hash header.
	p.payloadHashHeader = true

	return encodedLength, nil
}

func isSeeker(r io.Reader) bool {
	_, ok := r.(io.Seeker)
	return ok
}

// Presign computes a query-parameter signature against a copy of req and
// returns the presigned URL together with the headers the eventual caller of
// that URL must send. The original request is left untouched.
func (s *Signer) Presign(ctx context.Context, req *http.Request, hash HashSpec, expires time.Duration) (string, http.Header, error) {
	if err := hash.validate(); err != nil {
		return "", nil, err
	}
	if hash.streaming() {
		return "", nil, fmt.Errorf("%w: streaming payloads cannot be presigned", ErrPayloadHashMalformed)
	}
	if expires < 0 {
		return "", nil, fmt.Errorf("%w: negative expiry", ErrInvalidConfig)
	}

	creds, err := s.resolveCredentials(ctx)
	if err != nil {
		return "", nil, err
	}

	t := s.signingTime()
	sc := s.scope(t)

	payloadHash, err := hash.resolve(req, s.config.Algorithm)
	if err != nil {
		return "", nil, err
	}

	p := canonicalParams{
		algorithm:        s.config.Algorithm,
		time:             t,
		creds:            creds,
		scope:            sc,
		payloadHash:      payloadHash,
		contentLength:    req.ContentLength,
		doubleEncode:     !s.config.DisableDoubleURIEncode,
		normalizePath:    !s.config.DisableNormalizePath,
		omitSessionToken: s.config.OmitSessionToken,
		signHeader:       s.config.SignHeader,
		presign:          true,
		expires:          expires,
	}
	if s.config.Algorithm == AlgorithmSigV4A {
		p.regionSet = s.regionSet()
	}

	cr := buildCanonicalRequest(req, p)
	sts := stringToSign(s.config.Algorithm, t, sc, cr.hash)

	signature, _, err := s.calculate(creds, t, sc, sts)
	if err != nil {
		return "", nil, err
	}

	signedURL := *req.URL
	rawQuery := cr.query + "&" + queryAmzSignature + "=" + signature
	if s.config.OmitSessionToken && creds.SessionToken != "" {
		rawQuery += "&" + queryAmzSecurityToken + "=" + uriEncode(creds.SessionToken, true)
	}
	signedURL.RawQuery = rawQuery

	signedHeaders := make(http.Header)
	for _, name := range strings.Split(cr.signedHeaders, ";") {
		switch name {
		case "host":
		case "content-length":
			signedHeaders.Set(contentLengthHeader, strconv.FormatInt(req.ContentLength, 10))
		default:
			signedHeaders[http.CanonicalHeaderKey(name)] = cr.headers.Values(name)
		}
	}

	return signedURL.String(), signedHeaders, nil
}

// derivedKey is the signing key in whichever form the algorithm uses.
type derivedKey struct {
	hmac    []byte
	private *ecdsa.PrivateKey
}

func (s *Signer) calculate(creds Credentials, t signingTime, sc scope, stringToSign string) (string, derivedKey, error) {
	switch s.config.Algorithm {
	case AlgorithmSigV4A:
		private, err := deriveECDSAKey(creds.AccessKeyID, creds.SecretAccessKey)
		if err != nil {
			return "", derivedKey{}, err
		}
		signature, err := signECDSA(private, stringToSign)
		if err != nil {
			return "", derivedKey{}, err
		}
		return signature, derivedKey{private: private}, nil
	default:
		key := signingKeyHMACSHA256(creds.SecretAccessKey, t.shortDate, sc.region, sc.service)
		return hex.EncodeToString(hmacSHA256(key, stringToSign)), derivedKey{hmac: key}, nil
	}
}

func stringToSign(a Algorithm, t signingTime, sc scope, canonicalHash string) string {
	return strings.Join([]string{
		a.token(),
		t.amzDate,
		sc.String(),
		canonicalHash,
	}, "\n")
}

// signingKeyHMACSHA256 derives the SigV4 signing key; each step's output is
// the next step's key.
func signingKeyHMACSHA256(secret, shortDate, region, service string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secret), shortDate)
	dateRegionKey := hmacSHA256(dateKey, region)
	dateRegionServiceKey := hmacSHA256(dateRegionKey, service)
	return hmacSHA256(dateRegionServiceKey, "aws4_request")
}

func hmacSHA256(key []byte, s string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(s))
	return h.Sum(nil)
}

func sha256Hash(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	return h.Sum(nil)
}

func buildAuthorizationHeader(algorithm, credential, signedHeaders, signature string) string {
	var b strings.Builder
	b.WriteString(algorithm)
	b.WriteString(" Credential=")
	b.WriteString(credential)
	b.WriteString(", SignedHeaders=")
	b.WriteString(signedHeaders)
	b.WriteString(", Signature=")
	b.WriteString(signature)
	return b.String()
}

// applyHeaders copies the canonicalized header set back onto the request.
// headers is a clone of the request's own headers plus the synthesized ones,
// so overwriting is lossless; on re-signing it replaces the previous pass's
// X-Amz-Date and friends with the fresh values the signature covers.
func applyHeaders(req *http.Request, headers http.Header) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
}
