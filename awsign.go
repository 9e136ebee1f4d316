// Package awsign implements AWS Signature Version 4 and 4a request signing:
// canonicalization of HTTP requests, HMAC-SHA256 and ECDSA-P256-SHA256
// signature calculation, Authorization-header and presigned-URL placement,
// and aws-chunked body framing with chained per-chunk signatures.
//
// The package signs requests; it does not send them, and it does not resolve
// credentials beyond calling the supplied CredentialsProvider.
package awsign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotImplemented = errors.New("not implemented")

	ErrInvalidConfig    = errors.New("invalid signer configuration")
	ErrEmptyCredentials = errors.New("empty credentials")

	ErrPayloadHashMalformed = errors.New("payload hash malformed")
	ErrBodyNotReplayable    = errors.New("request body not replayable")
	ErrDecodedLengthUnknown = errors.New("decoded content length unknown")

	ErrKeyDerivationExhausted = errors.New("key derivation candidates exhausted")
)

const (
	authorizationHeader     = "Authorization"
	amzDateHeader           = "X-Amz-Date"
	amzContentSHA256Header  = "X-Amz-Content-Sha256"
	amzSecurityTokenHeader  = "X-Amz-Security-Token"
	amzRegionSetHeader      = "X-Amz-Region-Set"
	amzDecodedLengthHeader  = "X-Amz-Decoded-Content-Length"
	amzTrailerHeader        = "X-Amz-Trailer"
	contentEncodingHeader   = "Content-Encoding"
	contentLengthHeader     = "Content-Length"

	queryAmzAlgorithm     = "X-Amz-Algorithm"
	queryAmzCredential    = "X-Amz-Credential"
	queryAmzDate          = "X-Amz-Date"
	queryAmzExpires       = "X-Amz-Expires"
	queryAmzSignedHeaders = "X-Amz-SignedHeaders"
	queryAmzSignature     = "X-Amz-Signature"
	queryAmzSecurityToken = "X-Amz-Security-Token"
	queryAmzRegionSet     = "X-Amz-Region-Set"

	awsChunkedEncoding = "aws-chunked"

	timeFormat      = "20060102T150405Z"
	shortTimeFormat = "20060102"

	// emptyStringSHA256 is the hex encoded SHA-256 of zero bytes.
	emptyStringSHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// Algorithm selects the signature algorithm applied by a Signer.
type Algorithm int

const (
	// AlgorithmSigV4 is symmetric HMAC-SHA256 signing (AWS4-HMAC-SHA256).
	AlgorithmSigV4 Algorithm = iota
	// AlgorithmSigV4A is asymmetric ECDSA signing over P-256
	// (AWS4-ECDSA-P256-SHA256) with a region set instead of a single region.
	AlgorithmSigV4A
)

func (a Algorithm) token() string {
	switch a {
	case AlgorithmSigV4:
		return "AWS4-HMAC-SHA256"
	case AlgorithmSigV4A:
		return "AWS4-ECDSA-P256-SHA256"
	default:
		return ""
	}
}

func (a Algorithm) valid() bool {
	return a == AlgorithmSigV4 || a == AlgorithmSigV4A
}

// Credentials is a single set of AWS security credentials.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

func (c Credentials) empty() bool {
	return c.AccessKeyID == "" || c.SecretAccessKey == ""
}

// CredentialsProvider resolves credentials for a signing operation. Retrieve
// may perform I/O (e.g. an IMDS or STS round trip) and must honor ctx.
type CredentialsProvider interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

// StaticCredentialsProvider returns a fixed set of credentials.
type StaticCredentialsProvider struct {
	Value Credentials
}

func (p StaticCredentialsProvider) Retrieve(context.Context) (Credentials, error) {
	if p.Value.empty() {
		return Credentials{}, fmt.Errorf("%w: static provider has no access key or secret", ErrEmptyCredentials)
	}
	return p.Value, nil
}

// Config describes a Signer. All fields are fixed at NewSigner time.
type Config struct {
	// Region scopes SigV4 signatures. Required for AlgorithmSigV4.
	Region string

	// Service is the AWS service name the signature is scoped to.
	Service string

	// RegionSet scopes SigV4A signatures. Defaults to ["*"].
	RegionSet []string

	// Credentials supplies the signing credentials.
	Credentials CredentialsProvider

	// Algorithm selects SigV4 or SigV4A. Defaults to SigV4.
	Algorithm Algorithm

	// DisableDoubleURIEncode turns off the second percent-encoding pass over
	// the canonical path. Amazon S3 requires this to be set.
	DisableDoubleURIEncode bool

	// DisableNormalizePath keeps redundant path segments ("." and "..")
	// in the canonical path. Amazon S3 requires this to be set.
	DisableNormalizePath bool

	// OmitSessionToken signs the request without X-Amz-Security-Token and
	// attaches the token after the signature is computed.
	OmitSessionToken bool

	// AddPayloadHashHeader adds X-Amz-Content-Sha256 to header-signed
	// requests. Amazon S3 requires this to be set. Streaming payloads carry
	// the header regardless.
	AddPayloadHashHeader bool

	// SignHeader, when non-nil, is consulted with the lower-cased name of
	// every optional request header; returning false leaves the header
	// unsigned. Synthesized headers (host, x-amz-date, x-amz-security-token,
	// x-amz-content-sha256, x-amz-region-set) are always signed.
	SignHeader func(name string) bool

	// AllowUnreplayableBody permits aws-chunked framing of one-shot body
	// streams. A signing failure mid-stream cannot be retried then.
	AllowUnreplayableBody bool

	// ClockSkew is added to the wall clock when taking the signing timestamp.
	ClockSkew time.Duration

	// ChunkSize is the aws-chunked chunk size in bytes. Defaults to 64 KiB;
	// must be at least 8000 (the service minimum for non-final chunks).
	ChunkSize int
}

// Signer signs HTTP requests. A Signer is immutable and safe for concurrent
// use; every Sign call carries its own state.
type Signer struct {
	config Config

	now func() time.Time
}

// NewSigner validates config and returns a Signer.
func NewSigner(config Config) (*Signer, error) {
	if config.Credentials == nil {
		return nil, fmt.Errorf("%w: credentials provider is required", ErrInvalidConfig)
	}
	if config.Service == "" {
		return nil, fmt.Errorf("%w: service is required", ErrInvalidConfig)
	}
	if !config.Algorithm.valid() {
		return nil, fmt.Errorf("%w: unknown algorithm", ErrInvalidConfig)
	}
	if config.Algorithm == AlgorithmSigV4 && config.Region == "" {
		return nil, fmt.Errorf("%w: region is required", ErrInvalidConfig)
	}
	if config.Algorithm == AlgorithmSigV4A && len(config.RegionSet) == 0 {
		config.RegionSet = []string{"*"}
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = defaultChunkLength
	}
	if config.ChunkSize < chunkMinLength {
		return nil, fmt.Errorf("%w: chunk size %d below the %d-byte minimum", ErrInvalidConfig, config.ChunkSize, chunkMinLength)
	}

	return &Signer{
		config: config,
		now:    time.Now,
	}, nil
}

func (s *Signer) resolveCredentials(ctx context.Context) (Credentials, error) {
	creds, err := s.config.Credentials.Retrieve(ctx)
	if err != nil {
		return Credentials{}, err
	}
	if creds.empty() {
		return Credentials{}, fmt.Errorf("%w: provider returned no access key or secret", ErrEmptyCredentials)
	}
	return creds, nil
}

func (s *Signer) signingTime() signingTime {
	return newSigningTime(s.now().Add(s.config.ClockSkew))
}

func (s *Signer) regionSet() string {
	return strings.Join(s.config.RegionSet, ",")
}

// scope binds a signature to a day, an optional region and a service.
type scope struct {
	shortDate string
	region    string
	service   string
}

func (s scope) String() string {
	if s.region == "" { // SigV4A omits the region from the scope
		return s.shortDate + "/" + s.service + "/aws4_request"
	}
	return s.shortDate + "/" + s.region + "/" + s.service + "/aws4_request"
}

func (s *Signer) scope(t signingTime) scope {
	sc := scope{
		shortDate: t.shortDate,
		service:   s.config.Service,
	}
	if s.config.Algorithm == AlgorithmSigV4 {
		sc.region = s.config.Region
	}
	return sc
}

// signingTime caches the two timestamp renderings used throughout signing.
type signingTime struct {
	time.Time

	amzDate   string
	shortDate string
}

func newSigningTime(t time.Time) signingTime {
	t = t.UTC()
	return signingTime{
		Time:      t,
		amzDate:   t.Format(timeFormat),
		shortDate: t.Format(shortTimeFormat),
	}
}
