package awsign

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/zeebo/assert"
)

func dummyNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testCredentials = Credentials{
	AccessKeyID:     "AKIDEXAMPLE",
	SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
}

func newTestSigner(t *testing.T, config Config) *Signer {
	if config.Credentials == nil {
		config.Credentials = StaticCredentialsProvider{Value: testCredentials}
	}
	s, err := NewSigner(config)
	assert.NoError(t, err)
	return s
}

type failingProvider struct{}

func (failingProvider) Retrieve(context.Context) (Credentials, error) {
	return Credentials{}, errors.New("provider unavailable")
}

// onlyReader hides every interface of the wrapped reader but Read.
type onlyReader struct {
	io.Reader
}

func TestNewSigner(t *testing.T) {
	t.Run("missing provider", func(t *testing.T) {
		_, err := NewSigner(Config{Region: "us-east-1", Service: "iam"})
		assert.That(t, errors.Is(err, ErrInvalidConfig))
	})
	t.Run("missing service", func(t *testing.T) {
		_, err := NewSigner(Config{
			Region:      "us-east-1",
			Credentials: StaticCredentialsProvider{Value: testCredentials},
		})
		assert.That(t, errors.Is(err, ErrInvalidConfig))
	})
	t.Run("missing region", func(t *testing.T) {
		_, err := NewSigner(Config{
			Service:     "iam",
			Credentials: StaticCredentialsProvider{Value: testCredentials},
		})
		assert.That(t, errors.Is(err, ErrInvalidConfig))
	})
	t.Run("region not required for ecdsa", func(t *testing.T) {
		s, err := NewSigner(Config{
			Service:     "s3",
			Algorithm:   AlgorithmSigV4A,
			Credentials: StaticCredentialsProvider{Value: testCredentials},
		})
		assert.NoError(t, err)
		assert.DeepEqual(t, []string{"*"}, s.config.RegionSet)
	})
	t.Run("chunk size below minimum", func(t *testing.T) {
		_, err := NewSigner(Config{
			Region:      "us-east-1",
			Service:     "s3",
			ChunkSize:   1024,
			Credentials: StaticCredentialsProvider{Value: testCredentials},
		})
		assert.That(t, errors.Is(err, ErrInvalidConfig))
	})
}

func TestSign(t *testing.T) {
	signedAt := time.Date(2015, time.August, 30, 12, 36, 0, 0, time.UTC)

	newRequest := func(t *testing.T) *http.Request {
		req, err := http.NewRequest(http.MethodGet, "https://iam.amazonaws.com/?Action=ListUsers&Version=2010-05-08", nil)
		assert.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
		return req
	}

	t.Run("reference request", func(t *testing.T) {
		s := newTestSigner(t, Config{Region: "us-east-1", Service: "iam"})
		s.now = dummyNow(signedAt)

		req := newRequest(t)
		res, err := s.Sign(context.Background(), req, HashPayload())
		assert.NoError(t, err)

		assert.Equal(t, "5d672d79c15b13162d9279b0855cfba6789a8edb4c82c400e06b5924a6f2b5d7", res.Signature)
		assert.Equal(t, "content-type;host;x-amz-date", res.SignedHeaders)
		assert.Equal(t,
			"AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20150830/us-east-1/iam/aws4_request, "+
				"SignedHeaders=content-type;host;x-amz-date, "+
				"Signature=5d672d79c15b13162d9279b0855cfba6789a8edb4c82c400e06b5924a6f2b5d7",
			req.Header.Get("Authorization"))
		assert.Equal(t, "20150830T123600Z", req.Header.Get("X-Amz-Date"))
		assert.Equal(t, "Action=ListUsers&Version=2010-05-08", req.URL.RawQuery)
	})
	t.Run("deterministic", func(t *testing.T) {
		s := newTestSigner(t, Config{Region: "us-east-1", Service: "iam"})
		s.now = dummyNow(signedAt)

		first, second := newRequest(t), newRequest(t)
		_, err := s.Sign(context.Background(), first, HashPayload())
		assert.NoError(t, err)
		_, err = s.Sign(context.Background(), second, HashPayload())
		assert.NoError(t, err)

		assert.Equal(t, first.Header.Get("Authorization"), second.Header.Get("Authorization"))
	})
	t.Run("re-signing refreshes the synthesized headers", func(t *testing.T) {
		s := newTestSigner(t, Config{Region: "us-east-1", Service: "iam"})
		s.now = dummyNow(signedAt)

		req := newRequest(t)
		_, err := s.Sign(context.Background(), req, HashPayload())
		assert.NoError(t, err)
		assert.Equal(t, "20150830T123600Z", req.Header.Get("X-Amz-Date"))

		// Retry a minute later: the request must carry the fresh timestamp
		// and a signature computed over it, not the first pass's values.
		s.now = dummyNow(signedAt.Add(time.Minute))
		_, err = s.Sign(context.Background(), req, HashPayload())
		assert.NoError(t, err)
		assert.Equal(t, "20150830T123700Z", req.Header.Get("X-Amz-Date"))

		fresh := newRequest(t)
		_, err = s.Sign(context.Background(), fresh, HashPayload())
		assert.NoError(t, err)
		assert.Equal(t, fresh.Header.Get("Authorization"), req.Header.Get("Authorization"))
	})
	t.Run("payload hash header", func(t *testing.T) {
		s := newTestSigner(t, Config{Region: "us-east-1", Service: "iam", AddPayloadHashHeader: true})
		s.now = dummyNow(signedAt)

		req := newRequest(t)
		res, err := s.Sign(context.Background(), req, HashPayload())
		assert.NoError(t, err)

		assert.Equal(t, emptyStringSHA256, req.Header.Get("X-Amz-Content-Sha256"))
		assert.That(t, strings.Contains(res.SignedHeaders, "x-amz-content-sha256"))
	})
	t.Run("session token is signed", func(t *testing.T) {
		creds := testCredentials
		creds.SessionToken = "AQoDYXdzEPT//////////wEXAMPLE"

		s := newTestSigner(t, Config{
			Region:      "us-east-1",
			Service:     "iam",
			Credentials: StaticCredentialsProvider{Value: creds},
		})
		s.now = dummyNow(signedAt)

		req := newRequest(t)
		res, err := s.Sign(context.Background(), req, HashPayload())
		assert.NoError(t, err)

		assert.Equal(t, creds.SessionToken, req.Header.Get("X-Amz-Security-Token"))
		assert.That(t, strings.Contains(res.SignedHeaders, "x-amz-security-token"))
	})
	t.Run("omitted session token is attached unsigned", func(t *testing.T) {
		creds := testCredentials
		creds.SessionToken = "AQoDYXdzEPT//////////wEXAMPLE"

		s := newTestSigner(t, Config{
			Region:           "us-east-1",
			Service:          "iam",
			OmitSessionToken: true,
			Credentials:      StaticCredentialsProvider{Value: creds},
		})
		s.now = dummyNow(signedAt)

		req := newRequest(t)
		res, err := s.Sign(context.Background(), req, HashPayload())
		assert.NoError(t, err)

		assert.Equal(t, creds.SessionToken, req.Header.Get("X-Amz-Security-Token"))
		assert.That(t, !strings.Contains(res.SignedHeaders, "x-amz-security-token"))
	})
	t.Run("signed headers round-trip through the header", func(t *testing.T) {
		s := newTestSigner(t, Config{Region: "us-east-1", Service: "iam"})
		s.now = dummyNow(signedAt)

		req := newRequest(t)
		res, err := s.Sign(context.Background(), req, HashPayload())
		assert.NoError(t, err)

		authorization := req.Header.Get("Authorization")
		_, rest, found := strings.Cut(authorization, "SignedHeaders=")
		assert.That(t, found)
		list, _, found := strings.Cut(rest, ",")
		assert.That(t, found)
		assert.Equal(t, res.SignedHeaders, list)
	})
	t.Run("precomputed hash must be well-formed", func(t *testing.T) {
		s := newTestSigner(t, Config{Region: "us-east-1", Service: "iam"})

		_, err := s.Sign(context.Background(), newRequest(t), HashPrecomputed("nothex"))
		assert.That(t, errors.Is(err, ErrPayloadHashMalformed))
	})
	t.Run("one-shot body cannot be hashed", func(t *testing.T) {
		s := newTestSigner(t, Config{Region: "us-east-1", Service: "iam"})

		req := newRequest(t)
		req.Method = http.MethodPost
		req.Body = io.NopCloser(onlyReader{strings.NewReader("payload")})
		req.GetBody = nil
		req.ContentLength = 7

		_, err := s.Sign(context.Background(), req, HashPayload())
		assert.That(t, errors.Is(err, ErrBodyNotReplayable))
	})
	t.Run("failed signing leaves the request untouched", func(t *testing.T) {
		s := newTestSigner(t, Config{
			Region:      "us-east-1",
			Service:     "iam",
			Credentials: failingProvider{},
		})
		s.now = dummyNow(signedAt)

		req := newRequest(t)
		_, err := s.Sign(context.Background(), req, HashPayload())
		assert.Error(t, err)

		assert.Equal(t, "", req.Header.Get("Authorization"))
		assert.Equal(t, "", req.Header.Get("X-Amz-Date"))
		assert.Equal(t, "Action=ListUsers&Version=2010-05-08", req.URL.RawQuery)
	})
	t.Run("clock skew shifts the timestamp", func(t *testing.T) {
		s := newTestSigner(t, Config{Region: "us-east-1", Service: "iam", ClockSkew: time.Hour})
		s.now = dummyNow(signedAt)

		req := newRequest(t)
		_, err := s.Sign(context.Background(), req, HashPayload())
		assert.NoError(t, err)

		assert.Equal(t, "20150830T133600Z", req.Header.Get("X-Amz-Date"))
	})
	t.Run("body hashing does not consume the body", func(t *testing.T) {
		s := newTestSigner(t, Config{Region: "us-east-1", Service: "iam"})
		s.now = dummyNow(signedAt)

		req, err := http.NewRequest(http.MethodPost, "https://iam.amazonaws.com/", strings.NewReader("Action=ListUsers&Version=2010-05-08"))
		assert.NoError(t, err)

		_, err = s.Sign(context.Background(), req, HashPayload())
		assert.NoError(t, err)

		body, err := io.ReadAll(req.Body)
		assert.NoError(t, err)
		assert.Equal(t, "Action=ListUsers&Version=2010-05-08", string(body))
	})
}
