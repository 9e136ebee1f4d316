package awsign

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// EventStreamSigner signs event-stream messages: each message's string to
// sign embeds the previous message's signature and the hash of the message's
// serialized prelude and headers, seeded with the signature of the request
// that opened the stream. Messages of one stream must be signed sequentially.
type EventStreamSigner struct {
	region  string
	service string
	creds   Credentials

	previous string
}

func NewEventStreamSigner(region, service, seedSignature string, creds Credentials) *EventStreamSigner {
	return &EventStreamSigner{
		region:   region,
		service:  service,
		creds:    creds,
		previous: seedSignature,
	}
}

// Sign signs one message given its serialized headers and payload. Unlike
// body chunks, event-stream messages carry their own timestamp, so t is
// per message rather than inherited from the seed request.
func (s *EventStreamSigner) Sign(headers, payload []byte, t time.Time) (string, error) {
	if s.creds.empty() {
		return "", fmt.Errorf("%w: event-stream signer has no credentials", ErrEmptyCredentials)
	}

	st := newSigningTime(t)
	sc := scope{shortDate: st.shortDate, region: s.region, service: s.service}

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256-PAYLOAD",
		st.amzDate,
		sc.String(),
		s.previous,
		hex.EncodeToString(sha256Hash(headers)),
		hex.EncodeToString(sha256Hash(payload)),
	}, "\n")

	key := signingKeyHMACSHA256(s.creds.SecretAccessKey, st.shortDate, s.region, s.service)
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	s.previous = signature

	return signature, nil
}

// Previous returns the most recent signature in the chain.
func (s *EventStreamSigner) Previous() string {
	return s.previous
}
