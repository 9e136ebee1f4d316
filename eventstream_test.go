package awsign

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/zeebo/assert"
)

func TestEventStreamSigner(t *testing.T) {
	const seed = "4f232c4386841ef735655705268965c44a0e4690baa4adea153f7db9fa80a0a9"

	signedAt := time.Date(2013, time.May, 24, 0, 0, 0, 0, time.UTC)

	t.Run("chained and deterministic", func(t *testing.T) {
		sign := func() (string, string) {
			s := NewEventStreamSigner("us-east-1", "transcribe", seed, testCredentials)
			assert.Equal(t, seed, s.Previous())

			first, err := s.Sign([]byte("headers-1"), []byte("payload-1"), signedAt)
			assert.NoError(t, err)
			second, err := s.Sign([]byte("headers-2"), []byte("payload-2"), signedAt.Add(time.Second))
			assert.NoError(t, err)

			assert.Equal(t, second, s.Previous())
			return first, second
		}

		firstA, secondA := sign()
		firstB, secondB := sign()

		assert.Equal(t, firstA, firstB)
		assert.Equal(t, secondA, secondB)
		assert.That(t, firstA != secondA)

		_, err := hex.DecodeString(firstA)
		assert.NoError(t, err)
		assert.Equal(t, 64, len(firstA))
	})
	t.Run("previous signature feeds the next message", func(t *testing.T) {
		s := NewEventStreamSigner("us-east-1", "transcribe", seed, testCredentials)
		_, err := s.Sign([]byte("headers-1"), []byte("payload-1"), signedAt)
		assert.NoError(t, err)
		chained, err := s.Sign([]byte("headers-2"), []byte("payload-2"), signedAt)
		assert.NoError(t, err)

		fresh := NewEventStreamSigner("us-east-1", "transcribe", seed, testCredentials)
		unchained, err := fresh.Sign([]byte("headers-2"), []byte("payload-2"), signedAt)
		assert.NoError(t, err)

		assert.That(t, chained != unchained)
	})
	t.Run("timestamp enters the signature", func(t *testing.T) {
		s := NewEventStreamSigner("us-east-1", "transcribe", seed, testCredentials)
		first, err := s.Sign([]byte("headers"), []byte("payload"), signedAt)
		assert.NoError(t, err)

		fresh := NewEventStreamSigner("us-east-1", "transcribe", seed, testCredentials)
		later, err := fresh.Sign([]byte("headers"), []byte("payload"), signedAt.Add(time.Second))
		assert.NoError(t, err)

		assert.That(t, first != later)
	})
	t.Run("missing credentials", func(t *testing.T) {
		s := NewEventStreamSigner("us-east-1", "transcribe", seed, Credentials{})
		_, err := s.Sign([]byte("headers"), []byte("payload"), signedAt)
		assert.Error(t, err)
	})
}
