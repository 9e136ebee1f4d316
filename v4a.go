package awsign

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// SigV4a derives a P-256 private key deterministically from the secret access
// key, so any party holding the same credentials derives the same key pair.
// Candidates come from an SP 800-108 KDF in counter mode; a candidate c is
// valid when c <= n-2 (n being the curve order), and the scalar is c+1. The
// external counter is a single byte, so derivation fails after 255 rejected
// candidates.

const ecdsaKeyPrefix = "AWS4A"

func deriveECDSAKey(accessKeyID, secretAccessKey string) (*ecdsa.PrivateKey, error) {
	if secretAccessKey == "" {
		return nil, fmt.Errorf("%w: no secret access key", ErrEmptyCredentials)
	}

	curve := elliptic.P256()

	bound := make([]byte, sha256.Size)
	new(big.Int).Sub(curve.Params().N, big.NewInt(2)).FillBytes(bound)

	inputKey := []byte(ecdsaKeyPrefix + secretAccessKey)

	for counter := 1; counter <= 0xFF; counter++ {
		candidate := deriveCandidate(inputKey, accessKeyID, byte(counter))

		if constantTimeLessOrEq(candidate, bound) {
			d := new(big.Int).SetBytes(candidate)
			d.Add(d, big.NewInt(1))

			private := new(ecdsa.PrivateKey)
			private.Curve = curve
			private.D = d
			private.X, private.Y = curve.ScalarBaseMult(d.FillBytes(make([]byte, sha256.Size)))

			return private, nil
		}
	}

	return nil, fmt.Errorf("%w: single-byte external counter overflow", ErrKeyDerivationExhausted)
}

// deriveCandidate is one round of the SP 800-108 counter-mode KDF:
// HMAC(key, i || label || 0x00 || context || L) with i=1 and L=256 bits, so a
// single HMAC invocation yields the full candidate.
func deriveCandidate(inputKey []byte, accessKeyID string, counter byte) []byte {
	h := hmac.New(sha256.New, inputKey)
	binary.Write(h, binary.BigEndian, int32(1))
	h.Write([]byte("AWS4-ECDSA-P256-SHA256"))
	h.Write([]byte{0x00})
	h.Write([]byte(accessKeyID))
	h.Write([]byte{counter})
	binary.Write(h, binary.BigEndian, int32(256))
	return h.Sum(nil)
}

// constantTimeLessOrEq compares two equal-length big-endian byte strings
// without branching on their contents.
func constantTimeLessOrEq(x, y []byte) bool {
	if len(x) != len(y) {
		return false
	}

	var gt, lt int
	for i := 0; i < len(x); i++ {
		xi, yi := int(x[i]), int(y[i])
		gt |= ((yi - xi) >> 8) & 1 &^ lt
		lt |= ((xi - yi) >> 8) & 1 &^ gt
	}

	return gt == 0
}

// signECDSA produces the hex-encoded DER (ASN.1) ECDSA signature over the
// SHA-256 of the string to sign. The nonce is random, so signatures differ
// between invocations while all verifying under the derived public key.
func signECDSA(private *ecdsa.PrivateKey, stringToSign string) (string, error) {
	digest := sha256.Sum256([]byte(stringToSign))

	signature, err := ecdsa.SignASN1(rand.Reader, private, digest[:])
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(signature), nil
}
