package awsign

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

const (
	unsignedPayload                            = "UNSIGNED-PAYLOAD"
	streamingUnsignedPayloadTrailer            = "STREAMING-UNSIGNED-PAYLOAD-TRAILER"
	streamingAWS4HMACSHA256Payload             = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	streamingAWS4HMACSHA256PayloadTrailer      = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD-TRAILER"
	streamingAWS4ECDSAP256SHA256Payload        = "STREAMING-AWS4-ECDSA-P256-SHA256-PAYLOAD"
	streamingAWS4ECDSAP256SHA256PayloadTrailer = "STREAMING-AWS4-ECDSA-P256-SHA256-PAYLOAD-TRAILER"
)

type hashKind int

const (
	hashKindPayload hashKind = iota
	hashKindPrecomputed
	hashKindUnsigned
	hashKindStreaming
	hashKindStreamingTrailer
	hashKindStreamingUnsignedTrailer
)

// HashSpec describes how the payload hash entering the canonical request is
// obtained. Exactly one variant is active per signing operation; the
// streaming variants additionally install aws-chunked body framing.
type HashSpec struct {
	kind        hashKind
	precomputed string
	checksum    ChecksumAlgorithm
}

// HashPayload computes the SHA-256 of the request body. The body must be
// empty, replayable via GetBody, or seekable.
func HashPayload() HashSpec {
	return HashSpec{kind: hashKindPayload}
}

// HashPrecomputed supplies an already computed hex-encoded SHA-256 of the
// payload.
func HashPrecomputed(hexSum string) HashSpec {
	return HashSpec{kind: hashKindPrecomputed, precomputed: hexSum}
}

// HashUnsignedPayload signs the request with the UNSIGNED-PAYLOAD sentinel.
func HashUnsignedPayload() HashSpec {
	return HashSpec{kind: hashKindUnsigned}
}

// HashStreamingSigned frames the body as aws-chunked with a signature chained
// onto every chunk. Sign installs the framing for AlgorithmSigV4 only; ECDSA
// chunk signatures have no fixed width, so AlgorithmSigV4A surfaces
// ErrNotImplemented (ChunkSigner still signs externally framed ECDSA chunks).
func HashStreamingSigned() HashSpec {
	return HashSpec{kind: hashKindStreaming}
}

// HashStreamingSignedTrailer is HashStreamingSigned plus a trailing checksum
// header covered by a trailer signature. The AlgorithmSigV4A restriction of
// HashStreamingSigned applies here too.
func HashStreamingSignedTrailer(a ChecksumAlgorithm) HashSpec {
	return HashSpec{kind: hashKindStreamingTrailer, checksum: a}
}

// HashStreamingUnsignedTrailer frames the body as aws-chunked without chunk
// signatures, carrying only a trailing checksum header.
func HashStreamingUnsignedTrailer(a ChecksumAlgorithm) HashSpec {
	return HashSpec{kind: hashKindStreamingUnsignedTrailer, checksum: a}
}

func (h HashSpec) streaming() bool {
	switch h.kind {
	case hashKindStreaming, hashKindStreamingTrailer, hashKindStreamingUnsignedTrailer:
		return true
	}
	return false
}

func (h HashSpec) streamingSigned() bool {
	return h.kind == hashKindStreaming || h.kind == hashKindStreamingTrailer
}

func (h HashSpec) validate() error {
	switch h.kind {
	case hashKindPrecomputed:
		if _, err := hex.DecodeString(h.precomputed); err != nil || len(h.precomputed) != sha256.Size*2 {
			return fmt.Errorf("%w: want %d hex characters", ErrPayloadHashMalformed, sha256.Size*2)
		}
	case hashKindStreamingTrailer, hashKindStreamingUnsignedTrailer:
		if !h.checksum.valid() {
			return fmt.Errorf("%w: unknown trailing checksum algorithm", ErrPayloadHashMalformed)
		}
	}
	return nil
}

// resolve returns the payload-hash field of the canonical request.
func (h HashSpec) resolve(req *http.Request, algorithm Algorithm) (string, error) {
	switch h.kind {
	case hashKindPayload:
		return hashRequestPayload(req)
	case hashKindPrecomputed:
		return h.precomputed, nil
	case hashKindUnsigned:
		return unsignedPayload, nil
	case hashKindStreaming:
		if algorithm == AlgorithmSigV4A {
			return streamingAWS4ECDSAP256SHA256Payload, nil
		}
		return streamingAWS4HMACSHA256Payload, nil
	case hashKindStreamingTrailer:
		if algorithm == AlgorithmSigV4A {
			return streamingAWS4ECDSAP256SHA256PayloadTrailer, nil
		}
		return streamingAWS4HMACSHA256PayloadTrailer, nil
	case hashKindStreamingUnsignedTrailer:
		return streamingUnsignedPayloadTrailer, nil
	default:
		return "", fmt.Errorf("%w: unknown hash specification", ErrPayloadHashMalformed)
	}
}

// hashRequestPayload hashes the body without consuming it: a fresh reader is
// taken from GetBody when available, otherwise the body is rewound through
// io.Seeker. One-shot streams cannot be hashed up front.
func hashRequestPayload(req *http.Request) (string, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return emptyStringSHA256, nil
	}

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return "", err
		}
		defer body.Close()

		return hashReader(body)
	}

	if seeker, ok := req.Body.(io.Seeker); ok {
		start, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return "", err
		}

		sum, err := hashReader(req.Body)
		if err != nil {
			return "", err
		}

		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return "", err
		}

		return sum, nil
	}

	return "", fmt.Errorf("%w: cannot hash a one-shot stream", ErrBodyNotReplayable)
}

func hashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
