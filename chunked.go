package awsign

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	defaultChunkLength = 64 * 1024
	chunkMinLength     = 8000

	chunkSignatureHeader         = "chunk-signature="
	chunkTrailingSignaturePrefix = "x-amz-trailer-signature:"
	checksumTrailerPrefix        = "x-amz-checksum-"

	chunkSuffixPayload = "PAYLOAD"
	chunkSuffixTrailer = "TRAILER"

	signatureEncodedLength = 64

	crlf = "\r\n"
)

// ChunkSigner carries the signature chain state of one aws-chunked body:
// every chunk's string to sign embeds the previous chunk's signature, seeded
// with the request's own signature. A ChunkSigner belongs to a single body
// stream and must not be shared.
type ChunkSigner struct {
	algorithm Algorithm
	scope     scope
	date      string

	key     []byte
	private *ecdsa.PrivateKey

	previous string
}

// ChunkSigner returns a signer for an externally framed chunk sequence,
// seeded with the signature returned from Sign. The signing time must be the
// one the seed request was signed at.
func (s *Signer) ChunkSigner(ctx context.Context, seedSignature string, t time.Time) (*ChunkSigner, error) {
	creds, err := s.resolveCredentials(ctx)
	if err != nil {
		return nil, err
	}

	st := newSigningTime(t)
	sc := s.scope(st)

	cs := &ChunkSigner{
		algorithm: s.config.Algorithm,
		scope:     sc,
		date:      st.amzDate,
		previous:  seedSignature,
	}

	if s.config.Algorithm == AlgorithmSigV4A {
		cs.private, err = deriveECDSAKey(creds.AccessKeyID, creds.SecretAccessKey)
		if err != nil {
			return nil, err
		}
	} else {
		cs.key = signingKeyHMACSHA256(creds.SecretAccessKey, st.shortDate, sc.region, sc.service)
	}

	return cs, nil
}

// SignChunk signs one body chunk and advances the chain. The terminating
// zero-length chunk is signed by passing an empty slice.
func (c *ChunkSigner) SignChunk(chunk []byte) (string, error) {
	return c.sign(chunkSuffixPayload, sha256Hash(chunk))
}

// SignTrailer signs the canonicalized trailer block (every trailer rendered
// as name:value terminated by a newline) and advances the chain.
func (c *ChunkSigner) SignTrailer(trailers []byte) (string, error) {
	return c.sign(chunkSuffixTrailer, sha256Hash(trailers))
}

// Previous returns the most recent signature in the chain.
func (c *ChunkSigner) Previous() string {
	return c.previous
}

func (c *ChunkSigner) sign(suffix string, currentSHA256 []byte) (string, error) {
	b := new(strings.Builder)

	b.WriteString(c.algorithm.token())
	b.WriteByte('-')
	b.WriteString(suffix)
	b.WriteByte('\n')
	b.WriteString(c.date)
	b.WriteByte('\n')
	b.WriteString(c.scope.String())
	b.WriteByte('\n')
	b.WriteString(c.previous)
	b.WriteByte('\n')

	if suffix == chunkSuffixPayload {
		b.WriteString(emptyStringSHA256)
		b.WriteByte('\n')
	}

	hex.NewEncoder(b).Write(currentSHA256)

	var signature string
	if c.algorithm == AlgorithmSigV4A {
		var err error
		if signature, err = signECDSA(c.private, b.String()); err != nil {
			return "", err
		}
	} else {
		signature = hex.EncodeToString(hmacSHA256(c.key, b.String()))
	}

	c.previous = signature

	return signature, nil
}

// chunkedReader frames a body stream as aws-chunked on the fly: chunks are
// pulled from the source one at a time, each framed with its chained
// signature, terminated by a zero-length chunk and optional trailers.
type chunkedReader struct {
	body io.ReadCloser
	src  io.Reader

	signer   *ChunkSigner
	checksum ChecksumAlgorithm
	sum      hash.Hash

	chunk []byte
	out   bytes.Buffer
	done  bool
	err   error
}

func newChunkedReader(body io.ReadCloser, signer *ChunkSigner, chunkLength int, checksum ChecksumAlgorithm) io.ReadCloser {
	r := &chunkedReader{
		body:     body,
		src:      body,
		signer:   signer,
		checksum: checksum,
		chunk:    make([]byte, chunkLength),
	}
	if checksum != ChecksumNone {
		r.sum = checksum.newHash()
		r.src = io.TeeReader(body, r.sum)
	}
	return r
}

func (r *chunkedReader) Read(p []byte) (n int, err error) {
	for r.out.Len() == 0 && r.err == nil {
		r.err = r.fill()
	}

	if r.out.Len() > 0 {
		n, _ = r.out.Read(p)
		return n, nil
	}

	return 0, r.err
}

func (r *chunkedReader) Close() error {
	return r.body.Close()
}

func (r *chunkedReader) fill() error {
	if r.done {
		return io.EOF
	}

	n, err := io.ReadFull(r.src, r.chunk)
	if n > 0 {
		if ferr := r.frame(r.chunk[:n]); ferr != nil {
			return ferr
		}
	}

	switch err {
	case nil:
		return nil
	case io.EOF, io.ErrUnexpectedEOF:
		if ferr := r.finish(); ferr != nil {
			return ferr
		}
		r.done = true
		return nil
	default:
		return err
	}
}

func (r *chunkedReader) frame(chunk []byte) error {
	r.out.WriteString(strconv.FormatInt(int64(len(chunk)), 16))

	if r.signer != nil {
		signature, err := r.signer.SignChunk(chunk)
		if err != nil {
			return err
		}
		r.out.WriteByte(';')
		r.out.WriteString(chunkSignatureHeader)
		r.out.WriteString(signature)
	}

	r.out.WriteString(crlf)
	r.out.Write(chunk)
	r.out.WriteString(crlf)

	return nil
}

func (r *chunkedReader) finish() error {
	r.out.WriteByte('0')

	if r.signer != nil {
		signature, err := r.signer.SignChunk(nil)
		if err != nil {
			return err
		}
		r.out.WriteByte(';')
		r.out.WriteString(chunkSignatureHeader)
		r.out.WriteString(signature)
	}

	r.out.WriteString(crlf)

	if r.checksum != ChecksumNone {
		line := r.checksum.headerName() + ":" + base64.StdEncoding.EncodeToString(r.sum.Sum(nil))

		r.out.WriteString(line)
		r.out.WriteString(crlf)

		if r.signer != nil {
			// The trailer signature covers the LF-terminated canonical form,
			// not the CRLF wire form.
			signature, err := r.signer.SignTrailer([]byte(line + "\n"))
			if err != nil {
				return err
			}
			r.out.WriteString(chunkTrailingSignaturePrefix)
			r.out.WriteString(signature)
			r.out.WriteString(crlf)
		}
	}

	r.out.WriteString(crlf)

	return nil
}

// encodedContentLength is the exact byte length of the aws-chunked framing
// of a decoded-length body, which becomes the signed Content-Length.
func encodedContentLength(decoded int64, chunkLength int, signed bool, checksum ChecksumAlgorithm) int64 {
	signatureOverhead := int64(0)
	if signed {
		signatureOverhead = int64(1 + len(chunkSignatureHeader) + signatureEncodedLength) // ";chunk-signature={64 hex}"
	}

	frame := func(l int64) int64 {
		return int64(len(strconv.FormatInt(l, 16))) + signatureOverhead + 2 + l + 2
	}

	var total int64
	if size := int64(chunkLength); decoded > 0 {
		total += (decoded / size) * frame(size)
		if rem := decoded % size; rem > 0 {
			total += frame(rem)
		}
	}

	total += 1 + signatureOverhead + 2 // terminating zero-length chunk

	if checksum != ChecksumNone {
		total += int64(len(checksum.headerName()) + 1 + checksum.base64Length() + 2)
		if signed {
			total += int64(len(chunkTrailingSignaturePrefix) + signatureEncodedLength + 2)
		}
	}

	return total + 2 // final CRLF
}
