package awsign

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"hash"
	"hash/crc32"
	"hash/crc64"
	"strconv"

	"github.com/minio/crc64nvme"
)

// ChecksumAlgorithm identifies the checksum emitted as an x-amz-checksum-*
// trailer on aws-chunked uploads.
type ChecksumAlgorithm int

const (
	ChecksumNone ChecksumAlgorithm = iota
	ChecksumCRC32
	ChecksumCRC32C
	ChecksumCRC64NVME
	ChecksumSHA1
	ChecksumSHA256
)

func (a ChecksumAlgorithm) valid() bool {
	return a > ChecksumNone && a <= ChecksumSHA256
}

func (a ChecksumAlgorithm) String() string {
	switch a {
	case ChecksumCRC32:
		return "crc32"
	case ChecksumCRC32C:
		return "crc32c"
	case ChecksumCRC64NVME:
		return "crc64nvme"
	case ChecksumSHA1:
		return "sha1"
	case ChecksumSHA256:
		return "sha256"
	default:
		return strconv.Itoa(int(a))
	}
}

func (a ChecksumAlgorithm) headerName() string {
	return checksumTrailerPrefix + a.String()
}

func (a ChecksumAlgorithm) newHash() hash.Hash {
	switch a {
	case ChecksumCRC32:
		return crc32.NewIEEE()
	case ChecksumCRC32C:
		return crc32.New(crc32.MakeTable(crc32.Castagnoli))
	case ChecksumCRC64NVME:
		return crc64nvme.New()
	case ChecksumSHA1:
		return sha1.New()
	case ChecksumSHA256:
		return sha256.New()
	default:
		return nil
	}
}

func (a ChecksumAlgorithm) base64Length() int {
	switch a {
	case ChecksumCRC32, ChecksumCRC32C:
		return base64.StdEncoding.EncodedLen(crc32.Size)
	case ChecksumCRC64NVME:
		return base64.StdEncoding.EncodedLen(crc64.Size)
	case ChecksumSHA1:
		return base64.StdEncoding.EncodedLen(sha1.Size)
	case ChecksumSHA256:
		return base64.StdEncoding.EncodedLen(sha256.Size)
	default:
		return 0
	}
}
