package arcus

import (
	"os"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"
)

// maxDerivedRequestID keeps derived ids representable by both header
// encodings.
const maxDerivedRequestID = 255*255 - 1

var processStart = time.Now()

// DeriveRequestID picks a datagram request id for clients that did not set
// one. The id depends on the endpoint, the process id and the process start
// time, so several clients talking to one server rarely share an id.
// The result is never zero.
func DeriveRequestID(ep Endpoint) uint16 {
	seed := ep.String() + "|" + strconv.Itoa(os.Getpid()) + "|" + strconv.FormatInt(processStart.UnixNano(), 10)
	return requestIDFromHash(xxh3.HashString(seed))
}

func requestIDFromHash(h uint64) uint16 {
	return uint16(jumpBucket(h, maxDerivedRequestID) + 1)
}

// jumpBucket maps key onto [0, buckets) with Lamping and Veach's jump
// consistent hash (https://arxiv.org/abs/1406.2294).
func jumpBucket(key uint64, buckets int64) int64 {
	b, j := int64(-1), int64(0)
	for j < buckets {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return b
}

// resolveRequestID returns the configured id, or a derived one when unset.
func resolveRequestID(cfg Config) uint16 {
	if cfg.RequestID != 0 {
		return cfg.RequestID
	}
	return DeriveRequestID(cfg.Endpoint)
}
