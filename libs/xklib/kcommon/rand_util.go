package kcommon

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"strconv"
	"sync"

	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
)

const defaultCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type safeRand struct {
	mu         sync.Mutex
	seededRand *rand.Rand
}

var sharedRand safeRand

func getRandom(ctx context.Context, op func(*rand.Rand)) {
	sharedRand.mu.Lock()
	defer sharedRand.mu.Unlock()
	if sharedRand.seededRand == nil {
		buf := make([]byte, 8)
		seed := int64(0)
		if _, err := crypto_rand.Read(buf); err != nil {
			klogging.Warning(ctx).WithError(err).Log("CryptoRandSeedFailed", "")
		} else {
			seed = int64(binary.BigEndian.Uint64(buf))
		}
		sharedRand.seededRand = rand.New(rand.NewSource(seed))
		klogging.Debug(ctx).With("seed", strconv.FormatInt(seed, 16)).Log("RandSeeded", "")
	}
	op(sharedRand.seededRand)
}

func RandomString(ctx context.Context, length int) string {
	b := make([]byte, length)
	getRandom(ctx, func(r *rand.Rand) {
		for i := range b {
			b[i] = defaultCharset[r.Intn(len(defaultCharset))]
		}
	})
	return string(b)
}

// RandomInt returns a pseudo-random number in [0,max).
func RandomInt(ctx context.Context, max int) (ret int) {
	getRandom(ctx, func(r *rand.Rand) {
		ret = r.Intn(max)
	})
	return
}

func NewTraceId(ctx context.Context, prefix string, size int) string {
	return prefix + RandomString(ctx, size)
}
