package proofofwork

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/bits"
	"strconv"

	"github.com/Amund211/applause/internal/domain"
)

const MaxDifficultyBits = 64

// How many candidates to try between context checks
const checkInterval = 4096

type hashcash struct {
	difficultyBits int
}

// NewHashcash returns a capability finding nonces whose sha256 has at least difficultyBits leading zero bits
func NewHashcash(difficultyBits int) *hashcash {
	return &hashcash{difficultyBits: difficultyBits}
}

func (h *hashcash) SelfTest(ctx context.Context) error {
	if h.difficultyBits < 0 || h.difficultyBits > MaxDifficultyBits {
		return fmt.Errorf("difficulty %d out of range [0, %d]", h.difficultyBits, MaxDifficultyBits)
	}

	const challenge = "selftest"
	nonce, err := solve(ctx, challenge, min(h.difficultyBits, 4))
	if err != nil {
		return err
	}
	if leadingZeroBits(challenge, nonce) < min(h.difficultyBits, 4) {
		return fmt.Errorf("self-test produced an invalid nonce")
	}
	return nil
}

func (h *hashcash) Solve(ctx context.Context, challenge string) (string, error) {
	return solve(ctx, challenge, h.difficultyBits)
}

func solve(ctx context.Context, challenge string, difficultyBits int) (string, error) {
	for counter := uint64(0); ; counter++ {
		if counter%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return "", fmt.Errorf("gave up after %d attempts: %w", counter, err)
			}
		}

		nonce := strconv.FormatUint(counter, 16)
		if leadingZeroBits(challenge, nonce) >= difficultyBits {
			return nonce, nil
		}
	}
}

func leadingZeroBits(challenge, nonce string) int {
	sum := sha256.Sum256([]byte(challenge + ":" + nonce))

	count := 0
	for _, b := range sum {
		if b != 0 {
			return count + bits.LeadingZeros8(b)
		}
		count += 8
	}
	return count
}

// Verify reports whether nonce is a valid stamp for the mutation at the given difficulty
func Verify(key domain.ResourceKey, claimCount int, clientID string, nonce string, difficultyBits int) bool {
	if nonce == "" {
		return false
	}
	return leadingZeroBits(Challenge(key, claimCount, clientID), nonce) >= difficultyBits
}
