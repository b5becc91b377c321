package core

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var (
	randIntn = rand.Intn // mockable

	ErrGenerationExhausted = errors.New("could not generate a unique code")
)

// maxGenerateAttempts caps collision retries; at the expected table sizes a
// collision is already vanishingly rare, so hitting the cap means something
// is wrong with the existence probe.
const maxGenerateAttempts = 50

func init() {
	rand.Seed(time.Now().UnixNano())
}

// ExistsFunc probes whether a candidate code is already taken within the
// caller's scope (a tenant's Students table, the pending-activation table).
type ExistsFunc func(code string) (bool, error)

// GenerateAccountNo draws a 6-or-7 digit student account number, uniformly
// within the chosen digit-length range, retrying on collision.
//
// The probe and the later insert are not atomic; the UNIQUE column on
// account_no is the actual correctness guarantee, this loop only keeps
// collisions out of the common path.
func GenerateAccountNo(exists ExistsFunc) (string, error) {
	digits := 6 + randIntn(2) // 6 or 7
	return generateUnique(digits, exists)
}

// GenerateActivationCode draws a 6-digit one-time activation code.
func GenerateActivationCode(exists ExistsFunc) (string, error) {
	return generateUnique(6, exists)
}

func generateUnique(digits int, exists ExistsFunc) (string, error) {
	min := pow10(digits - 1)
	max := pow10(digits) - 1

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		code := strconv.Itoa(min + randIntn(max-min+1))
		taken, err := exists(code)
		if err != nil {
			return "", errors.Wrap(err, "probing code existence")
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrGenerationExhausted
}

func pow10(n int) int {
	p := 1
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}
