// Package fairness implements the commit-reveal primitives behind every flip.
//
// The server commits to SHA-256(serverSeed) before the bettor reveals their
// client seed; the bettor committed to SHA-256(clientSeed) when betting. The
// outcome is HMAC-SHA256 keyed by the server seed over the client seed, and
// the coin face is the parity of the digest's last byte.
//
// Everything here is pure: the same inputs always give the same outputs, so a
// third party holding a revealed bet can recompute every value.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/memeflip/flip-engine/internal/model"
)

// SeedBytes is the entropy of a generated seed.
const SeedBytes = 32

// Algorithm describes the derivation so verifiers can reproduce it.
const Algorithm = "commit=sha256(seed); combined=hmac_sha256(key=serverSeed, msg=clientSeed); result=last byte of combined even ? heads : tails"

var (
	// ErrMalformedHash is returned when a hash is not 64 hex characters.
	ErrMalformedHash = errors.New("fairness: hash must be 64 hex characters")

	hashRegex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// GenerateSeed returns SeedBytes of crypto/rand entropy, hex encoded.
func GenerateSeed() (string, error) {
	b := make([]byte, SeedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("fairness: generate seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashSeed is the commitment for a seed: hex SHA-256 of its string form.
func HashSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether h looks like a HashSeed or CombineSeeds output.
func ValidHash(h string) bool {
	return hashRegex.MatchString(h)
}

// VerifySeed checks that seed hashes to hash. Comparison is constant-time
// and case-insensitive on the hex.
func VerifySeed(seed, hash string) bool {
	want := HashSeed(seed)
	got := strings.ToLower(hash)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// CombineSeeds derives the outcome hash. Order matters: swapping the seeds
// gives a different result.
func CombineSeeds(clientSeed, serverSeed string) string {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(clientSeed))
	return hex.EncodeToString(mac.Sum(nil))
}

// DetermineResult maps a combined hash to a coin face using the parity of
// its final byte. Half of all byte values are even, so a uniform hash gives
// an exact 50/50 split.
func DetermineResult(combinedHash string) (model.Side, error) {
	if !ValidHash(combinedHash) {
		return "", ErrMalformedHash
	}
	raw, err := hex.DecodeString(combinedHash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	if raw[len(raw)-1]%2 == 0 {
		return model.Heads, nil
	}
	return model.Tails, nil
}

// Proof is everything needed to audit one flip.
type Proof struct {
	ClientSeed     string     `json:"clientSeed"`
	ClientSeedHash string     `json:"clientSeedHash"`
	ServerSeed     string     `json:"serverSeed"`
	ServerSeedHash string     `json:"serverSeedHash"`
	CombinedHash   string     `json:"combinedHash"`
	Result         model.Side `json:"result"`
	Algorithm      string     `json:"algorithm"`
}

// Verification is the outcome of VerifyBetOutcome.
type Verification struct {
	Valid  bool     `json:"isValid"`
	Errors []string `json:"errors"`
}

// VerifyBetOutcome recomputes every derived value in p and reports each
// mismatch. The checks are independent: one failure does not hide another.
func VerifyBetOutcome(p Proof) Verification {
	errs := []string{}

	if !VerifySeed(p.ClientSeed, p.ClientSeedHash) {
		errs = append(errs, "client seed does not match its committed hash")
	}
	if !VerifySeed(p.ServerSeed, p.ServerSeedHash) {
		errs = append(errs, "server seed does not match its committed hash")
	}

	combined := CombineSeeds(p.ClientSeed, p.ServerSeed)
	if !strings.EqualFold(combined, p.CombinedHash) {
		errs = append(errs, "combined hash does not match the seeds")
	}

	// The claimed result is checked against the claimed combined hash so that
	// a bad mapping is reported even when the hash itself is wrong.
	result, err := DetermineResult(p.CombinedHash)
	switch {
	case err != nil:
		errs = append(errs, "combined hash is malformed")
	case result != p.Result:
		errs = append(errs, fmt.Sprintf("result %q does not match combined hash (expected %q)", p.Result, result))
	}

	return Verification{Valid: len(errs) == 0, Errors: errs}
}
