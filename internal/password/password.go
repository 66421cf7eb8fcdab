package password

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const argon2Prefix = "$argon2id$"

type Algorithm interface {
	Hash(plaintext string) (string, error)
}

type Bcrypt struct {
	Cost int
}

func (b Bcrypt) Hash(plaintext string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

var DefaultArgon2Params = Argon2Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32}

type Argon2id struct {
	Params Argon2Params
}

func (a Argon2id) Hash(plaintext string) (string, error) {
	params := a.Params
	if params.KeyLength == 0 {
		params = DefaultArgon2Params
	}
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(plaintext), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return fmt.Sprintf("%sv=19$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix,
		params.Memory, params.Iterations, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Matches compares plaintext with a bcrypt or argon2id encoded hash.
// Malformed hashes never match.
func Matches(plaintext, encoded string) bool {
	if strings.HasPrefix(encoded, argon2Prefix) {
		return matchArgon2(plaintext, encoded)
	}
	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(plaintext)) == nil
}

func matchArgon2(plaintext, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return false
	}

	computed := argon2.IDKey([]byte(plaintext), salt, iterations, memory, parallelism, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1
}

// Checker hashes new passwords with one algorithm and verifies stored hashes
// of any supported algorithm, running at most a fixed number of verifications
// at once.
type Checker struct {
	algo Algorithm
	sem  *semaphore.Weighted
}

func NewChecker(algo Algorithm, concurrency int) *Checker {
	if algo == nil {
		algo = Bcrypt{}
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Checker{algo: algo, sem: semaphore.NewWeighted(int64(concurrency))}
}

func (c *Checker) Hash(plaintext string) (string, error) {
	return c.algo.Hash(plaintext)
}

// Verify blocks until a verification slot is free. It only fails when ctx
// ends before a slot is acquired.
func (c *Checker) Verify(ctx context.Context, plaintext, encoded string) (bool, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("acquire verify slot: %w", err)
	}
	defer c.sem.Release(1)

	return Matches(plaintext, encoded), nil
}

// ForName maps a configured algorithm name to its implementation.
func ForName(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bcrypt":
		return Bcrypt{}, nil
	case "argon2id", "argon2":
		return Argon2id{Params: DefaultArgon2Params}, nil
	default:
		return nil, fmt.Errorf("unsupported password algorithm: %s", name)
	}
}
