// Package cryptox hashes and verifies user passwords.
//
// Hashes are self-describing strings that fit the VARCHAR(255) password
// column: argon2id hashes use the PHC format
// ($argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>), bcrypt hashes use the
// standard $2a$/$2b$ modular crypt format. Verification picks the algorithm
// from the stored string, so switching the configured algorithm keeps old
// hashes valid and NeedsRehash tells the caller when to upgrade them.
package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	AlgorithmArgon2id = "argon2id"
	AlgorithmBcrypt   = "bcrypt"
)

var (
	ErrMalformedHash        = errors.New("malformed password hash")
	ErrUnsupportedAlgorithm = errors.New("unsupported password hash algorithm")
)

// Argon2Params configures argon2id key derivation.
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params are the parameters used when none are configured.
var DefaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  1,
	Parallelism: 4,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher produces and checks password hashes.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(encoded, password string) (bool, error)
	NeedsRehash(encoded string) bool
}

// PasswordHasher hashes with the configured algorithm and verifies any
// supported one.
type PasswordHasher struct {
	algorithm  string
	argon      Argon2Params
	bcryptCost int
}

// NewPasswordHasher returns a hasher for algorithm ("argon2id" or "bcrypt").
// Zero-valued argon parameters and bcrypt cost fall back to defaults.
func NewPasswordHasher(algorithm string, argon Argon2Params, bcryptCost int) (*PasswordHasher, error) {
	switch algorithm {
	case "", AlgorithmArgon2id:
		algorithm = AlgorithmArgon2id
	case AlgorithmBcrypt:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}

	if argon.Memory == 0 {
		argon.Memory = DefaultArgon2Params.Memory
	}
	if argon.Iterations == 0 {
		argon.Iterations = DefaultArgon2Params.Iterations
	}
	if argon.Parallelism == 0 {
		argon.Parallelism = DefaultArgon2Params.Parallelism
	}
	if argon.SaltLength == 0 {
		argon.SaltLength = DefaultArgon2Params.SaltLength
	}
	if argon.KeyLength == 0 {
		argon.KeyLength = DefaultArgon2Params.KeyLength
	}

	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", bcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}

	return &PasswordHasher{algorithm: algorithm, argon: argon, bcryptCost: bcryptCost}, nil
}

// Algorithm reports the algorithm used for new hashes.
func (h *PasswordHasher) Algorithm() string {
	return h.algorithm
}

// Hash derives a salted hash of password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	if h.algorithm == AlgorithmBcrypt {
		b, err := bcrypt.GenerateFromPassword([]byte(password), h.bcryptCost)
		if err != nil {
			return "", fmt.Errorf("bcrypt: %w", err)
		}
		return string(b), nil
	}

	salt := make([]byte, h.argon.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.argon.Iterations, h.argon.Memory, h.argon.Parallelism, h.argon.KeyLength)

	return encodeArgon2(h.argon, salt, key), nil
}

// Verify reports whether password matches encoded. A mismatch is (false, nil);
// an unreadable hash is an error.
func (h *PasswordHasher) Verify(encoded, password string) (bool, error) {
	switch algorithmOf(encoded) {
	case AlgorithmArgon2id:
		p, salt, key, err := decodeArgon2(encoded)
		if err != nil {
			return false, err
		}
		candidate := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(key)))
		return subtle.ConstantTimeCompare(key, candidate) == 1, nil

	case AlgorithmBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
		}
		return true, nil
	}

	return false, ErrUnsupportedAlgorithm
}

// NeedsRehash reports whether encoded was produced with a different
// algorithm or weaker parameters than the hasher's current configuration.
func (h *PasswordHasher) NeedsRehash(encoded string) bool {
	alg := algorithmOf(encoded)
	if alg != h.algorithm {
		return true
	}

	if alg == AlgorithmBcrypt {
		cost, err := bcrypt.Cost([]byte(encoded))
		return err != nil || cost < h.bcryptCost
	}

	p, _, key, err := decodeArgon2(encoded)
	if err != nil {
		return true
	}
	return p.Memory < h.argon.Memory ||
		p.Iterations < h.argon.Iterations ||
		p.Parallelism != h.argon.Parallelism ||
		uint32(len(key)) != h.argon.KeyLength
}

func algorithmOf(encoded string) string {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return AlgorithmArgon2id
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		return AlgorithmBcrypt
	}
	return ""
}

func encodeArgon2(p Argon2Params, salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

func decodeArgon2(encoded string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return p, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: argon2 version %d", ErrUnsupportedAlgorithm, version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	// argon2.IDKey panics on zero time or threads.
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return p, nil, nil, fmt.Errorf("%w: zero cost parameter", ErrMalformedHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: key: %v", ErrMalformedHash, err)
	}
	if len(key) == 0 {
		return p, nil, nil, ErrMalformedHash
	}

	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))
	return p, salt, key, nil
}
