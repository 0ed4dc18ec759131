package code

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/sirupsen/logrus"
)

// Alphabet is the set of characters a rendezvous code is drawn from.
type Alphabet string

const (
	// Numeric codes contain decimal digits only.
	Numeric Alphabet = "0123456789"
	// Base36 codes contain decimal digits and upper-case ASCII letters.
	Base36 Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// DefaultLength is the code length used by every shipped configuration.
const DefaultLength = 6

// MinLength and MaxLength bound the configurable code length.
const (
	MinLength = 4
	MaxLength = 16
)

// ErrInvalidCode indicates a code that does not match the generator's
// alphabet or length.
var ErrInvalidCode = errors.New("invalid rendezvous code")

// ErrInvalidAlphabet indicates an unknown alphabet name or an empty alphabet.
var ErrInvalidAlphabet = errors.New("invalid code alphabet")

// ParseAlphabet maps a configuration name to an Alphabet.
func ParseAlphabet(name string) (Alphabet, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "numeric", "digits", "":
		return Numeric, nil
	case "base36", "alphanumeric":
		return Base36, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAlphabet, name)
	}
}

// String returns the configuration name of the alphabet.
func (a Alphabet) String() string {
	switch a {
	case Numeric:
		return "numeric"
	case Base36:
		return "base36"
	default:
		return string(a)
	}
}

// Generator produces rendezvous codes of a fixed alphabet and length.
// It is safe for concurrent use.
type Generator struct {
	alphabet Alphabet
	length   int
	random   io.Reader
}

// NewGenerator creates a generator for the given alphabet and length.
func NewGenerator(alphabet Alphabet, length int) (*Generator, error) {
	if len(alphabet) < 2 {
		return nil, ErrInvalidAlphabet
	}
	if length < MinLength || length > MaxLength {
		return nil, fmt.Errorf("code length %d outside [%d, %d]", length, MinLength, MaxLength)
	}

	return &Generator{
		alphabet: alphabet,
		length:   length,
		random:   rand.Reader,
	}, nil
}

// Alphabet returns the generator's alphabet.
func (g *Generator) Alphabet() Alphabet { return g.alphabet }

// Length returns the generator's code length.
func (g *Generator) Length() int { return g.length }

// Space returns the number of distinct codes the generator can produce,
// saturating at the maximum uint64.
func (g *Generator) Space() uint64 {
	space := new(big.Int).Exp(big.NewInt(int64(len(g.alphabet))), big.NewInt(int64(g.length)), nil)
	if !space.IsUint64() {
		return ^uint64(0)
	}
	return space.Uint64()
}

// Generate returns a new uniformly random code.
func (g *Generator) Generate() (string, error) {
	base := big.NewInt(int64(len(g.alphabet)))
	var sb strings.Builder
	sb.Grow(g.length)

	for i := 0; i < g.length; i++ {
		n, err := rand.Int(g.random, base)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Generate",
				"alphabet": g.alphabet.String(),
				"error":    err.Error(),
			}).Error("Failed to read randomness for code")
			return "", fmt.Errorf("generate code: %w", err)
		}
		sb.WriteByte(g.alphabet[n.Int64()])
	}

	code := sb.String()
	logrus.WithFields(logrus.Fields{
		"function": "Generate",
		"alphabet": g.alphabet.String(),
		"length":   g.length,
	}).Debug("Generated rendezvous code")

	return code, nil
}

// Validate reports whether code has exactly the generator's length and only
// contains characters from its alphabet.
func (g *Generator) Validate(code string) error {
	if len(code) != g.length {
		return fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidCode, g.length, len(code))
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(string(g.alphabet), code[i]) < 0 {
			return fmt.Errorf("%w: character %q not in %s alphabet", ErrInvalidCode, code[i], g.alphabet.String())
		}
	}
	return nil
}

// Normalize upper-cases input and removes every character outside the
// alphabet. The result is not truncated; call Validate to check its length.
func (g *Generator) Normalize(input string) string {
	upper := strings.ToUpper(input)
	var sb strings.Builder
	sb.Grow(len(upper))
	for i := 0; i < len(upper); i++ {
		if strings.IndexByte(string(g.alphabet), upper[i]) >= 0 {
			sb.WriteByte(upper[i])
		}
	}
	return sb.String()
}
