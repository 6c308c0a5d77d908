package dbdriver

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	suffixChars = lowerChars + digitChars
	// quoting characters break literal escaping in at least one engine
	forbiddenSymbols = "'\"`\\"
)

var (
	prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9]{0,11}$`)
	policyChecker = validator.New()
)

// PasswordPolicy describes the shape of generated passwords.
type PasswordPolicy struct {
	Length      int    `yaml:"length" validate:"min=12,max=128"`
	MinLower    int    `yaml:"min_lower" validate:"min=0"`
	MinUpper    int    `yaml:"min_upper" validate:"min=0"`
	MinDigits   int    `yaml:"min_digits" validate:"min=0"`
	MinSymbols  int    `yaml:"min_symbols" validate:"min=0"`
	Symbols     string `yaml:"symbols"`
	AllowSpaces bool   `yaml:"allow_spaces"`
}

// DefaultPasswordPolicy returns a 24 character policy requiring every class.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		Length:     24,
		MinLower:   2,
		MinUpper:   2,
		MinDigits:  2,
		MinSymbols: 2,
		Symbols:    "!#$%*+-=?^_~",
	}
}

// Validate checks the policy is satisfiable.
func (p PasswordPolicy) Validate() error {
	if err := policyChecker.Struct(p); err != nil {
		return fmt.Errorf("dbdriver: password policy: %w", err)
	}
	if p.MinLower+p.MinUpper+p.MinDigits+p.MinSymbols > p.Length {
		return errors.New("dbdriver: password policy: class minimums exceed length")
	}
	if p.MinSymbols > 0 && p.symbolSet() == "" {
		return errors.New("dbdriver: password policy: symbols required but none configured")
	}
	if strings.ContainsAny(p.Symbols, forbiddenSymbols) {
		return errors.New("dbdriver: password policy: quote and backslash symbols are not allowed")
	}
	if !p.AllowSpaces && strings.Contains(p.Symbols, " ") {
		return errors.New("dbdriver: password policy: spaces are disabled")
	}
	return nil
}

func (p PasswordPolicy) symbolSet() string {
	symbols := p.Symbols
	if p.AllowSpaces && !strings.Contains(symbols, " ") {
		symbols += " "
	}
	return symbols
}

// CheckPassword reports whether pw satisfies the policy.
func (p PasswordPolicy) CheckPassword(pw string) error {
	if len(pw) != p.Length {
		return fmt.Errorf("dbdriver: password length %d, want %d", len(pw), p.Length)
	}
	symbols := p.symbolSet()
	var lower, upper, digits, syms int
	for _, r := range pw {
		switch {
		case strings.ContainsRune(lowerChars, r):
			lower++
		case strings.ContainsRune(upperChars, r):
			upper++
		case strings.ContainsRune(digitChars, r):
			digits++
		case strings.ContainsRune(symbols, r):
			syms++
		default:
			return fmt.Errorf("dbdriver: password contains disallowed character %q", r)
		}
	}
	if lower < p.MinLower || upper < p.MinUpper || digits < p.MinDigits || syms < p.MinSymbols {
		return errors.New("dbdriver: password misses a required character class")
	}
	return nil
}

// GeneratePassword returns a random password satisfying the policy.
func GeneratePassword(p PasswordPolicy) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	symbols := p.symbolSet()
	buf := make([]byte, 0, p.Length)
	classes := []struct {
		chars string
		min   int
	}{
		{lowerChars, p.MinLower},
		{upperChars, p.MinUpper},
		{digitChars, p.MinDigits},
		{symbols, p.MinSymbols},
	}
	for _, class := range classes {
		for i := 0; i < class.min; i++ {
			c, err := randomChar(class.chars)
			if err != nil {
				return "", err
			}
			buf = append(buf, c)
		}
	}
	all := lowerChars + upperChars + digitChars + symbols
	for len(buf) < p.Length {
		c, err := randomChar(all)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}
	for i := len(buf) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf), nil
}

// GenerateUsername builds <prefix>_<unix seconds>_<6 random chars>.
func GenerateUsername(prefix string, now time.Time) (string, error) {
	if !prefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("%w: username prefix %q", ErrInvalidIdentifier, prefix)
	}
	suffix := make([]byte, 6)
	for i := range suffix {
		c, err := randomChar(suffixChars)
		if err != nil {
			return "", err
		}
		suffix[i] = c
	}
	return fmt.Sprintf("%s_%d_%s", prefix, now.Unix(), suffix), nil
}

func randomChar(chars string) (byte, error) {
	i, err := randomInt(len(chars))
	if err != nil {
		return 0, err
	}
	return chars[i], nil
}

func randomInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("dbdriver: random source: %w", err)
	}
	return int(v.Int64()), nil
}
