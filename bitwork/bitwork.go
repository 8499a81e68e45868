package bitwork

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/multiformats/go-base32"
	"github.com/sat20-labs/atomicals-market/common"
)

const (
	// MaxPrefixLen bounds the hex prefix accepted by the grammar.
	MaxPrefixLen = 10
	// SafePrefixLen is the first prefix length rejected when the safety check is on.
	SafePrefixLen = 10

	MinExtension = 1
	MaxExtension = 15
)

// crockfordAlphabet is the Crockford base32 alphabet, lower case.
const crockfordAlphabet = "0123456789abcdefghjkmnpqrstvwxyz"

var (
	hexPrefixRe = regexp.MustCompile(`^[0-9a-f]{1,10}$`)
	crockford   = base32.NewEncoding(crockfordAlphabet).WithPadding(base32.NoPadding)
)

// Spec is a parsed bitwork target. Ext is 0 when the target has no
// fractional extension.
type Spec struct {
	Raw    string `json:"raw"`
	Prefix string `json:"prefix"`
	Ext    int    `json:"ext,omitempty"`
}

func (s *Spec) String() string {
	if s.Ext == 0 {
		return s.Prefix
	}
	return fmt.Sprintf("%s.%d", s.Prefix, s.Ext)
}

// HasExtension reports whether the nibble after the prefix is constrained.
func (s *Spec) HasExtension() bool {
	return s.Ext != 0
}

// Difficulty is the expected number of candidates tried before a match.
func (s *Spec) Difficulty() float64 {
	d := 1.0
	for i := 0; i < len(s.Prefix); i++ {
		d *= 16
	}
	if s.Ext != 0 {
		d *= 16 / float64(16-s.Ext)
	}
	return d
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", common.ErrInvalidBitwork, fmt.Sprintf(format, args...))
}

// Parse validates input and returns the target it denotes. The prefix is
// either lower case hex or a Crockford base32 string that decodes to the
// bytes of a hex prefix. With safety on, prefixes of SafePrefixLen nibbles
// or more are rejected.
func Parse(input string, safety bool) (*Spec, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, invalid("empty")
	}

	parts := strings.Split(raw, ".")
	if len(parts) > 2 {
		return nil, invalid("too many separators in %q", raw)
	}

	prefix, err := normalizePrefix(parts[0])
	if err != nil {
		return nil, err
	}
	if safety && len(prefix) >= SafePrefixLen {
		return nil, invalid("prefix %q is too long to search", prefix)
	}

	spec := &Spec{Raw: raw, Prefix: prefix}
	if len(parts) == 2 {
		ext, err := strconv.Atoi(parts[1])
		if err != nil || parts[1] != strconv.Itoa(ext) {
			return nil, invalid("extension %q is not a number", parts[1])
		}
		if ext < MinExtension || ext > MaxExtension {
			return nil, invalid("extension %d out of range", ext)
		}
		spec.Ext = ext
	}
	return spec, nil
}

func normalizePrefix(s string) (string, error) {
	if s == "" {
		return "", invalid("empty prefix")
	}
	s = strings.ToLower(s)
	if hexPrefixRe.MatchString(s) {
		return s, nil
	}

	switch len(s) % 8 {
	case 1, 3, 6:
		return "", invalid("prefix %q is neither hex nor base32", s)
	}
	decoded, err := crockford.DecodeString(s)
	if err != nil {
		return "", invalid("prefix %q is neither hex nor base32", s)
	}
	prefix := hex.EncodeToString(decoded)
	if !hexPrefixRe.MatchString(prefix) {
		return "", invalid("decoded prefix %q out of range", prefix)
	}
	return prefix, nil
}

// Encode returns the Crockford base32 form of an even-length prefix.
func Encode(prefix string) (string, error) {
	b, err := hex.DecodeString(prefix)
	if err != nil {
		return "", invalid("prefix %q is not byte aligned hex", prefix)
	}
	return crockford.EncodeToString(b), nil
}

// Satisfies reports whether digestHex starts with the prefix and, when an
// extension is present, the following nibble is at least the extension.
func (s *Spec) Satisfies(digestHex string) bool {
	digest := strings.ToLower(digestHex)
	if !strings.HasPrefix(digest, s.Prefix) {
		return false
	}
	if s.Ext == 0 {
		return true
	}
	if len(digest) <= len(s.Prefix) {
		return false
	}
	v, err := strconv.ParseUint(digest[len(s.Prefix):len(s.Prefix)+1], 16, 8)
	if err != nil {
		return false
	}
	return int(v) >= s.Ext
}

func Satisfies(digestHex string, spec *Spec) bool {
	if spec == nil {
		return true
	}
	return spec.Satisfies(digestHex)
}
