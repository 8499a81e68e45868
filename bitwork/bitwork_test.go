package bitwork

import (
	"strconv"
	"strings"
	"testing"

	"github.com/sat20-labs/atomicals-market/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in     string
		prefix string
		ext    int
	}{
		{"7", "7", 0},
		{"0000", "0000", 0},
		{"abc.3", "abc", 3},
		{"ABC", "abc", 0},
		{"1234567.15", "1234567", 15},
		{"exvg", "7777", 0},
		{"EXVG.8", "7777", 8},
	}
	for _, c := range cases {
		spec, err := Parse(c.in, true)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.prefix, spec.Prefix, c.in)
		assert.Equal(t, c.ext, spec.Ext, c.in)
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"0123456789",
		"0123456789.1",
		"abc.0",
		"abc.16",
		"abc.-1",
		"abc.01",
		"abc.x",
		"a.b.c",
		".5",
		"iiii",
		"abc!",
	} {
		_, err := Parse(in, true)
		assert.ErrorIs(t, err, common.ErrInvalidBitwork, in)
	}
}

func TestParse_SafetyOff(t *testing.T) {
	spec, err := Parse("0123456789", false)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", spec.Prefix)

	_, err = Parse("0123456789a", false)
	assert.ErrorIs(t, err, common.ErrInvalidBitwork)
}

func TestSatisfies_RoundTrip(t *testing.T) {
	for _, in := range []string{"7", "aa", "0000", "abc.3", "12.15", "f.1", "0.8"} {
		spec, err := Parse(in, true)
		require.NoError(t, err)

		tail := strings.Repeat("0", 64-len(spec.Prefix))
		if spec.HasExtension() {
			tail = strconv.FormatInt(int64(spec.Ext), 16) + tail[1:]
		}
		digest := spec.Prefix + tail
		assert.True(t, spec.Satisfies(digest), in)
		assert.True(t, Satisfies(strings.ToUpper(digest), spec), in)

		altered := []byte(digest)
		if spec.HasExtension() {
			altered[len(spec.Prefix)] = strconv.FormatInt(int64(spec.Ext-1), 16)[0]
		} else {
			altered[len(spec.Prefix)-1] = flip(altered[len(spec.Prefix)-1])
		}
		assert.False(t, spec.Satisfies(string(altered)), in)
	}
}

func flip(c byte) byte {
	if c == '0' {
		return '1'
	}
	return '0'
}

func TestSatisfies_ExtensionIsLowerBound(t *testing.T) {
	spec, err := Parse("ab.9", true)
	require.NoError(t, err)
	assert.False(t, spec.Satisfies("ab8fff"))
	assert.True(t, spec.Satisfies("ab9000"))
	assert.True(t, spec.Satisfies("abf000"))
	assert.False(t, spec.Satisfies("ab"))
}

func TestEncode(t *testing.T) {
	s, err := Encode("7777")
	require.NoError(t, err)
	assert.Equal(t, "exvg", s)

	spec, err := Parse(s, true)
	require.NoError(t, err)
	assert.Equal(t, "7777", spec.Prefix)

	_, err = Encode("777")
	assert.ErrorIs(t, err, common.ErrInvalidBitwork)
}

func TestSpecString(t *testing.T) {
	spec, err := Parse("exvg.8", true)
	require.NoError(t, err)
	assert.Equal(t, "7777.8", spec.String())
	assert.Equal(t, float64(65536)*2, spec.Difficulty())
}
