package topic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhimiaox/zmqx-retain/errors"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		in     string
		levels []string
		ok     bool
	}{
		{"a", []string{"a"}, true},
		{"a/b/c", []string{"a", "b", "c"}, true},
		{"/a", []string{"", "a"}, true},
		{"a/", []string{"a", ""}, true},
		{"/", []string{"", ""}, true},
		{"a//b", []string{"a", "", "b"}, true},
		{"$SYS/broker", []string{"$SYS", "broker"}, true},
		{"", nil, false},
		{"a/+", nil, false},
		{"a/#", nil, false},
		{"a+b", nil, false},
		{"a\x00b", nil, false},
		{"\xff\xfe", nil, false},
		{strings.Repeat("a", 65536), nil, false},
	}
	for _, tt := range tests {
		n, err := ParseName(tt.in)
		if !tt.ok {
			assert.ErrorIs(t, err, errors.ErrInvalidTopic, "name %q", tt.in)
			continue
		}
		require.NoError(t, err, "name %q", tt.in)
		assert.Equal(t, tt.levels, n.Levels())
		assert.Equal(t, tt.in, n.String())
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"a/b", true},
		{"#", true},
		{"+", true},
		{"a/#", true},
		{"+/+/#", true},
		{"/+", true},
		{"a//#", true},
		{"", false},
		{"a/#/b", false},
		{"#/a", false},
		{"a#", false},
		{"a/b+", false},
		{"+a", false},
		{"a\x00", false},
		{strings.Repeat("a", 65536), false},
	}
	for _, tt := range tests {
		_, err := ParseFilter(tt.in)
		if tt.ok {
			assert.NoError(t, err, "filter %q", tt.in)
		} else {
			assert.ErrorIs(t, err, errors.ErrInvalidFilter, "filter %q", tt.in)
		}
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		name   string
		want   bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/B", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"#", "a", true},
		{"#", "a/b/c", true},
		{"#", "/", true},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"a/#", "ab", false},
		{"a/+", "a", false},
		{"a/+", "a/", true},
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"+/b", "/b", true},
		{"+", "/a", false},
		{"/+", "/a", true},
		{"a//b", "a//b", true},
		{"a/+/b", "a//b", true},
		{"a/b", "a//b", false},
		{"+/+/#", "a/b", true},
		{"#", "$SYS/uptime", false},
		{"+/uptime", "$SYS/uptime", false},
		{"$SYS/#", "$SYS/uptime", true},
		{"$SYS/+", "$SYS/uptime", true},
		{"$SYS/#", "$SYS", true},
	}
	for _, tt := range tests {
		f := MustParseFilter(tt.filter)
		n := MustParseName(tt.name)
		assert.Equal(t, tt.want, Match(f, n), "filter %q name %q", tt.filter, tt.name)
	}
}

func TestMatchWildcardFreeIsEquality(t *testing.T) {
	names := []string{"a", "a/b", "/a", "a/", "a//b", "x/y/z"}
	for _, fs := range names {
		for _, ns := range names {
			f := MustParseFilter(fs)
			n := MustParseName(ns)
			assert.Equal(t, fs == ns, Match(f, n), "filter %q name %q", fs, ns)
		}
	}
}

func TestFilterFlags(t *testing.T) {
	assert.False(t, MustParseFilter("a/b").HasWildcard())
	assert.True(t, MustParseFilter("a/+").HasWildcard())
	assert.True(t, MustParseFilter("#").LeadingWildcard())
	assert.False(t, MustParseFilter("a/#").LeadingWildcard())
	assert.True(t, MustParseName("$SYS/a").IsSystem())
	assert.True(t, Filter{}.IsZero())
	assert.False(t, Match(Filter{}, MustParseName("a")))
}
