// Package topic parses MQTT topic names and topic filters and matches them
// against each other.
//
// Levels are separated by '/'. Empty levels are significant, so "/a", "a"
// and "a/" are three different topics. In a filter '+' stands for exactly
// one level and '#' for any number of trailing levels, including none, so
// "a/#" matches "a" itself.
package topic

import (
	"strings"
	"unicode/utf8"

	"github.com/zhimiaox/zmqx-retain/consts"
	"github.com/zhimiaox/zmqx-retain/errors"
)

const (
	Separator      = "/"
	SingleWildcard = "+"
	MultiWildcard  = "#"
)

// Name is a parsed topic name, the destination of a publish.
type Name struct {
	raw    string
	levels []string
}

// Filter is a parsed subscription filter.
type Filter struct {
	raw    string
	levels []string
}

// ParseName validates s as a topic name.
func ParseName(s string) (Name, error) {
	if !validString(s) {
		return Name{}, errors.ErrInvalidTopic
	}
	if strings.ContainsAny(s, SingleWildcard+MultiWildcard) {
		return Name{}, errors.ErrInvalidTopic
	}
	return Name{raw: s, levels: strings.Split(s, Separator)}, nil
}

// ParseFilter validates s as a topic filter.
func ParseFilter(s string) (Filter, error) {
	if !validString(s) {
		return Filter{}, errors.ErrInvalidFilter
	}
	levels := strings.Split(s, Separator)
	for i, lv := range levels {
		switch {
		case lv == MultiWildcard:
			if i != len(levels)-1 {
				return Filter{}, errors.ErrInvalidFilter
			}
		case lv == SingleWildcard:
		case strings.ContainsAny(lv, SingleWildcard+MultiWildcard):
			return Filter{}, errors.ErrInvalidFilter
		}
	}
	return Filter{raw: s, levels: levels}, nil
}

// MustParseFilter is like ParseFilter but panics on error.
func MustParseFilter(s string) Filter {
	f, err := ParseFilter(s)
	if err != nil {
		panic(err)
	}
	return f
}

// MustParseName is like ParseName but panics on error.
func MustParseName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func validString(s string) bool {
	return s != "" &&
		len(s) <= consts.MaxTopicLength &&
		utf8.ValidString(s) &&
		strings.IndexByte(s, 0) == -1
}

func (n Name) String() string { return n.raw }

// Levels returns the levels of the name. The slice must not be modified.
func (n Name) Levels() []string { return n.levels }

// IsSystem reports whether the name lives in the '$' namespace.
func (n Name) IsSystem() bool { return IsSystem(n.raw) }

// IsZero reports whether n is the zero Name.
func (n Name) IsZero() bool { return len(n.levels) == 0 }

func (f Filter) String() string { return f.raw }

// Levels returns the levels of the filter. The slice must not be modified.
func (f Filter) Levels() []string { return f.levels }

func (f Filter) IsZero() bool { return len(f.levels) == 0 }

// HasWildcard reports whether any level is '+' or '#'.
func (f Filter) HasWildcard() bool {
	for _, lv := range f.levels {
		if lv == SingleWildcard || lv == MultiWildcard {
			return true
		}
	}
	return false
}

// LeadingWildcard reports whether the first level is a wildcard. Such a
// filter never matches a '$' topic.
func (f Filter) LeadingWildcard() bool {
	return len(f.levels) > 0 && (f.levels[0] == SingleWildcard || f.levels[0] == MultiWildcard)
}

// Match reports whether name matches filter.
func Match(filter Filter, name Name) bool {
	if filter.IsZero() || name.IsZero() {
		return false
	}
	if name.IsSystem() && filter.LeadingWildcard() {
		return false
	}
	for i, lv := range filter.levels {
		if lv == MultiWildcard {
			return true
		}
		if i >= len(name.levels) {
			return false
		}
		if lv != SingleWildcard && lv != name.levels[i] {
			return false
		}
	}
	return len(filter.levels) == len(name.levels)
}

// IsSystem reports whether the topic starts with '$'.
func IsSystem(topicName string) bool {
	return len(topicName) >= 1 && topicName[0] == '$'
}
