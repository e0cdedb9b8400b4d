// Package topic implements MQTT topic filter matching and validation.
package topic

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	Separator      = "/"
	SingleWildcard = "+"
	MultiWildcard  = "#"
)

var (
	ErrEmptyTopic    = errors.New("topic must not be empty")
	ErrInvalidFilter = errors.New("invalid topic filter")
	ErrInvalidName   = errors.New("invalid topic name")
)

// Match reports whether a published topic matches a subscription filter.
//
// '+' matches exactly one level and '#' (last level only) matches the remaining levels, including none,
// so "a/#" matches "a". Filters starting with a wildcard never match topics starting with '$'.
func Match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") &&
		(strings.HasPrefix(filter, SingleWildcard) || strings.HasPrefix(filter, MultiWildcard)) {
		return false
	}

	filterLevels := strings.Split(filter, Separator)
	topicLevels := strings.Split(topic, Separator)

	for i, level := range filterLevels {
		if level == MultiWildcard {
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != SingleWildcard && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}

// ValidateFilter checks a subscription filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if err := validateCommon(filter); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	levels := strings.Split(filter, Separator)
	for i, level := range levels {
		if strings.Contains(level, SingleWildcard) && level != SingleWildcard {
			return fmt.Errorf("%w: '+' must occupy an entire level in %q", ErrInvalidFilter, filter)
		}
		if strings.Contains(level, MultiWildcard) {
			if level != MultiWildcard {
				return fmt.Errorf("%w: '#' must occupy an entire level in %q", ErrInvalidFilter, filter)
			}
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidFilter, filter)
			}
		}
	}
	return nil
}

// ValidateName checks a topic used in PUBLISH. Wildcards are not allowed.
func ValidateName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := validateCommon(topic); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if strings.ContainsAny(topic, SingleWildcard+MultiWildcard) {
		return fmt.Errorf("%w: wildcards are not allowed in %q", ErrInvalidName, topic)
	}
	return nil
}

func validateCommon(s string) error {
	if len(s) > 65535 {
		return fmt.Errorf("length %d exceeds 65535", len(s))
	}
	if strings.ContainsRune(s, 0) {
		return errors.New("contains null character")
	}
	if !utf8.ValidString(s) {
		return errors.New("not valid UTF-8")
	}
	return nil
}
