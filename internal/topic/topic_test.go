package topic

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"test/topic", "test/topic", true},
		{"test/topic", "test/other", false},
		{"test/topic", "test/topic/sub", false},

		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/b/c", false},
		{"test/+", "test/topic", true},
		{"test/+", "test/topic/sub", false},
		{"test/+", "test", false},
		{"test/+", "test/", true},
		{"+/topic", "test/topic", true},
		{"+/+", "test/topic", true},
		{"+", "/", false},
		{"+/+", "/", true},

		{"sensors/#", "sensors/temp/1", true},
		{"sensors/#", "sensors", true},
		{"test/#", "other/topic", false},
		{"#", "any/topic/here", true},
		{"#", "/", true},
		{"+/+/#", "test/topic/sub/deep", true},
		{"test/+/#", "test/topic", true},

		{"#", "$SYS/broker/uptime", false},
		{"+/broker/uptime", "$SYS/broker/uptime", false},
		{"$SYS/#", "$SYS/broker/uptime", true},
		{"$SYS/+/uptime", "$SYS/broker/uptime", true},

		{"test", "test", true},
		{"test/", "test/", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"_vs_"+tt.topic, func(t *testing.T) {
			result := Match(tt.filter, tt.topic)
			if result != tt.match {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.filter, tt.topic, result, tt.match)
			}
		})
	}
}

func TestMatchLiteralFilterIsIdentity(t *testing.T) {
	topics := []string{"a", "a/b", "a//b", "/a", "a/b/c/d", "$SYS/x"}
	for _, x := range topics {
		for _, y := range topics {
			assert.Equal(t, x == y, Match(x, y), "filter %q topic %q", x, y)
		}
	}
}

func TestValidateFilter(t *testing.T) {
	valid := []string{"a", "a/b", "+", "#", "a/+/c", "a/#", "+/+/#", "/", "$SYS/#"}
	for _, f := range valid {
		assert.NoError(t, ValidateFilter(f), f)
	}

	invalid := []string{"", "a/#/c", "a#", "a/b+", "a/+b/c", "##", "a\x00b", string([]byte{0xff})}
	for _, f := range invalid {
		assert.Error(t, ValidateFilter(f), fmt.Sprintf("%q", f))
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("sensors/temp/1"))
	assert.NoError(t, ValidateName("/"))
	assert.ErrorIs(t, ValidateName(""), ErrEmptyTopic)
	assert.ErrorIs(t, ValidateName("sensors/+"), ErrInvalidName)
	assert.ErrorIs(t, ValidateName("sensors/#"), ErrInvalidName)
	assert.ErrorIs(t, ValidateName("a\x00"), ErrInvalidName)
}
