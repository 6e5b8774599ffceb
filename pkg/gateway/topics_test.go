package gateway_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/illmade-knight/go-event-gateway/pkg/gateway"
)

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/+/c", "a/b/x/c", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true}, // '#' includes the parent level itself
		{"#", "anything/at/all", true},
		{"a/#/c", "a/b/c", false}, // '#' must be the final level
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"a/b", "a", false},
		{"a", "a/b", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, gateway.TopicMatches(tc.pattern, tc.topic), "pattern=%s topic=%s", tc.pattern, tc.topic)
	}
}
