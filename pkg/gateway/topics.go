package gateway

import (
	"strings"
)

// TopicMatches reports whether a concrete topic matches a subscription
// pattern. Patterns use MQTT-style wildcards: "+" matches exactly one level,
// "#" matches the remainder of the topic and must be the final level. Per
// MQTT 3.1.1 the "#" also matches its parent level, so "a/#" matches "a".
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, seg := range pp {
		if seg == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
