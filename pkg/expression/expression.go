// Package expression implements the small extraction language the gateway
// uses to reach into inbound messages and result contexts.
//
// An extraction expression names a source and, for sources with structure, a
// path into it:
//
//	input.topic                     the topic string itself
//	input.properties:correlation_id a broker property by key
//	input.payload:user.profile.id   a gjson path into a JSON payload
//
// Evaluation distinguishes a malformed expression (an error) from a valid
// expression that finds nothing (ok == false). Callers that treat the two
// differently, such as identity extraction, rely on that distinction.
package expression

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
)

// Evaluator evaluates an extraction expression against an inbound message.
type Evaluator interface {
	Evaluate(msg *messaging.Message, expr string) (value any, ok bool, err error)
}

// source is the closed set of extraction strategies, one per message facet.
type source interface {
	extract(msg *messaging.Message, path string) (any, bool)
}

type topicSource struct{}

func (topicSource) extract(msg *messaging.Message, _ string) (any, bool) {
	if msg.Topic == "" {
		return nil, false
	}
	return msg.Topic, true
}

type propertiesSource struct{}

func (propertiesSource) extract(msg *messaging.Message, path string) (any, bool) {
	v, ok := msg.Properties[path]
	if !ok || v == "" {
		return nil, false
	}
	return v, true
}

type payloadSource struct{}

func (payloadSource) extract(msg *messaging.Message, path string) (any, bool) {
	if path == "" {
		if len(msg.Payload) == 0 {
			return nil, false
		}
		return string(msg.Payload), true
	}
	res := gjson.GetBytes(msg.Payload, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// MessageEvaluator is the default Evaluator over inbound messages.
type MessageEvaluator struct {
	sources map[string]source
}

// NewMessageEvaluator constructs an evaluator with the standard sources.
func NewMessageEvaluator() *MessageEvaluator {
	return &MessageEvaluator{
		sources: map[string]source{
			"input.topic":      topicSource{},
			"input.properties": propertiesSource{},
			"input.payload":    payloadSource{},
		},
	}
}

// Evaluate parses and evaluates an extraction expression. A nil message or a
// source the evaluator does not know is an error; a valid expression that
// resolves to nothing returns ok == false and no error.
func (e *MessageEvaluator) Evaluate(msg *messaging.Message, expr string) (any, bool, error) {
	if msg == nil {
		return nil, false, fmt.Errorf("cannot evaluate %q against a nil message", expr)
	}
	name, path, err := split(expr)
	if err != nil {
		return nil, false, err
	}
	src, ok := e.sources[name]
	if !ok {
		return nil, false, fmt.Errorf("unknown expression source %q in %q", name, expr)
	}
	v, ok := src.extract(msg, path)
	return v, ok, nil
}

// split separates "source:path" into its parts. The path is optional; an
// empty expression is malformed.
func split(expr string) (name string, path string, err error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return "", "", fmt.Errorf("empty expression")
	}
	if i := strings.Index(trimmed, ":"); i >= 0 {
		name = strings.TrimSpace(trimmed[:i])
		path = strings.TrimSpace(trimmed[i+1:])
	} else {
		name = trimmed
	}
	if name == "" {
		return "", "", fmt.Errorf("expression %q has no source", expr)
	}
	return name, path, nil
}
