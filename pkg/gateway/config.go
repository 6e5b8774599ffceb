package gateway

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Subscription binds a handler to a broker topic pattern at a
// quality-of-service level.
type Subscription struct {
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos"`
}

// StructuredInvocationConfig declares the schemas of a schema-validated
// sub-workflow call.
type StructuredInvocationConfig struct {
	InputSchema  map[string]any `yaml:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema"`
}

// FailurePolicyConfig configures what settlement failure does to the inbound
// message. Fields are pointers so a handler can override one field and
// inherit the rest.
type FailurePolicyConfig struct {
	Action      *string `yaml:"action"`       // "ack" or "nack"
	NackOutcome *string `yaml:"nack_outcome"` // "rejected" or "failed"
}

// AckPolicyConfig is the declarative, partially-specified form of an
// acknowledgment policy. Unset fields inherit from the next level down.
type AckPolicyConfig struct {
	Mode           *string              `yaml:"mode"` // "on_receive" or "on_completion"
	TimeoutSeconds *int                 `yaml:"timeout_seconds"`
	OnFailure      *FailurePolicyConfig `yaml:"on_failure"`
}

// HandlerConfig describes one inbound message handler. It is immutable once
// loaded.
type HandlerConfig struct {
	Name          string         `yaml:"name"`
	Subscriptions []Subscription `yaml:"subscriptions"`

	// InputExpression builds the text invocation part.
	InputExpression string `yaml:"input_expression"`

	TargetAgentName              string `yaml:"target_agent_name"`
	TargetAgentNameExpression    string `yaml:"target_agent_name_expression"`
	TargetWorkflowName           string `yaml:"target_workflow_name"`
	TargetWorkflowNameExpression string `yaml:"target_workflow_name_expression"`

	StructuredInvocation *StructuredInvocationConfig `yaml:"structured_invocation"`

	PayloadFormat   string `yaml:"payload_format"`
	PayloadEncoding string `yaml:"payload_encoding"`

	// ForwardContext maps context keys to extraction expressions; the
	// extracted values reappear in output-handler template evaluation.
	ForwardContext map[string]string `yaml:"forward_context"`

	UserIdentityExpression string `yaml:"user_identity_expression"`
	DefaultUserIdentity    string `yaml:"default_user_identity"`

	AcknowledgmentPolicy *AckPolicyConfig `yaml:"acknowledgment_policy"`

	OnSuccess string `yaml:"on_success"`
	OnError   string `yaml:"on_error"`
}

// OutputHandlerConfig describes one outbound routing target.
type OutputHandlerConfig struct {
	Name              string `yaml:"name"`
	TopicExpression   string `yaml:"topic_expression"`
	PayloadExpression string `yaml:"payload_expression"`
	PayloadFormat     string `yaml:"payload_format"`
}

// Config is the gateway's handler-facing configuration, loaded once per
// instance.
type Config struct {
	// DefaultAckPolicy is the gateway-level acknowledgment policy default.
	DefaultAckPolicy *AckPolicyConfig `yaml:"default_acknowledgment_policy"`

	Handlers       []HandlerConfig       `yaml:"handlers"`
	OutputHandlers []OutputHandlerConfig `yaml:"output_handlers"`
}

// LoadConfig reads and validates a YAML gateway configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-references and uniqueness constraints.
func (c *Config) Validate() error {
	handlerNames := make(map[string]struct{}, len(c.Handlers))
	outputNames := make(map[string]struct{}, len(c.OutputHandlers))

	for _, out := range c.OutputHandlers {
		if out.Name == "" {
			return fmt.Errorf("output handler with empty name")
		}
		if _, dup := outputNames[out.Name]; dup {
			return fmt.Errorf("duplicate output handler name %q", out.Name)
		}
		if out.TopicExpression == "" {
			return fmt.Errorf("output handler %q has no topic_expression", out.Name)
		}
		outputNames[out.Name] = struct{}{}
	}

	for _, h := range c.Handlers {
		if h.Name == "" {
			return fmt.Errorf("handler with empty name")
		}
		if _, dup := handlerNames[h.Name]; dup {
			return fmt.Errorf("duplicate handler name %q", h.Name)
		}
		handlerNames[h.Name] = struct{}{}

		if len(h.Subscriptions) == 0 {
			return fmt.Errorf("handler %q has no subscriptions", h.Name)
		}
		for _, ref := range []string{h.OnSuccess, h.OnError} {
			if ref == "" {
				continue
			}
			if _, ok := outputNames[ref]; !ok {
				return fmt.Errorf("handler %q references unknown output handler %q", h.Name, ref)
			}
		}
	}
	return nil
}

// SubscriptionTopics returns the de-duplicated union of all subscription
// topics across all handlers, in first-seen order. QoS is the highest
// requested for the topic.
func (c *Config) SubscriptionTopics() []Subscription {
	seen := make(map[string]int)
	var out []Subscription
	for _, h := range c.Handlers {
		for _, sub := range h.Subscriptions {
			if i, ok := seen[sub.Topic]; ok {
				if sub.QoS > out[i].QoS {
					out[i].QoS = sub.QoS
				}
				continue
			}
			seen[sub.Topic] = len(out)
			out = append(out, sub)
		}
	}
	return out
}

// HandlerForTopic returns the first handler whose subscriptions match the
// topic, or nil when the message is not this gateway's concern.
func (c *Config) HandlerForTopic(topic string) *HandlerConfig {
	for i := range c.Handlers {
		for _, sub := range c.Handlers[i].Subscriptions {
			if TopicMatches(sub.Topic, topic) {
				return &c.Handlers[i]
			}
		}
	}
	return nil
}
