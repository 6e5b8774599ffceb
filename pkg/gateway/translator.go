package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-event-gateway/pkg/expression"
	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
	"github.com/illmade-knight/go-event-gateway/pkg/taskengine"
)

// Identity is the authenticated originator of an inbound message.
type Identity struct {
	ID string

	// Source records where the identity came from: "message" for a
	// successfully extracted identity, "default" for the configured
	// fallback.
	Source string
}

const (
	IdentitySourceMessage = "message"
	IdentitySourceDefault = "default"
)

// InvocationKind is the tagged variant distinguishing free-text agent
// invocations from schema-validated sub-workflow calls. It is resolved once
// per handler at translation time.
type InvocationKind interface{ isInvocationKind() }

// TextInvocation is a plain free-text agent invocation.
type TextInvocation struct{}

func (TextInvocation) isInvocationKind() {}

// StructuredInvocation is a typed sub-workflow call carrying its schemas.
type StructuredInvocation struct {
	InputSchema  map[string]any
	OutputSchema map[string]any
}

func (StructuredInvocation) isInvocationKind() {}

// Translation is the result of converting an inbound message into an
// execution-engine submission.
type Translation struct {
	Target   string
	Kind     InvocationKind
	Identity *Identity
	Parts    []taskengine.Part
	Context  map[string]any
}

// IdentityVerifier checks an extracted identity against a principal store.
// A nil error means the identity is known and active.
type IdentityVerifier interface {
	Verify(ctx context.Context, id string) error
}

// Translator converts inbound messages into typed invocation requests.
type Translator struct {
	eval     expression.Evaluator
	verifier IdentityVerifier // optional
	logger   zerolog.Logger
}

// NewTranslator creates a Translator over the given expression evaluator.
func NewTranslator(eval expression.Evaluator, logger zerolog.Logger) *Translator {
	return &Translator{
		eval:   eval,
		logger: logger.With().Str("component", "Translator").Logger(),
	}
}

// SetIdentityVerifier installs principal verification for identities
// extracted from messages. Configured default identities are trusted and
// skip verification.
func (t *Translator) SetIdentityVerifier(v IdentityVerifier) {
	t.verifier = v
}

// ExtractIdentity evaluates the handler's identity expression against the
// message. An expression evaluation error fails authentication outright: the
// configured default is used only when the expression yields an absent or
// empty result, never to paper over an evaluation failure. When a principal
// verifier is installed, message-sourced identities that it rejects also fail
// authentication.
func (t *Translator) ExtractIdentity(ctx context.Context, msg *messaging.Message, handler *HandlerConfig) (*Identity, error) {
	if handler.UserIdentityExpression != "" {
		v, ok, err := t.eval.Evaluate(msg, handler.UserIdentityExpression)
		if err != nil {
			return nil, fmt.Errorf("%w: identity expression %q: %v", ErrAuthenticationFailed, handler.UserIdentityExpression, err)
		}
		if ok {
			id := ""
			if s, isStr := v.(string); isStr {
				id = s
			} else {
				id = fmt.Sprintf("%v", v)
			}
			if id != "" {
				if t.verifier != nil {
					if err := t.verifier.Verify(ctx, id); err != nil {
						return nil, fmt.Errorf("%w: principal %q: %v", ErrAuthenticationFailed, id, err)
					}
				}
				return &Identity{ID: id, Source: IdentitySourceMessage}, nil
			}
		}
	}
	if handler.DefaultUserIdentity != "" {
		return &Identity{ID: handler.DefaultUserIdentity, Source: IdentitySourceDefault}, nil
	}
	return nil, nil
}

// ResolveTargetName resolves a target from an expression field with a static
// fallback. An absent expression, a failing evaluation, or an empty result
// all fall back to the static value, which may itself be empty. It never
// returns an error.
func (t *Translator) ResolveTargetName(msg *messaging.Message, exprField, staticField string) string {
	if exprField != "" {
		v, ok, err := t.eval.Evaluate(msg, exprField)
		if err != nil {
			t.logger.Debug().Err(err).Str("expression", exprField).Msg("Target expression failed, falling back to static value.")
		} else if ok {
			if s, isStr := v.(string); isStr && s != "" {
				return s
			}
		}
	}
	return staticField
}

// resolveKind determines the invocation kind and target. A handler is a
// structured invocation when it resolves a non-empty workflow target or
// declares a schema; a workflow target always outranks an agent target.
func (t *Translator) resolveKind(msg *messaging.Message, handler *HandlerConfig) (string, InvocationKind) {
	workflow := t.ResolveTargetName(msg, handler.TargetWorkflowNameExpression, handler.TargetWorkflowName)
	agent := t.ResolveTargetName(msg, handler.TargetAgentNameExpression, handler.TargetAgentName)

	declaresSchema := handler.StructuredInvocation != nil &&
		(handler.StructuredInvocation.InputSchema != nil || handler.StructuredInvocation.OutputSchema != nil)

	if workflow == "" && !declaresSchema {
		return agent, TextInvocation{}
	}

	structured := StructuredInvocation{}
	if handler.StructuredInvocation != nil {
		structured.InputSchema = handler.StructuredInvocation.InputSchema
		structured.OutputSchema = handler.StructuredInvocation.OutputSchema
	}
	target := workflow
	if target == "" {
		target = agent
	}
	return target, structured
}

// Translate converts an inbound message into a Translation. A nil message or
// nil handler yields a nil Translation with no error: the message is not
// this gateway's concern. Authentication and expression failures return
// wrapped sentinel errors for the dispatcher's failure policy.
func (t *Translator) Translate(ctx context.Context, msg *messaging.Message, handler *HandlerConfig) (*Translation, error) {
	if msg == nil || handler == nil {
		return nil, nil
	}

	identity, err := t.ExtractIdentity(ctx, msg, handler)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: handler %s", ErrAuthenticationFailed, handler.Name)
	}

	target, kind := t.resolveKind(msg, handler)
	if target == "" {
		return nil, fmt.Errorf("%w: handler %s resolved no target", ErrTranslationFailed, handler.Name)
	}

	text, err := t.buildInputText(msg, handler)
	if err != nil {
		return nil, err
	}

	parts := []taskengine.Part{{Kind: taskengine.PartText, Text: text}}
	if structured, ok := kind.(StructuredInvocation); ok {
		parts = append(parts, taskengine.Part{
			Kind:         taskengine.PartStructured,
			Filename:     fmt.Sprintf("%s_result.json", handler.Name),
			InputSchema:  structured.InputSchema,
			OutputSchema: structured.OutputSchema,
		})
	}

	context := map[string]any{
		"handler_name":    handler.Name,
		"user_id":         identity.ID,
		"identity_source": identity.Source,
	}
	if forwarded := t.forwardContext(msg, handler); len(forwarded) > 0 {
		context["forwarded_context"] = forwarded
	}

	return &Translation{
		Target:   target,
		Kind:     kind,
		Identity: identity,
		Parts:    parts,
		Context:  context,
	}, nil
}

// buildInputText evaluates the handler's input expression into the text
// part. An evaluation error is a translation failure; an absent result is an
// empty text part.
func (t *Translator) buildInputText(msg *messaging.Message, handler *HandlerConfig) (string, error) {
	if handler.InputExpression == "" {
		return string(msg.Payload), nil
	}
	v, ok, err := t.eval.Evaluate(msg, handler.InputExpression)
	if err != nil {
		return "", fmt.Errorf("%w: input expression %q: %v", ErrTranslationFailed, handler.InputExpression, err)
	}
	if !ok {
		return "", nil
	}
	return stringifyValue(v), nil
}

// forwardContext populates the declared forwarded-context keys. A key whose
// expression fails or resolves to nothing is skipped; correlation context is
// best-effort and never fails translation.
func (t *Translator) forwardContext(msg *messaging.Message, handler *HandlerConfig) map[string]any {
	if len(handler.ForwardContext) == 0 {
		return nil
	}
	out := make(map[string]any, len(handler.ForwardContext))
	for key, expr := range handler.ForwardContext {
		v, ok, err := t.eval.Evaluate(msg, expr)
		if err != nil {
			t.logger.Debug().Err(err).Str("key", key).Msg("Forward-context expression failed, skipping key.")
			continue
		}
		if !ok {
			continue
		}
		out[key] = v
	}
	return out
}

func stringifyValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
