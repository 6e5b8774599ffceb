package gateway

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/go-event-gateway/pkg/expression"
	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
	"github.com/illmade-knight/go-event-gateway/pkg/taskengine"
)

// ArtifactWriter stores oversized result payloads out of band and returns a
// stable URI for the stored object.
type ArtifactWriter interface {
	Save(ctx context.Context, objectKey string, data []byte, contentType string) (string, error)
}

// OutputRouterConfig holds configuration for the output router.
type OutputRouterConfig struct {
	// InlinePayloadLimit is the largest payload published directly to the
	// broker; larger payloads are offloaded to the artifact writer when one
	// is configured. Zero disables offloading.
	InlinePayloadLimit int
}

// OutputRouter evaluates output-handler templates against task results and
// publishes the outbound message.
type OutputRouter struct {
	cfg       OutputRouterConfig
	outputs   map[string]OutputHandlerConfig
	publisher messaging.MessagePublisher
	artifacts ArtifactWriter // optional
	logger    zerolog.Logger
}

// NewOutputRouter creates an OutputRouter over the configured output
// handlers. The artifact writer may be nil.
func NewOutputRouter(
	cfg OutputRouterConfig,
	outputs []OutputHandlerConfig,
	publisher messaging.MessagePublisher,
	artifacts ArtifactWriter,
	logger zerolog.Logger,
) (*OutputRouter, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	byName := make(map[string]OutputHandlerConfig, len(outputs))
	for _, out := range outputs {
		byName[out.Name] = out
	}
	return &OutputRouter{
		cfg:       cfg,
		outputs:   byName,
		publisher: publisher,
		artifacts: artifacts,
		logger:    logger.With().Str("component", "OutputRouter").Logger(),
	}, nil
}

// Route publishes the task result through the handler's on_success or
// on_error output handler. A handler with no configured output for the
// outcome routes nothing, which is not an error.
func (r *OutputRouter) Route(ctx context.Context, handler *HandlerConfig, completion taskengine.Completion) error {
	name := handler.OnSuccess
	if !completion.Success {
		name = handler.OnError
	}
	if name == "" {
		return nil
	}
	out, ok := r.outputs[name]
	if !ok {
		return fmt.Errorf("handler %s references unknown output handler %s", handler.Name, name)
	}

	resultCtx := resultContext(completion)

	topic, err := expression.Expand(out.TopicExpression, resultCtx)
	if err != nil {
		return fmt.Errorf("output handler %s topic expression: %w", name, err)
	}

	value := resolvePayloadValue(out.PayloadExpression, resultCtx)
	format, contentType := formatInfo(out.PayloadFormat)
	payload, err := serializeForFormat(value, format)
	if err != nil {
		return fmt.Errorf("output handler %s payload serialization: %w", name, err)
	}

	properties := map[string]string{
		"content-type": contentType,
		"task-id":      completion.TaskID,
	}

	if r.artifacts != nil && r.cfg.InlinePayloadLimit > 0 && len(payload) > r.cfg.InlinePayloadLimit {
		return r.publishViaArtifact(ctx, handler, completion, topic, payload, contentType, properties)
	}

	if err := r.publisher.Publish(ctx, topic, payload, properties); err != nil {
		return fmt.Errorf("failed to publish output for handler %s: %w", handler.Name, err)
	}
	r.logger.Debug().Str("topic", topic).Str("output_handler", name).Str("task_id", completion.TaskID).Msg("Result published.")
	return nil
}

// publishViaArtifact offloads an oversized payload to the artifact store
// and publishes a reference message in its place.
func (r *OutputRouter) publishViaArtifact(
	ctx context.Context,
	handler *HandlerConfig,
	completion taskengine.Completion,
	topic string,
	payload []byte,
	contentType string,
	properties map[string]string,
) error {
	key := path.Join(handler.Name, completion.TaskID, "result"+extensionForContentType(contentType))
	uri, err := r.artifacts.Save(ctx, key, payload, contentType)
	if err != nil {
		return fmt.Errorf("failed to offload payload to artifact store: %w", err)
	}

	ref, err := json.Marshal(map[string]any{
		"artifact_uri": uri,
		"content_type": contentType,
		"size_bytes":   len(payload),
		"task_id":      completion.TaskID,
	})
	if err != nil {
		return err
	}
	properties["content-type"] = "application/json"
	properties["artifact-uri"] = uri

	if err := r.publisher.Publish(ctx, topic, ref, properties); err != nil {
		return fmt.Errorf("failed to publish artifact reference for handler %s: %w", handler.Name, err)
	}
	r.logger.Info().Str("topic", topic).Str("artifact_uri", uri).Int("size_bytes", len(payload)).Msg("Oversized result offloaded to artifact store.")
	return nil
}

// resultContext builds the template evaluation context for a completion,
// carrying the forwarded context captured at input time so outputs can
// correlate request and response without external state.
func resultContext(completion taskengine.Completion) map[string]any {
	ctx := map[string]any{
		"task": map[string]any{
			"id":      completion.TaskID,
			"success": completion.Success,
		},
		"result": completion.Result,
		"error":  completion.Error,
	}
	if completion.Context != nil {
		if fc, ok := completion.Context["forwarded_context"]; ok {
			ctx["forwarded_context"] = fc
		}
	}
	return ctx
}

var wholePlaceholderRe = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*}}$`)

// resolvePayloadValue evaluates the payload expression. A template that is a
// single placeholder yields the referenced value with its structure intact
// (so json/yaml/csv formats serialize real data); anything else expands to a
// string. An empty expression yields the whole result context.
func resolvePayloadValue(expr string, resultCtx map[string]any) any {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return resultCtx
	}
	if m := wholePlaceholderRe.FindStringSubmatch(trimmed); m != nil {
		if v, ok := expression.Lookup(resultCtx, strings.TrimSpace(m[1])); ok {
			return v
		}
		return nil
	}
	s, err := expression.Expand(trimmed, resultCtx)
	if err != nil {
		return nil
	}
	return s
}

// formatInfo maps a configured payload format to its canonical name and MIME
// content type. Unrecognized formats default to json.
func formatInfo(format string) (string, string) {
	switch strings.ToLower(format) {
	case "yaml":
		return "yaml", "application/yaml"
	case "text":
		return "text", "text/plain"
	case "csv":
		return "csv", "text/csv"
	case "json":
		return "json", "application/json"
	default:
		return "json", "application/json"
	}
}

func extensionForContentType(contentType string) string {
	switch contentType {
	case "application/yaml":
		return ".yaml"
	case "text/plain":
		return ".txt"
	case "text/csv":
		return ".csv"
	default:
		return ".json"
	}
}

// serializeForFormat renders a value in the requested format. CSV applies
// only to non-empty lists of uniform mappings; any other shape falls back to
// JSON rather than raising.
func serializeForFormat(data any, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(data)
	case "text":
		switch s := data.(type) {
		case string:
			return []byte(s), nil
		case []byte:
			return s, nil
		default:
			return []byte(fmt.Sprintf("%v", data)), nil
		}
	case "csv":
		if rows, ok := uniformRows(data); ok {
			return writeCSV(rows)
		}
		return json.Marshal(data)
	default:
		return json.Marshal(data)
	}
}

// uniformRows reports whether data is a non-empty list of mappings sharing a
// column set, normalizing to []map[string]any.
func uniformRows(data any) ([]map[string]any, bool) {
	list, ok := data.([]any)
	if !ok {
		if typed, isTyped := data.([]map[string]any); isTyped && len(typed) > 0 {
			list = make([]any, len(typed))
			for i, row := range typed {
				list[i] = row
			}
		} else {
			return nil, false
		}
	}
	if len(list) == 0 {
		return nil, false
	}

	rows := make([]map[string]any, 0, len(list))
	var columns []string
	for _, item := range list {
		row, isMap := item.(map[string]any)
		if !isMap {
			return nil, false
		}
		keys := sortedKeys(row)
		if columns == nil {
			columns = keys
		} else if !equalStrings(columns, keys) {
			return nil, false
		}
		rows = append(rows, row)
	}
	return rows, true
}

func writeCSV(rows []map[string]any) ([]byte, error) {
	columns := sortedKeys(rows[0])
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			record[i] = stringifyValue(row[col])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
