package ability

import (
	"context"
	"fmt"
	"time"

	"github.com/kotonelabs/kotone/pkg/memory"
)

// Recaller is the slice of the memory service consumed by the recall_memory
// ability. A zero topK means the service default.
type Recaller interface {
	Recall(ctx context.Context, query, sessionID string, topK int) ([]memory.Result, error)
}

// RegisterDefaults registers the abilities the kernel ships in-process:
// get_time always, recall_memory when a memory service is attached.
func RegisterDefaults(b *Builtin, rec Recaller) error {
	if err := b.Register(getTimeDescriptor, getTime); err != nil {
		return err
	}
	if rec != nil {
		if err := b.Register(recallMemoryDescriptor, recallMemory(rec)); err != nil {
			return err
		}
	}
	return nil
}

var getTimeDescriptor = Descriptor{
	Name:        "get_time",
	Description: "Returns the current date and time, optionally in a specific IANA timezone.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, e.g. \"Asia/Tokyo\". Defaults to the server's local time.",
			},
		},
	},
}

func getTime(_ context.Context, params map[string]any, _ CallContext) (Result, error) {
	now := time.Now()
	if tz, _ := params["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Failure(fmt.Sprintf("unknown timezone %q", tz)), nil
		}
		now = now.In(loc)
	}
	return Result{
		Success: true,
		Data: map[string]any{
			"time":     now.Format(time.RFC3339),
			"weekday":  now.Weekday().String(),
			"timezone": now.Location().String(),
		},
	}, nil
}

var recallMemoryDescriptor = Descriptor{
	Name:        "recall_memory",
	Description: "Searches the companion's long-term memory for records relevant to a query.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to search for.",
			},
			"top_k": map[string]any{
				"type":        "integer",
				"description": "Maximum number of records to return.",
			},
		},
		"required": []any{"query"},
	},
}

func recallMemory(rec Recaller) Func {
	return func(ctx context.Context, params map[string]any, call CallContext) (Result, error) {
		query, _ := params["query"].(string)
		if query == "" {
			return Failure("recall_memory requires a query"), nil
		}
		topK := 0
		if v, ok := params["top_k"].(float64); ok { // JSON numbers decode as float64
			topK = int(v)
		}

		results, err := rec.Recall(ctx, query, call.SessionID, topK)
		if err != nil {
			return Failure("memory recall failed: " + err.Error()), nil
		}

		items := make([]map[string]any, 0, len(results))
		for _, r := range results {
			items = append(items, map[string]any{
				"content":   r.Record.Content,
				"role":      r.Record.Role,
				"score":     r.Score,
				"timestamp": r.Record.Timestamp.Format(time.RFC3339),
			})
		}
		return Result{Success: true, Data: map[string]any{"memories": items}}, nil
	}
}
