// Package convert maps domain values to and from the API wire forms.
package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/walletrelay/internal/model"
)

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func strPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// --- Queue entry (server -> client) ---

// EntryMap renders a queue entry in its wire form: camelCase keys, RFC 3339 times,
// nulls for unset fields and the payload as a JSON object.
func EntryMap(e model.QueueEntry) map[string]any {
	var payload any
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			payload = string(e.Payload)
		}
	}
	return map[string]any{
		"id":            e.ID.String(),
		"walletAddress": e.WalletAddress,
		"status":        string(e.Status),
		"type":          string(e.Type),
		"payload":       payload,
		"txHash":        strPtr(e.TxHash),
		"taskId":        strPtr(e.TaskID),
		"errorMessage":  strPtr(e.ErrorMessage),
		"cooldownUntil": tsPtr(e.CooldownUntil),
		"attempts":      e.Attempts,
		"sendingSince":  tsPtr(e.SendingSince),
		"createdAt":     ts(e.CreatedAt),
		"updatedAt":     ts(e.UpdatedAt),
	}
}

// ToStructEntry converts a queue entry to a protobuf Struct.
func ToStructEntry(e model.QueueEntry) (*structpb.Struct, error) {
	return structpb.NewStruct(EntryMap(e))
}

// ToStructEntries converts entries to a list value, order preserved.
func ToStructEntries(es []model.QueueEntry) (*structpb.ListValue, error) {
	vals := make([]any, 0, len(es))
	for _, e := range es {
		vals = append(vals, EntryMap(e))
	}
	return structpb.NewList(vals)
}

// --- Requests (client -> server) ---

// String returns a string field of s, or "" when absent or not a string.
func String(s *structpb.Struct, key string) string {
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// Int returns a numeric field of s truncated to int, or def when absent.
func Int(s *structpb.Struct, key string, def int) int {
	v, ok := s.GetFields()[key]
	if !ok {
		return def
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return def
	}
	return int(v.GetNumberValue())
}

// FromStructOpRequest reads a transaction intent. Unknown keys are ignored.
func FromStructOpRequest(s *structpb.Struct) (model.OpRequest, error) {
	if s == nil {
		return model.OpRequest{}, fmt.Errorf("nil request")
	}
	return model.OpRequest{
		Type:   model.OpType(String(s, "type")),
		Token:  String(s, "token"),
		To:     String(s, "to"),
		Owner:  String(s, "owner"),
		Amount: String(s, "amount"),
	}, nil
}

// ToStructOpRequest is the client side of FromStructOpRequest.
func ToStructOpRequest(r model.OpRequest, pin string) (*structpb.Struct, error) {
	m := map[string]any{
		"pin":    pin,
		"type":   string(r.Type),
		"to":     r.To,
		"amount": r.Amount,
	}
	if r.Token != "" {
		m["token"] = r.Token
	}
	if r.Owner != "" {
		m["owner"] = r.Owner
	}
	return structpb.NewStruct(m)
}
