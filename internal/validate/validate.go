// Package validate implements the structural and semantic checks an
// inbound envelope must pass before the broker will act on it
// (spec.md §4.2). Validator never panics or returns a Go error: violations
// are reported as a Diagnostic and the caller drops the envelope.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"hydrarouter/internal/envelope"
)

const (
	// DefaultMaxMessageSize matches the original reference's 1MB ceiling
	// on the whole serialized envelope (spec.md §4.2 rule 7).
	DefaultMaxMessageSize = 1024 * 1024
	// DefaultMaxDataSize matches the original reference's 512KB ceiling
	// on the serialized data field alone.
	DefaultMaxDataSize = 512 * 1024

	maxDiagnosticBody = 500
)

// Rule names each of the seven ordered checks in spec.md §4.2, so a
// Diagnostic can name the exact rule violated.
type Rule string

const (
	RuleNotMapping      Rule = "value_is_mapping"
	RuleMissingRequired Rule = "required_fields_present"
	RuleSender          Rule = "sender_valid"
	RuleElem            Rule = "elem_valid"
	RuleDataType        Rule = "data_is_mapping_or_absent"
	RuleOptionalTypes   Rule = "optional_field_types"
	RuleSize            Rule = "serialized_size_limit"
)

// Diagnostic describes exactly why an envelope was rejected: the rule
// violated, the schema the validator expected, the fields and field types
// actually observed, and the offending message truncated to 500 characters
// (spec.md §4.2, §7 "Observability requirement").
type Diagnostic struct {
	Rule        Rule
	Reason      string
	Fields      []string
	FieldTypes  map[string]string
	OffendingBody string
}

// String renders the diagnostic the way every dropped-envelope log line
// in this repo does: rule, reason, expected schema, observed fields and
// types, and the truncated body — the same shape as the original
// reference's get_validation_error_details. It renders no legacy-field or
// unknown-field hint.
func (d Diagnostic) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed: rule=%s reason=%q", d.Rule, d.Reason)
	fmt.Fprintf(&b, " expected={sender:string[required,valid-peer-type], elem:string[required], "+
		"data:mapping|absent[optional], client_id:string[optional], timestamp:number[optional], request_id:string[optional]}")
	sort.Strings(d.Fields)
	fmt.Fprintf(&b, " observed_fields=%v observed_types=%v", d.Fields, d.FieldTypes)
	fmt.Fprintf(&b, " body=%q", d.OffendingBody)
	return b.String()
}

// truncate cuts s to at most maxDiagnosticBody characters, at a UTF-8 rune
// boundary so a multi-byte character straddling the cut point is dropped
// whole rather than corrupted.
func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxDiagnosticBody {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxDiagnosticBody])
}

// Validator holds the configured size ceilings; a zero-value Validator
// uses the defaults.
type Validator struct {
	MaxMessageSize int
	MaxDataSize    int
}

// New builds a Validator with the given ceilings; a size of 0 selects the
// default for that ceiling.
func New(maxMessageSize, maxDataSize int) *Validator {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if maxDataSize <= 0 {
		maxDataSize = DefaultMaxDataSize
	}
	return &Validator{MaxMessageSize: maxMessageSize, MaxDataSize: maxDataSize}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case []any:
		return "array"
	case map[string]any:
		return "mapping"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func bodyOf(raw []byte, decoded any) string {
	if raw != nil {
		return truncate(string(raw))
	}
	b, err := json.Marshal(decoded)
	if err != nil {
		return truncate(fmt.Sprintf("%v", decoded))
	}
	return truncate(string(b))
}

// Validate runs the seven ordered rules of spec.md §4.2 against decoded,
// the generic value produced by envelope.Unmarshal, and raw, the original
// bytes (used only to build the diagnostic body so truncation reflects
// exactly what was received on the wire). It returns (true, nil) on
// success and (false, diagnostic) naming the first rule violated.
func (v *Validator) Validate(decoded any, raw []byte) (bool, *Diagnostic) {
	// Rule 1: value is a mapping.
	m, ok := decoded.(map[string]any)
	if !ok {
		return false, &Diagnostic{
			Rule:          RuleNotMapping,
			Reason:        fmt.Sprintf("message must be a JSON object, got %s", typeName(decoded)),
			OffendingBody: bodyOf(raw, decoded),
		}
	}

	fields := make([]string, 0, len(m))
	fieldTypes := make(map[string]string, len(m))
	for k, val := range m {
		fields = append(fields, k)
		fieldTypes[k] = typeName(val)
	}
	body := bodyOf(raw, decoded)

	// Rule 2: required fields sender, elem present.
	var missing []string
	for _, required := range []string{"sender", "elem"} {
		if _, present := m[required]; !present {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return false, &Diagnostic{
			Rule:          RuleMissingRequired,
			Reason:        fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")),
			Fields:        fields,
			FieldTypes:    fieldTypes,
			OffendingBody: body,
		}
	}

	// Rule 3: sender is a non-empty string in ValidPeerTypes.
	senderVal, _ := m["sender"]
	senderStr, isStr := senderVal.(string)
	if !isStr || strings.TrimSpace(senderStr) == "" {
		return false, &Diagnostic{
			Rule:          RuleSender,
			Reason:        fmt.Sprintf("field 'sender' must be a non-empty string, got %s", typeName(senderVal)),
			Fields:        fields,
			FieldTypes:    fieldTypes,
			OffendingBody: body,
		}
	}
	if _, valid := envelope.ValidSender(envelope.PeerType(senderStr)); !valid {
		return false, &Diagnostic{
			Rule:          RuleSender,
			Reason:        fmt.Sprintf("invalid sender type %q", senderStr),
			Fields:        fields,
			FieldTypes:    fieldTypes,
			OffendingBody: body,
		}
	}

	// Rule 4: elem is a non-empty string.
	elemVal := m["elem"]
	elemStr, isStr := elemVal.(string)
	if !isStr || strings.TrimSpace(elemStr) == "" {
		return false, &Diagnostic{
			Rule:          RuleElem,
			Reason:        fmt.Sprintf("field 'elem' must be a non-empty string, got %s", typeName(elemVal)),
			Fields:        fields,
			FieldTypes:    fieldTypes,
			OffendingBody: body,
		}
	}

	// Rule 5: data, if present, is a mapping or null.
	if dataVal, present := m["data"]; present && dataVal != nil {
		if _, isMap := dataVal.(map[string]any); !isMap {
			return false, &Diagnostic{
				Rule:          RuleDataType,
				Reason:        fmt.Sprintf("field 'data' must be a mapping or absent, got %s", typeName(dataVal)),
				Fields:        fields,
				FieldTypes:    fieldTypes,
				OffendingBody: body,
			}
		}
	}

	// Rule 6: timestamp finite number if present; client_id/request_id strings if present.
	if tsVal, present := m["timestamp"]; present {
		ts, isNum := tsVal.(float64)
		if !isNum || math.IsNaN(ts) || math.IsInf(ts, 0) {
			return false, &Diagnostic{
				Rule:          RuleOptionalTypes,
				Reason:        fmt.Sprintf("field 'timestamp' must be a finite number, got %v", tsVal),
				Fields:        fields,
				FieldTypes:    fieldTypes,
				OffendingBody: body,
			}
		}
	}
	for _, field := range []string{"client_id", "request_id"} {
		if val, present := m[field]; present {
			if _, isStr := val.(string); !isStr {
				return false, &Diagnostic{
					Rule:          RuleOptionalTypes,
					Reason:        fmt.Sprintf("field '%s' must be a string, got %s", field, typeName(val)),
					Fields:        fields,
					FieldTypes:    fieldTypes,
					OffendingBody: body,
				}
			}
		}
	}

	// Rule 7: serialized size limits.
	maxMessageSize, maxDataSize := v.MaxMessageSize, v.MaxDataSize
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if maxDataSize <= 0 {
		maxDataSize = DefaultMaxDataSize
	}
	whole, err := json.Marshal(m)
	if err != nil {
		return false, &Diagnostic{
			Rule:          RuleSize,
			Reason:        fmt.Sprintf("message could not be serialized: %v", err),
			Fields:        fields,
			FieldTypes:    fieldTypes,
			OffendingBody: body,
		}
	}
	if len(whole) > maxMessageSize {
		return false, &Diagnostic{
			Rule:          RuleSize,
			Reason:        fmt.Sprintf("message size %d bytes exceeds maximum %d bytes", len(whole), maxMessageSize),
			Fields:        fields,
			FieldTypes:    fieldTypes,
			OffendingBody: body,
		}
	}
	if dataVal, present := m["data"]; present && dataVal != nil {
		dataBytes, err := json.Marshal(dataVal)
		if err == nil && len(dataBytes) > maxDataSize {
			return false, &Diagnostic{
				Rule:          RuleSize,
				Reason:        fmt.Sprintf("data field size %d bytes exceeds maximum %d bytes", len(dataBytes), maxDataSize),
				Fields:        fields,
				FieldTypes:    fieldTypes,
				OffendingBody: body,
			}
		}
	}

	return true, nil
}
