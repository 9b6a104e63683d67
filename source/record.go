package source

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reserved field names carried by every record.
const (
	FieldID          = "id"
	FieldWorkspaceID = "workspace_id"
	FieldCreatedAt   = "created_at"
	FieldUpdatedAt   = "updated_at"
	FieldDeletedAt   = "deleted_at"
)

// Record is one table row. Fields holds everything except the reserved
// columns, which live on the struct.
type Record struct {
	ID          string
	Table       string
	WorkspaceID string
	Fields      map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Get returns a column value, reserved columns included.
func (rec Record) Get(column string) any {
	switch column {
	case FieldID:
		return rec.ID
	case FieldWorkspaceID:
		return rec.WorkspaceID
	case FieldCreatedAt:
		return rec.CreatedAt
	case FieldUpdatedAt:
		return rec.UpdatedAt
	case FieldDeletedAt:
		if rec.DeletedAt == nil {
			return nil
		}
		return *rec.DeletedAt
	}
	return rec.Fields[column]
}

// String returns a column value formatted for display.
func (rec Record) String(column string) string {
	switch value := rec.Get(column).(type) {
	case nil:
		return ""
	case string:
		return value
	case time.Time:
		if value.IsZero() {
			return ""
		}
		return value.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}

// Clone returns a copy whose Fields map can be mutated independently.
func (rec Record) Clone() Record {
	out := rec
	out.Fields = make(map[string]any, len(rec.Fields))
	for key, value := range rec.Fields {
		out.Fields[key] = value
	}
	if rec.DeletedAt != nil {
		deletedAt := *rec.DeletedAt
		out.DeletedAt = &deletedAt
	}
	return out
}

// NewRecord builds a row for insertion. An "id" in fields is kept, otherwise
// a UUID is assigned. Timestamps are set to now.
func NewRecord(table, workspaceID string, fields map[string]any, now time.Time) Record {
	rec := FromFields(table, fields)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.WorkspaceID = workspaceID
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.DeletedAt = nil
	return rec
}

// Merge returns a copy of rec with fields applied. Reserved columns in
// fields are ignored; UpdatedAt becomes now.
func (rec Record) Merge(fields map[string]any, now time.Time) Record {
	out := rec.Clone()
	for key, value := range fields {
		switch key {
		case FieldID, FieldWorkspaceID, FieldCreatedAt, FieldUpdatedAt, FieldDeletedAt:
			continue
		}
		out.Fields[key] = value
	}
	out.UpdatedAt = now
	return out
}

// Event describes a mutation of rec.
func (rec Record) Event(changeType ChangeType) ChangeEvent {
	return ChangeEvent{
		Type:        changeType,
		Table:       rec.Table,
		WorkspaceID: rec.WorkspaceID,
		RecordID:    rec.ID,
		At:          rec.UpdatedAt,
	}
}

// MarshalJSON flattens the record into a single object, the way rows come
// back from a table API.
func (rec Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(rec.Fields)+5)
	for key, value := range rec.Fields {
		flat[key] = value
	}
	flat[FieldID] = rec.ID
	if rec.WorkspaceID != "" {
		flat[FieldWorkspaceID] = rec.WorkspaceID
	}
	flat[FieldCreatedAt] = rec.CreatedAt
	flat[FieldUpdatedAt] = rec.UpdatedAt
	if rec.DeletedAt != nil {
		flat[FieldDeletedAt] = *rec.DeletedAt
	}
	return json.Marshal(flat)
}

// UnmarshalJSON is the inverse of MarshalJSON. Table is not part of the
// payload and is left untouched.
func (rec *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	table := rec.Table
	*rec = FromFields(table, flat)
	return nil
}

// FromFields builds a record from a flat column map, lifting the reserved
// columns out of it.
func FromFields(table string, flat map[string]any) Record {
	rec := Record{Table: table, Fields: make(map[string]any, len(flat))}
	for key, value := range flat {
		switch key {
		case FieldID:
			rec.ID = fmt.Sprint(value)
		case FieldWorkspaceID:
			if value != nil {
				rec.WorkspaceID = fmt.Sprint(value)
			}
		case FieldCreatedAt:
			rec.CreatedAt = parseTime(value)
		case FieldUpdatedAt:
			rec.UpdatedAt = parseTime(value)
		case FieldDeletedAt:
			if value != nil {
				deletedAt := parseTime(value)
				if !deletedAt.IsZero() {
					rec.DeletedAt = &deletedAt
				}
			}
		default:
			rec.Fields[key] = value
		}
	}
	return rec
}

func parseTime(value any) time.Time {
	switch typed := value.(type) {
	case time.Time:
		return typed
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, typed); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

// Decode converts records into a typed slice using their JSON shape.
// Decoding into []Record returns the input unchanged.
func Decode[T any](records []Record) ([]T, error) {
	if same, ok := any(records).([]T); ok {
		return same, nil
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}
	out := make([]T, 0, len(records))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode records into %T: %w", out, err)
	}
	return out, nil
}

// Apply runs query against an in-memory row set: filter, order, limit.
// Sources without a query engine use it so that every backend agrees on
// semantics.
func Apply(query Query, records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if Matches(query, rec) {
			out = append(out, rec.Clone())
		}
	}
	if query.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			cmp := Compare(out[i].Get(query.OrderBy), out[j].Get(query.OrderBy))
			if query.Descending {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out
}

// Matches reports whether rec satisfies the table, tenancy, soft-delete,
// equality and text predicates of query.
func Matches(query Query, rec Record) bool {
	if rec.Table != "" && rec.Table != query.Table {
		return false
	}
	if !query.Unscoped && rec.WorkspaceID != query.WorkspaceID {
		return false
	}
	if !query.IncludeDeleted && rec.DeletedAt != nil {
		return false
	}
	for column, want := range query.Filters {
		if !Equal(rec.Get(column), want) {
			return false
		}
	}
	if query.Match != "" && !rec.ContainsText(query.Match) {
		return false
	}
	return true
}

// ContainsText reports whether a text field of rec contains needle,
// ignoring case. Reserved columns are not searched.
func (rec Record) ContainsText(needle string) bool {
	needle = strings.ToLower(needle)
	for _, value := range rec.Fields {
		if text, ok := value.(string); ok && strings.Contains(strings.ToLower(text), needle) {
			return true
		}
	}
	return false
}

// LikePattern turns needle into a lowercase LIKE pattern matching any text
// that contains it, with backslash as the escape character.
func LikePattern(needle string) string {
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(strings.ToLower(needle))
	return "%" + escaped + "%"
}

// Equal compares column values loosely: filters that arrive as strings
// over HTTP still match numeric or boolean columns.
func Equal(have, want any) bool {
	if reflect.DeepEqual(have, want) {
		return true
	}
	if have == nil || want == nil {
		return false
	}
	return fmt.Sprint(have) == fmt.Sprint(want)
}

// Compare orders two column values. Nil sorts first.
func Compare(left, right any) int {
	switch {
	case left == nil && right == nil:
		return 0
	case left == nil:
		return -1
	case right == nil:
		return 1
	}
	if leftTime, ok := asTime(left); ok {
		if rightTime, ok := asTime(right); ok {
			return leftTime.Compare(rightTime)
		}
	}
	if leftNum, ok := asFloat(left); ok {
		if rightNum, ok := asFloat(right); ok {
			switch {
			case leftNum < rightNum:
				return -1
			case leftNum > rightNum:
				return 1
			}
			return 0
		}
	}
	leftStr, rightStr := fmt.Sprint(left), fmt.Sprint(right)
	switch {
	case leftStr < rightStr:
		return -1
	case leftStr > rightStr:
		return 1
	}
	return 0
}

func asTime(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, typed)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func asFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	}
	return 0, false
}
