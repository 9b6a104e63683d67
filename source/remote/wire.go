package remote

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/talosaether/hubs/source"
)

// HeaderUserID carries the caller identity to a gateway that trusts its
// callers. A gateway with accounts wants a bearer token instead.
const HeaderUserID = "X-User-ID"

// HeaderAuthorization carries the bearer token.
const HeaderAuthorization = "Authorization"

// Message types on the realtime socket.
const (
	MessageSubscribe  = "subscribe"
	MessageSubscribed = "subscribed"
	MessageChange     = "change"
	MessageError      = "error"
)

// Message is one frame on the realtime socket.
type Message struct {
	Type   string              `json:"type"`
	ID     string              `json:"id,omitempty"`
	Filter *source.EventFilter `json:"filter,omitempty"`
	Event  *source.ChangeEvent `json:"event,omitempty"`
	Error  string              `json:"error,omitempty"`
	Code   string              `json:"code,omitempty"`
}

// RecordsResponse is the body of a table read.
type RecordsResponse struct {
	Records []source.Record `json:"records"`
}

// RecordResponse is the body of a single-row write.
type RecordResponse struct {
	Record source.Record `json:"record"`
}

// InsertRequest is the body of a row insert.
type InsertRequest struct {
	WorkspaceID string         `json:"workspace_id"`
	Fields      map[string]any `json:"fields"`
}

// UpdateRequest is the body of a row update.
type UpdateRequest struct {
	Fields map[string]any `json:"fields"`
}

// SignInRequest is the body of a sign in.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInResponse carries the issued token.
type SignInResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var (
	// ErrForbidden is returned when the gateway refuses the caller.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated is returned when a request carries no identity.
	ErrUnauthenticated = errors.New("unauthenticated")
)

var errorCodes = map[string]error{
	"no_table":        source.ErrNoTable,
	"unscoped":        source.ErrUnscoped,
	"not_found":       source.ErrNotFound,
	"bad_column":      source.ErrBadColumn,
	"forbidden":       ErrForbidden,
	"unauthenticated": ErrUnauthenticated,
}

// ErrorCode returns the wire code for err, or "" when it has none.
func ErrorCode(err error) string {
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// CodeError maps a wire code back to its sentinel, wrapping message.
func CodeError(code, message string) error {
	if sentinel, ok := errorCodes[code]; ok {
		if message == "" || message == sentinel.Error() {
			return sentinel
		}
		return fmt.Errorf("%w: %s", sentinel, message)
	}
	return errors.New(message)
}

const filterPrefix = "filter."

// EncodeQuery renders query as URL parameters. Filter values are sent as
// strings; sources compare them loosely.
func EncodeQuery(query source.Query) url.Values {
	values := url.Values{}
	if query.WorkspaceID != "" {
		values.Set("workspace_id", query.WorkspaceID)
	}
	if query.OrderBy != "" {
		values.Set("order_by", query.OrderBy)
	}
	if query.Descending {
		values.Set("desc", "true")
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.IncludeDeleted {
		values.Set("include_deleted", "true")
	}
	if query.Unscoped {
		values.Set("unscoped", "true")
	}
	if query.Match != "" {
		values.Set("match", query.Match)
	}
	for column, value := range query.Filters {
		values.Set(filterPrefix+column, fmt.Sprint(value))
	}
	return values
}

// DecodeQuery is the inverse of EncodeQuery.
func DecodeQuery(table string, values url.Values) (source.Query, error) {
	query := source.Query{
		Table:          table,
		WorkspaceID:    values.Get("workspace_id"),
		OrderBy:        values.Get("order_by"),
		Descending:     values.Get("desc") == "true",
		IncludeDeleted: values.Get("include_deleted") == "true",
		Unscoped:       values.Get("unscoped") == "true",
		Match:          values.Get("match"),
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return source.Query{}, fmt.Errorf("invalid limit %q", raw)
		}
		query.Limit = limit
	}
	for key := range values {
		if column, ok := strings.CutPrefix(key, filterPrefix); ok {
			if query.Filters == nil {
				query.Filters = make(map[string]any)
			}
			query.Filters[column] = values.Get(key)
		}
	}
	return query, nil
}
