// Package remote is the client side of a hubs gateway.
//
// Fetch and the Writer methods are plain HTTP calls against /v1/tables.
// Subscribe opens one websocket per subscription on /v1/realtime; when the
// socket drops, the Subscription is dropped with it and the owning
// realtime.Channel reopens it.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talosaether/hubs"
	"github.com/talosaether/hubs/source"
)

// Client is a source backed by a remote gateway.
type Client struct {
	baseURL     string
	userID      string
	token       string
	workspaceID string
	httpClient  *http.Client
	dialer      *websocket.Dialer
	ackTimeout  time.Duration
	logger      *slog.Logger

	// wg tracks socket reader goroutines; scoped copies share it.
	wg *sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the gateway address, for example "http://localhost:8080".
func WithBaseURL(baseURL string) Option {
	return func(client *Client) {
		client.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithUserID sets the identity sent with every request.
func WithUserID(userID string) Option {
	return func(client *Client) {
		client.userID = userID
	}
}

// WithToken authenticates with a bearer token issued by SignIn. It takes
// precedence over WithUserID.
func WithToken(token string) Option {
	return func(client *Client) {
		client.token = token
	}
}

// WithWorkspace sets the workspace updates and deletes are checked
// against. The gateway refuses them without one.
func WithWorkspace(workspaceID string) Option {
	return func(client *Client) {
		client.workspaceID = workspaceID
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// New creates a gateway client.
func New(opts ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
		ackTimeout: 10 * time.Second,
		logger:     slog.Default(),
		wg:         &sync.WaitGroup{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// ForWorkspace returns a client that sends workspaceID with updates and
// deletes. It shares the connection settings of client.
func (client *Client) ForWorkspace(workspaceID string) *Client {
	scoped := *client
	scoped.workspaceID = workspaceID
	return &scoped
}

// Name returns the module identifier.
func (client *Client) Name() string {
	return "source"
}

// Init reads source.url, source.user_id, source.token and
// source.workspace_id.
func (client *Client) Init(ctx context.Context, app *hubs.App) error {
	client.logger = app.Logger()
	if cfg := app.ConfigData(); cfg != nil {
		if baseURL := cfg.GetString("source.url"); baseURL != "" {
			client.baseURL = strings.TrimRight(baseURL, "/")
		}
		if userID := cfg.GetString("source.user_id"); userID != "" {
			client.userID = userID
		}
		if token := cfg.GetString("source.token"); token != "" {
			client.token = token
		}
		if workspaceID := cfg.GetString("source.workspace_id"); workspaceID != "" {
			client.workspaceID = workspaceID
		}
	}
	if client.baseURL == "" {
		return errors.New("remote source requires source.url")
	}
	client.logger.Info("remote source initialized", "url", client.baseURL)
	return nil
}

// Shutdown waits for socket readers of closed subscriptions to exit.
func (client *Client) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		client.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (client *Client) tableURL(table string, parts ...string) string {
	segments := append([]string{client.baseURL, "v1", "tables", url.PathEscape(table)}, parts...)
	return strings.Join(segments, "/")
}

// rowURL addresses one row, scoped to the client's workspace.
func (client *Client) rowURL(table, id string) string {
	target := client.tableURL(table, url.PathEscape(id))
	if client.workspaceID != "" {
		target += "?" + url.Values{"workspace_id": {client.workspaceID}}.Encode()
	}
	return target
}

// identify sets the caller headers on header.
func (client *Client) identify(header http.Header) {
	switch {
	case client.token != "":
		header.Set(HeaderAuthorization, "Bearer "+client.token)
	case client.userID != "":
		header.Set(HeaderUserID, client.userID)
	}
}

// SignIn exchanges credentials for a token and returns a client that sends
// it. The receiver is not changed.
func (client *Client) SignIn(ctx context.Context, email, password string) (*Client, SignInResponse, error) {
	var out SignInResponse
	err := client.do(ctx, http.MethodPost, client.baseURL+"/v1/sessions", SignInRequest{Email: email, Password: password}, &out)
	if err != nil {
		return nil, SignInResponse{}, err
	}
	signed := *client
	signed.token = out.Token
	signed.userID = out.UserID
	return &signed, out, nil
}

// SignOut revokes the client's token.
func (client *Client) SignOut(ctx context.Context) error {
	if client.token == "" {
		return ErrUnauthenticated
	}
	return client.do(ctx, http.MethodDelete, client.baseURL+"/v1/sessions", nil, nil)
}

func (client *Client) do(ctx context.Context, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client.identify(req.Header)

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var failure ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil || failure.Error == "" {
			return fmt.Errorf("gateway returned %s", resp.Status)
		}
		return CodeError(failure.Code, failure.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Fetch reads rows through the gateway.
func (client *Client) Fetch(ctx context.Context, query source.Query) ([]source.Record, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	target := client.tableURL(query.Table) + "?" + EncodeQuery(query).Encode()

	var resp RecordsResponse
	if err := client.do(ctx, http.MethodGet, target, nil, &resp); err != nil {
		return nil, err
	}
	records := resp.Records
	if records == nil {
		records = []source.Record{}
	}
	for i := range records {
		records[i].Table = query.Table
	}
	return records, nil
}

// Insert creates a row through the gateway.
func (client *Client) Insert(ctx context.Context, table, workspaceID string, fields map[string]any) (source.Record, error) {
	var resp RecordResponse
	err := client.do(ctx, http.MethodPost, client.tableURL(table), InsertRequest{WorkspaceID: workspaceID, Fields: fields}, &resp)
	if err != nil {
		return source.Record{}, err
	}
	resp.Record.Table = table
	return resp.Record, nil
}

// Update changes a row through the gateway. The client must be scoped to
// the row's workspace.
func (client *Client) Update(ctx context.Context, table, id string, fields map[string]any) (source.Record, error) {
	var resp RecordResponse
	err := client.do(ctx, http.MethodPatch, client.rowURL(table, id), UpdateRequest{Fields: fields}, &resp)
	if err != nil {
		return source.Record{}, err
	}
	resp.Record.Table = table
	return resp.Record, nil
}

// Delete removes a row through the gateway.
func (client *Client) Delete(ctx context.Context, table, id string) error {
	return client.do(ctx, http.MethodDelete, client.rowURL(table, id), nil, nil)
}

func (client *Client) realtimeURL() string {
	target := client.baseURL + "/v1/realtime"
	if rest, ok := strings.CutPrefix(target, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(target, "http://"); ok {
		return "ws://" + rest
	}
	return target
}

// Subscribe opens a realtime socket and waits for the gateway to
// acknowledge the filter.
func (client *Client) Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error) {
	if filter.Table == "" {
		return nil, source.ErrNoTable
	}

	header := http.Header{}
	client.identify(header)
	conn, resp, err := client.dialer.DialContext(ctx, client.realtimeURL(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, ErrForbidden
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to dial realtime: %w", err)
	}

	if err := conn.WriteJSON(Message{Type: MessageSubscribe, Filter: &filter}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(client.ackTimeout))
	var ack Message
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read subscribe ack: %w", err)
	}
	if ack.Type == MessageError {
		_ = conn.Close()
		return nil, CodeError(ack.Code, ack.Error)
	}
	if ack.Type != MessageSubscribed {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected realtime message %q", ack.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	handle := source.NewHandle(func() { _ = conn.Close() })
	client.wg.Add(1)
	go client.read(conn, handle, onChange)

	client.logger.Debug("realtime subscription open", "table", filter.Table, "id", ack.ID)
	return handle, nil
}

func (client *Client) read(conn *websocket.Conn, handle *source.Handle, onChange func(source.ChangeEvent)) {
	defer client.wg.Done()
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-handle.Done():
			default:
				handle.Drop(err)
			}
			return
		}
		switch msg.Type {
		case MessageChange:
			if msg.Event != nil {
				onChange(*msg.Event)
			}
		case MessageError:
			handle.Drop(CodeError(msg.Code, msg.Error))
			return
		}
	}
}
