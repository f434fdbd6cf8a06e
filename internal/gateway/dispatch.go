// ABOUTME: Named operation table and the JSON-lines transport the desktop shell speaks
// ABOUTME: One request per line in, one response per line out, matched by id

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/carelink/carelink-core/internal/store"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 4 << 20

// Request is one call from the shell. Args must match the operation's
// argument type exactly; unknown fields are rejected.
type Request struct {
	ID   json.RawMessage `json:"id,omitempty"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers a Request with the same id.
type Response struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Success bool            `json:"success"`
	Data    any             `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

type handler func(ctx context.Context, g *Gateway, args json.RawMessage) (any, error)

// op adapts a typed gateway method to the handler table.
func op[A, R any](fn func(*Gateway, context.Context, A) (R, error)) handler {
	return func(ctx context.Context, g *Gateway, raw json.RawMessage) (any, error) {
		var args A
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return fn(g, ctx, args)
	}
}

var handlers = map[string]handler{
	"register":       op((*Gateway).Register),
	"login":          op((*Gateway).Login),
	"logout":         op((*Gateway).Logout),
	"changePassword": op((*Gateway).ChangePassword),
	"deleteUser":     op((*Gateway).DeleteUser),

	"encryptText": op((*Gateway).EncryptText),
	"decryptText": op((*Gateway).DecryptText),

	"memberCreate": op((*Gateway).MemberCreate),
	"memberList":   op((*Gateway).MemberList),
	"memberUpdate": op((*Gateway).MemberUpdate),
	"memberDelete": op((*Gateway).MemberDelete),

	"recordInsert": op((*Gateway).RecordInsert),
	"recordUpdate": op((*Gateway).RecordUpdate),
	"recordList":   op((*Gateway).RecordList),
	"recordDelete": op((*Gateway).RecordDelete),

	"integrityScan":  op((*Gateway).IntegrityScan),
	"integrityRemap": op((*Gateway).IntegrityRemap),

	"backupCreate":    op((*Gateway).BackupCreate),
	"backupList":      op((*Gateway).BackupList),
	"backupStatus":    op((*Gateway).BackupStatus),
	"backupValidate":  op((*Gateway).BackupValidate),
	"backupRestore":   op((*Gateway).BackupRestore),
	"backupDelete":    op((*Gateway).BackupDelete),
	"backupGetFolder": op((*Gateway).BackupGetFolder),

	"companionStatus":   op((*Gateway).CompanionStatus),
	"companionRestart":  op((*Gateway).CompanionRestart),
	"companionEndpoint": op((*Gateway).CompanionEndpoint),

	"secureSaveConfig":   op((*Gateway).SecureSaveConfig),
	"secureGetConfig":    op((*Gateway).SecureGetConfig),
	"secureDeleteConfig": op((*Gateway).SecureDeleteConfig),

	"auditList": op((*Gateway).AuditList),
}

// decodeArgs decodes raw into dst. Missing args decode as an empty object.
func decodeArgs(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: args: %v", store.ErrInvalidInput, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: args: trailing data", store.ErrInvalidInput)
	}
	return nil
}

// Dispatch runs one request and always returns a response.
func (g *Gateway) Dispatch(ctx context.Context, req Request) Response {
	h, ok := handlers[req.Op]
	if !ok {
		return failure(req.ID, fmt.Errorf("%w: unknown operation %q", store.ErrInvalidInput, req.Op))
	}

	start := time.Now()
	data, err := h(ctx, g, req.Args)
	if err != nil {
		resp := failure(req.ID, err)
		if resp.Error.Kind == KindInternal {
			g.logger.Error("operation failed", "op", req.Op, "error", err)
		} else {
			g.logger.Debug("operation rejected", "op", req.Op, "kind", resp.Error.Kind, "error", err)
		}
		return resp
	}
	g.logger.Debug("operation completed", "op", req.Op, "duration", time.Since(start))
	return Response{ID: req.ID, Success: true, Data: data}
}

func failure(id json.RawMessage, err error) Response {
	return Response{ID: id, Success: false, Error: errorBody(err)}
}

// Serve reads requests from r, one JSON object per line, and writes a
// response line to w for each. Requests run concurrently; the database
// lock orders the ones that conflict. Serve returns when r is exhausted
// and every request has been answered, or when ctx is done.
func (g *Gateway) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var (
		writeMu sync.Mutex
		enc     = json.NewEncoder(w)
		wg      sync.WaitGroup
	)
	respond := func(resp Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			g.logger.Error("failed to write response", "error", err)
		}
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.Clone(scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				select {
				case err := <-readErr:
					if err != nil && !errors.Is(err, io.EOF) {
						return fmt.Errorf("reading requests: %w", err)
					}
				default:
				}
				return nil
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				respond(failure(nil, fmt.Errorf("%w: malformed request: %v", store.ErrInvalidInput, err)))
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				respond(g.Dispatch(ctx, req))
			}()
		}
	}
}
