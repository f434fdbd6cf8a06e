// ABOUTME: Tests for the operation table and the JSON-lines serve loop
// ABOUTME: Drives the gateway the way the desktop shell does, through raw request lines

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatch(t *testing.T, gw *Gateway, op, args string) Response {
	t.Helper()
	req := Request{ID: json.RawMessage(`1`), Op: op}
	if args != "" {
		req.Args = json.RawMessage(args)
	}
	return gw.Dispatch(context.Background(), req)
}

func TestDispatch_TypedArgs(t *testing.T) {
	env := newTestGateway(t)

	resp := dispatch(t, env.gw, "register", `{"username":"alice","password":"Secret123"}`)
	require.True(t, resp.Success, "register: %+v", resp.Error)
	assert.JSONEq(t, `1`, string(resp.ID))

	resp = dispatch(t, env.gw, "login", `{"username":"alice","password":"Secret123"}`)
	require.True(t, resp.Success)
	login, ok := resp.Data.(*LoginResult)
	require.True(t, ok)
	assert.Equal(t, "alice", login.Username)

	resp = dispatch(t, env.gw, "memberList", "")
	require.True(t, resp.Success)
	assert.Equal(t, []MemberView{}, resp.Data)
}

func TestDispatch_RejectsBadRequests(t *testing.T) {
	env := newTestGateway(t)

	tests := []struct {
		name string
		op   string
		args string
	}{
		{"unknown op", "dropDatabase", ""},
		{"unknown field", "register", `{"username":"alice","password":"Secret123","admin":true}`},
		{"wrong type", "register", `{"username":42}`},
		{"not an object", "login", `["alice","Secret123"]`},
		{"trailing data", "register", `{"username":"a","password":"Secret123"} {}`},
		{"args on a no-arg op", "memberList", `{"limit":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := dispatch(t, env.gw, tt.op, tt.args)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, KindInvalidInput, resp.Error.Kind)
			assert.Nil(t, resp.Data)
		})
	}
}

func TestDispatch_EveryOperationIsReachable(t *testing.T) {
	env := newTestGateway(t)
	for name := range handlers {
		resp := dispatch(t, env.gw, name, `{"unexpected":true}`)
		require.NotNil(t, resp.Error, name)
		assert.Equal(t, KindInvalidInput, resp.Error.Kind, name)
	}
}

func TestResponse_WireShape(t *testing.T) {
	env := newTestGateway(t)

	resp := dispatch(t, env.gw, "login", `{"username":"ghost","password":"Secret123"}`)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"success":false,"error":{"kind":"InvalidCredentials","message":"invalid credentials"}}`, string(raw))

	resp = dispatch(t, env.gw, "backupGetFolder", "")
	raw, err = json.Marshal(resp)
	require.NoError(t, err)
	var decoded struct {
		Success bool `json:"success"`
		Data    struct {
			Path string `json:"path"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, decoded.Success)
	assert.Equal(t, env.gw.Backups().Folder(), decoded.Data.Path)
}

func readResponses(t *testing.T, out string) map[string]Response {
	t.Helper()
	got := map[string]Response{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp), scanner.Text())
		got[string(resp.ID)] = resp
	}
	require.NoError(t, scanner.Err())
	return got
}

func TestServe_AnswersEveryLine(t *testing.T) {
	env := newTestGateway(t)

	in := strings.Join([]string{
		`{"id":"a","op":"register","args":{"username":"alice","password":"Secret123"}}`,
		``,
		`{"id":"b","op":"backupStatus"}`,
		`{"id":"c","op":"nope"}`,
		`this is not json`,
		`{"id":"d","op":"companionStatus"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	err := env.gw.Serve(context.Background(), strings.NewReader(in), &out)
	require.NoError(t, err)

	got := readResponses(t, out.String())
	require.Len(t, got, 5)

	assert.True(t, got[`"a"`].Success)
	assert.True(t, got[`"b"`].Success)
	assert.True(t, got[`"d"`].Success)

	require.NotNil(t, got[`"c"`].Error)
	assert.Equal(t, KindInvalidInput, got[`"c"`].Error.Kind)

	malformed, ok := got[""]
	require.True(t, ok, "a malformed line still gets an answer")
	require.NotNil(t, malformed.Error)
	assert.Equal(t, KindInvalidInput, malformed.Error.Kind)
}

func TestServe_StopsOnCancel(t *testing.T) {
	env := newTestGateway(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.gw.Serve(ctx, pr, io.Discard) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
