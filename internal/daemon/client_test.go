package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestClient points a Client at an httptest server.
func newTestClient(t *testing.T, cfg Config, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg.Host = strings.TrimPrefix(server.URL, "http://")
	return New(cfg, nil)
}

// echoHandler answers every JSONRPC batch with a per-call result produced
// by fn, preserving request order.
func echoHandler(t *testing.T, fn func(method string, params []interface{}) (interface{}, *rpcError)) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var reqs []request
		require.NoError(t, json.Unmarshal(body, &reqs))

		resps := make([]map[string]interface{}, len(reqs))
		for i, req := range reqs {
			var params []interface{}
			for _, p := range req.Params {
				params = append(params, p)
			}
			result, rpcErr := fn(req.Method, params)
			resp := map[string]interface{}{"id": req.ID, "result": result}
			if rpcErr != nil {
				resp["result"] = nil
				resp["error"] = map[string]interface{}{"code": rpcErr.Code, "message": rpcErr.Message}
			}
			resps[i] = resp
		}
		require.NoError(t, json.NewEncoder(w).Encode(resps))
	})
}

func TestCallDecodesResult(t *testing.T) {
	client := newTestClient(t, Config{User: "u", Pass: "p"},
		echoHandler(t, func(method string, params []interface{}) (interface{}, *rpcError) {
			require.Equal(t, "getblockcount", method)
			return 123, nil
		}))

	var count int
	require.NoError(t, client.Call("getblockcount", nil, &count))
	require.Equal(t, 123, count)
}

func TestCallSendsBasicAuth(t *testing.T) {
	var sawAuth atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "alice", user)
		require.Equal(t, "secret", pass)
		sawAuth.Store(true)
		fmt.Fprintln(w, `[{"id":1,"result":null,"error":null}]`)
	})

	client := newTestClient(t, Config{User: "alice", Pass: "secret"}, handler)
	require.NoError(t, client.Call("ping", nil, nil))
	require.True(t, sawAuth.Load())
}

func TestCallBatchPreservesOrder(t *testing.T) {
	client := newTestClient(t, Config{User: "u", Pass: "p"},
		echoHandler(t, func(method string, params []interface{}) (interface{}, *rpcError) {
			if method == "fail" {
				return nil, &rpcError{Code: -8, Message: "boom"}
			}
			return method, nil
		}))

	results, err := client.CallBatch([]Call{
		{Method: "first"},
		{Method: "fail"},
		{Method: "third"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	var s string
	require.NoError(t, json.Unmarshal(results[0].Result, &s))
	require.Equal(t, "first", s)

	require.Error(t, results[1].Err)
	require.Contains(t, results[1].Err.Error(), "boom")

	require.NoError(t, json.Unmarshal(results[2].Result, &s))
	require.Equal(t, "third", s)
}

func TestTransientErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, `[{"id":1,"result":7,"error":null}]`)
	})

	client := newTestClient(t, Config{User: "u", Pass: "p"}, handler)

	var n int
	require.NoError(t, client.Call("getblockcount", nil, &n))
	require.Equal(t, 7, n)
	require.Equal(t, int32(2), calls.Load())
}

func TestAuthFailureIsFatal(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := newTestClient(t, Config{User: "u", Pass: "wrong"}, handler)

	err := client.Call("ping", nil, nil)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	require.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")
}

func TestCookieFileAuth(t *testing.T) {
	cookiePath := filepath.Join(t.TempDir(), ".cookie")
	require.NoError(t, os.WriteFile(cookiePath, []byte("__cookie__:s3cret\n"), 0600))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "__cookie__", user)
		require.Equal(t, "s3cret", pass)
		fmt.Fprintln(w, `[{"id":1,"result":null,"error":null}]`)
	})

	client := newTestClient(t, Config{CookiePath: cookiePath}, handler)
	require.NoError(t, client.Call("ping", nil, nil))
}

func TestReadCookieFile(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good")
	require.NoError(t, os.WriteFile(good, []byte("user:pa:ss\n"), 0600))
	user, pass, err := readCookieFile(good)
	require.NoError(t, err)
	require.Equal(t, "user", user)
	require.Equal(t, "pa:ss", pass, "only the first colon separates user from password")

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("no-separator"), 0600))
	_, _, err = readCookieFile(bad)
	require.Error(t, err)

	_, _, err = readCookieFile(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestNoCredentialsConfigured(t *testing.T) {
	client := newTestClient(t, Config{}, http.NotFoundHandler())
	require.Error(t, client.Call("ping", nil, nil))
}

func TestBatchSizeMismatchRejected(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `[]`)
	})
	client := newTestClient(t, Config{User: "u", Pass: "p"}, handler)

	_, err := client.CallBatch([]Call{{Method: "a"}, {Method: "b"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "mismatch")
}
