package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerAuthAndBody(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.Write([]byte(`{"one_time_key_counts":{"signed_curve25519":50}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token", nil)
	resp, err := c.KeysUpload(context.Background(), json.RawMessage(`{"device_keys":{}}`))
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, apiPrefix+"/keys/upload", gotPath)
	assert.JSONEq(t, `{"one_time_key_counts":{"signed_curve25519":50}}`, string(resp))
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"no access"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "token", nil)
	_, err := c.KeysQuery(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	terr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, terr.StatusCode)
	assert.Equal(t, "M_FORBIDDEN", terr.Code)
	assert.Equal(t, "no access", terr.Message)
}

func TestGetKeyBackupVersionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"No current backup version"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "token", nil)
	v, err := c.GetKeyBackupVersion(context.Background())
	require.NoError(t, err, "M_NOT_FOUND on the backup version endpoint means no backup, not an error")
	assert.Nil(t, v)
}

func TestPutRoomKeysVersionQuery(t *testing.T) {
	var gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.URL.Query().Get("version")
		w.Write([]byte(`{"count":1,"etag":"etag1"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "token", nil)
	_, err := c.PutRoomKeys(context.Background(), "3", json.RawMessage(`{"rooms":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "3", gotVersion)
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "token", nil)
	_, err := c.KeysClaim(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	terr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "M_UNKNOWN", terr.Code)
	assert.Equal(t, "upstream exploded", terr.Message)
}
