package coordination

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestHTTPClient_Fetch(t *testing.T) {
	mock := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodGet, req.Method)
		require.Equal(t, "/api/get_doc_ref_dict", req.URL.Path)
		require.Equal(t, "study-1", req.URL.Query().Get("study_id"))
		require.Equal(t, "secret", req.Header.Get("Authorization"))
		return jsonResponse(http.StatusOK, `{
			"study_id": "study-1",
			"participants": ["broker", "alice"],
			"status": {"broker": "syncing up", "alice": ""},
			"parameters": {"NUM_EPOCHS": {"value": 10}},
			"personal_parameters": {"alice": {"IP_ADDRESS": {"value": "10.0.0.2"}, "PORTS": {"value": "null,8020,8040"}}}
		}`), nil
	})

	client, err := NewHTTPClient("http://example.com/api", "study-1", "secret", &http.Client{Transport: mock}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rec, err := client.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, "study-1", rec.StudyID)
	require.Equal(t, "10", rec.Parameters["NUM_EPOCHS"].String())

	ip, err := rec.IPAddress(1)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", ip)

	ports, err := rec.Ports(1)
	require.NoError(t, err)
	require.Equal(t, []string{"null", "8020", "8040"}, ports)
}

func TestHTTPClient_Update(t *testing.T) {
	var captured updateRequest
	mock := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodPost, req.Method)
		require.Equal(t, "/update_firestore", req.URL.Path)
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))
		return jsonResponse(http.StatusOK, `{}`), nil
	})

	client, err := NewHTTPClient("http://example.com", "study-1", "", &http.Client{Transport: mock}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, client.Update(context.Background(), FieldStatus, StatusSyncingUp))
	require.Equal(t, "update_firestore::status=syncing up", captured.Msg)
	require.Equal(t, "study-1", captured.StudyID)
}

func TestHTTPClient_ServerErrorIsUpstreamUnavailable(t *testing.T) {
	mock := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadGateway, "boom"), nil
	})
	client, err := NewHTTPClient("http://example.com", "", "", &http.Client{Transport: mock}, zerolog.Nop())
	require.NoError(t, err)

	_, err = client.Fetch(context.Background())
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestHTTPClient_TransportErrorIsUpstreamUnavailable(t *testing.T) {
	mock := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	client, err := NewHTTPClient("http://example.com", "", "", &http.Client{Transport: mock}, zerolog.Nop())
	require.NoError(t, err)

	err = client.Update(context.Background(), FieldTask, "x")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestHTTPClient_ClientErrorIsNotUpstreamUnavailable(t *testing.T) {
	mock := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, "no"), nil
	})
	client, err := NewHTTPClient("http://example.com", "", "", &http.Client{Transport: mock}, zerolog.Nop())
	require.NoError(t, err)

	_, err = client.Fetch(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestHTTPClient_SendFile(t *testing.T) {
	mock := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "/upload_file", req.URL.Path)
		require.NoError(t, req.ParseMultipartForm(1<<20))
		require.Equal(t, "study-1", req.FormValue("study_id"))
		f, hdr, err := req.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		require.Equal(t, "roc_test.png", hdr.Filename)
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		require.Equal(t, []byte("png-bytes"), data)
		return jsonResponse(http.StatusOK, `{}`), nil
	})
	client, err := NewHTTPClient("http://example.com", "study-1", "", &http.Client{Transport: mock}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, client.SendFile(context.Background(), "roc_test.png", bytes.NewReader([]byte("png-bytes"))))
}

func TestNewHTTPClientRequiresURL(t *testing.T) {
	_, err := NewHTTPClient("", "", "", nil, zerolog.Nop())
	require.Error(t, err)
}
