package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSplitCSV(t *testing.T) {
	in := "id,title\n1,a\n2,\"multi\nline\"\n3,c\n"

	chunks, err := splitCSV(strings.NewReader(in), 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "id,title\n1,a\n2,\"multi\nline\"\n", string(chunks[0]))
	require.Equal(t, "3,c\n", string(chunks[1]))

	// concatenation restores the file
	require.Equal(t, in, string(chunks[0])+string(chunks[1]))
}

func TestSplitCSV_HeaderOnly(t *testing.T) {
	chunks, err := splitCSV(strings.NewReader("id,title\n"), 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "id,title\n", string(chunks[0]))

	_, err = splitCSV(strings.NewReader(""), 10)
	require.Error(t, err)

	_, err = splitCSV(strings.NewReader("id\n1\n"), 0)
	require.Error(t, err)
}

func TestAPIClient_SendChunkRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "u1", r.FormValue("file_id"))
		require.Equal(t, "3", r.FormValue("chunk_id"))

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"storage failure"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message":"Chunk uploaded successfully","file_id":"u1","chunk_id":3}`))
	}))
	defer srv.Close()

	c := newAPIClient(&globalOptions{server: srv.URL, token: "tok", timeout: 5 * time.Second})

	out, err := c.SendChunk(context.Background(), "u1", 3, []byte("3,c\n"))
	require.NoError(t, err)
	require.Equal(t, "u1", out["file_id"])
	require.Equal(t, int32(2), calls.Load())
}

func TestAPIClient_SendChunkDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"upload session not found"}`))
	}))
	defer srv.Close()

	c := newAPIClient(&globalOptions{server: srv.URL, timeout: 5 * time.Second})

	_, err := c.SendChunk(context.Background(), "missing", 0, []byte("x"))
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "upload session not found", apiErr.Message)
	require.Equal(t, int32(1), calls.Load())
}
