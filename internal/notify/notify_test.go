package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockCompletedPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.BlockCompleted("blk-1", []int{12, 13, 14}))

	assert.Equal(t, "block_completed", got.Event)
	assert.Equal(t, "blk-1", got.BlockID)
	assert.Equal(t, []int{12, 13, 14}, got.Pins)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestBlockCompletedErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.BlockCompleted("blk-1", nil)
	assert.ErrorContains(t, err, "502")
}

func TestEmptyURLDisablesPosting(t *testing.T) {
	c := New("")
	assert.NoError(t, c.BlockCompleted("blk-1", []int{1}))
}

func TestUnreachableEndpoint(t *testing.T) {
	c := New("http://127.0.0.1:1/completions")
	assert.Error(t, c.BlockCompleted("blk-1", nil))
}
