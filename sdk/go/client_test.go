package statusflowsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionSendsTargetAndAuth(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"from":"todo","to":"in_progress","applied":true,"reason":"start work"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	res, err := c.Transition(context.Background(), "work_item", "w 1", "in_progress")
	require.NoError(t, err)
	assert.Equal(t, "/v0/entities/work_item/w 1/transitions", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "in_progress", gotBody["to"])
	assert.True(t, res.Applied)
	assert.Equal(t, "start work", res.Reason)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"transition_denied","message":"no such transition","details":{"code":"no_such_transition"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	_, err := c.Transition(context.Background(), "expense", "e1", "paid")
	require.Error(t, err)
	assert.True(t, IsDenied(err))
	assert.False(t, IsConflict(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "no such transition", apiErr.Message)
	assert.Equal(t, "no_such_transition", apiErr.Details["code"])
}

func TestConflictAndPlainErrors(t *testing.T) {
	status := http.StatusConflict
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("plain"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Transition(context.Background(), "expense", "e1", "paid")
	assert.True(t, IsConflict(err))
	assert.False(t, IsDenied(err))
	assert.Contains(t, err.Error(), "body=plain")
}

func TestEventsPageQuery(t *testing.T) {
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":3,"type":"status.changed"}],"next_cursor":"3"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 1, "7")
	require.NoError(t, err)
	assert.Equal(t, "cursor=7&limit=1", rawQuery)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "3", page.NextCursor)
}
