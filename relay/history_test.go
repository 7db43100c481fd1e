package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/splitchat/auth"
	"github.com/mqy/splitchat/chat"
	"github.com/mqy/splitchat/chatstore"
)

func TestHistoryHandler(t *testing.T) {
	store := chatstore.NewMemoryStore()
	_, err := store.Append(context.Background(), "g1", chat.Message{Sender: "a@x.com", Text: "hi"})
	require.NoError(t, err)

	h := NewHistoryHandler(&auth.MockClient{}, NewApi(store, nil, nil))

	do := func(method, target, token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(method, target, nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, do("GET", "/api/chats?groupId=g1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("GET", "/api/chats?groupId=g1", "nobody").Code)
	assert.Equal(t, http.StatusBadRequest, do("GET", "/api/chats", "a@x.com").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do("POST", "/api/chats?groupId=g1", "a@x.com").Code)

	w := do("GET", "/api/chats?groupId=g1", "b@x.com")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var msgs []chat.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)

	w = do("GET", "/api/chats?groupId=empty", "b@x.com")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	h = NewHistoryHandler(&auth.MockClient{}, NewApi(failingStore{}, nil, nil))
	assert.Equal(t, http.StatusInternalServerError, do("GET", "/api/chats?groupId=g1", "a@x.com").Code)
}
