package registry

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRoomUpPostsRecord(t *testing.T) {
	var mu sync.Mutex
	var gotMethod, gotRequestID string
	done := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotMethod = r.Method
		gotRequestID = r.Header.Get("X-Request-Id")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	h := NewHook(srv.URL, zap.NewNop())
	h.RoomUp("ABCDE", "tok")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registry POST")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.NotEmpty(t, gotRequestID)
}

func TestRoomDownIssuesDelete(t *testing.T) {
	done := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done <- r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHook(srv.URL, zap.NewNop())
	h.RoomDown("ABCDE", "tok")

	select {
	case m := <-done:
		assert.Equal(t, http.MethodDelete, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registry DELETE")
	}
}

func TestEmptyURLIsNoOp(t *testing.T) {
	h := NewHook("", zap.NewNop())
	require.NotPanics(t, func() {
		h.RoomUp("ABCDE", "tok")
		h.RoomDown("ABCDE", "tok")
	})
}

func TestFailureIsLoggedNotPropagated(t *testing.T) {
	h := NewHook("http://127.0.0.1:1", zap.NewNop())
	require.NotPanics(t, func() {
		h.RoomUp("ABCDE", "tok")
	})
	time.Sleep(50 * time.Millisecond) // let the goroutine run; nothing to assert but no panic/crash
}
