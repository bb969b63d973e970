package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Gin_postgres_redis_book_lending/idempotency"
)

type fakeReplayer struct {
	mu         sync.Mutex
	recs       map[string]*idempotency.Record
	reserveErr error
	getErr     error
	// busy 次数内 Reserve 报告已被占用，但不写记录（模拟占位刚过期）
	busy int
}

func newFakeReplayer() *fakeReplayer {
	return &fakeReplayer{recs: map[string]*idempotency.Record{}}
}

func (f *fakeReplayer) Reserve(_ context.Context, k string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return false, f.reserveErr
	}
	if f.busy > 0 {
		f.busy--
		return false, nil
	}
	if _, held := f.recs[k]; held {
		return false, nil
	}
	f.recs[k] = &idempotency.Record{State: "pending"}
	return true, nil
}

func (f *fakeReplayer) Get(_ context.Context, k string) (*idempotency.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.recs[k], nil
}

func (f *fakeReplayer) Complete(_ context.Context, k string, status int, ct string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[k] = &idempotency.Record{State: "done", Status: status, ContentType: ct, Body: body}
	return nil
}

func (f *fakeReplayer) Release(_ context.Context, k string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, k)
	return nil
}

func newTestRouter(store Replayer, status int) (*gin.Engine, *int) {
	gin.SetMode(gin.TestMode)
	calls := 0
	r := gin.New()
	r.POST("/borrow/:id", Idempotent(store, slog.New(slog.NewTextHandler(io.Discard, nil))), func(c *gin.Context) {
		calls++
		c.JSON(status, H{"call": calls})
	})
	return r, &calls
}

func post(r http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/borrow/b1", nil)
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func Test_Idempotent_ReplaysCompletedResponse(t *testing.T) {
	r, calls := newTestRouter(newFakeReplayer(), http.StatusCreated)

	first := post(r, "k1")
	second := post(r, "k1")

	assert.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.Contains(t, second.Header().Get("Content-Type"), "application/json")
}

func Test_Idempotent_WithoutKey_PassesThrough(t *testing.T) {
	r, calls := newTestRouter(newFakeReplayer(), http.StatusCreated)

	post(r, "")
	post(r, "")

	assert.Equal(t, 2, *calls)
}

func Test_Idempotent_NilStore_PassesThrough(t *testing.T) {
	r, calls := newTestRouter(nil, http.StatusCreated)

	post(r, "k1")
	post(r, "k1")

	assert.Equal(t, 2, *calls)
}

func Test_Idempotent_ServerErrorReleasesKey(t *testing.T) {
	store := newFakeReplayer()
	r, calls := newTestRouter(store, http.StatusInternalServerError)

	post(r, "k1")
	post(r, "k1")

	assert.Equal(t, 2, *calls)
	assert.Empty(t, store.recs)
}

func Test_Idempotent_ClientErrorIsRecorded(t *testing.T) {
	r, calls := newTestRouter(newFakeReplayer(), http.StatusConflict)

	post(r, "k1")
	w := post(r, "k1")

	assert.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func Test_Idempotent_InFlightDuplicate_Conflict(t *testing.T) {
	store := newFakeReplayer()
	ok, err := store.Reserve(context.Background(), "POST:/borrow/b1:k1")
	require.NoError(t, err)
	require.True(t, ok)
	r, calls := newTestRouter(store, http.StatusCreated)

	w := post(r, "k1")

	assert.Equal(t, 0, *calls)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "still in progress")
}

func Test_Idempotent_StoreDown_FailsOpen(t *testing.T) {
	store := newFakeReplayer()
	store.reserveErr = errors.New("dial tcp: connection refused")
	r, calls := newTestRouter(store, http.StatusCreated)

	w := post(r, "k1")

	assert.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func Test_Idempotent_PanicReleasesKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeReplayer()
	calls := 0
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/borrow/:id", Idempotent(store, slog.New(slog.NewTextHandler(io.Discard, nil))), func(c *gin.Context) {
		calls++
		if calls == 1 {
			panic("nil map write")
		}
		c.JSON(http.StatusCreated, H{"call": calls})
	})

	first := post(r, "k1")
	second := post(r, "k1")

	assert.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code, second.Body.String())
	assert.Equal(t, 2, calls)
	assert.True(t, store.recs["POST:/borrow/b1:k1"].Done())
}

func Test_Idempotent_LookupFailure_FailsOpen(t *testing.T) {
	store := newFakeReplayer()
	_, err := store.Reserve(context.Background(), "POST:/borrow/b1:k1")
	require.NoError(t, err)
	store.getErr = errors.New("i/o timeout")
	r, calls := newTestRouter(store, http.StatusCreated)

	w := post(r, "k1")

	assert.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func Test_Idempotent_VanishedKey_ReservesAgain(t *testing.T) {
	store := newFakeReplayer()
	store.busy = 1
	r, calls := newTestRouter(store, http.StatusCreated)

	w := post(r, "k1")

	assert.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, store.recs["POST:/borrow/b1:k1"].Done(), "second reservation is recorded")
}

func Test_Idempotent_VanishedTwice_ServesWithoutReplay(t *testing.T) {
	store := newFakeReplayer()
	store.busy = 2
	r, calls := newTestRouter(store, http.StatusCreated)

	w := post(r, "k1")

	assert.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, store.recs)
}
