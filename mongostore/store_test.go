package mongostore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Gin_postgres_redis_book_lending/lending"
	"Gin_postgres_redis_book_lending/models"
)

func Test_LoanDoc_RoundTrip_KeepsOpenFlag(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	open := &models.Loan{ID: "L1", BookID: "b1", PatronEmail: "a@x.com", BorrowedAt: at, DueAt: at}

	d := toLoanDoc(open)
	assert.True(t, d.Open)
	assert.True(t, d.model().IsOpen())

	open.ReturnedAt = &at
	d = toLoanDoc(open)
	assert.False(t, d.Open)
	require.NotNil(t, d.model().ReturnedAt)
	assert.Equal(t, at, *d.model().ReturnedAt)
}

func Test_BookUpdateDoc_UsesDocumentFieldNames(t *testing.T) {
	title, rating := "Emma", 4.5
	set := bookUpdateDoc(models.BookUpdate{Title: &title, Rating: &rating})

	assert.Equal(t, "Emma", set["name"])
	assert.Equal(t, 4.5, set["rating"])
	assert.Len(t, set, 2)
	assert.Empty(t, bookUpdateDoc(models.BookUpdate{}))
}

// 需要真实 MongoDB：TEST_MONGO_URI=mongodb://localhost:27017
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Connect(ctx, uri, "lending_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.books.Database().Drop(context.Background())
		_ = s.Close(context.Background())
	})
	return s
}

func Test_Store_DecrementStock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateBook(ctx, &models.Book{ID: "b1", Title: "Emma", Category: "classic", QuantityAvailable: 1}))

	b, ok, err := s.DecrementStock(ctx, "b1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, b.QuantityAvailable)

	_, ok, err = s.DecrementStock(ctx, "b1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.IncrementStock(ctx, "missing", 1), lending.ErrNotFound)
}

func Test_Store_OpenLoanUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.InsertLoan(ctx, &models.Loan{ID: "01A", BookID: "b1", PatronEmail: "a@x.com", BorrowedAt: now, DueAt: now}))
	err := s.InsertLoan(ctx, &models.Loan{ID: "01B", BookID: "b1", PatronEmail: "a@x.com", BorrowedAt: now, DueAt: now})
	assert.ErrorIs(t, err, lending.ErrAlreadyBorrowed)

	l, closed, err := s.CloseLoan(ctx, "01A", now)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, now, *l.ReturnedAt)

	require.NoError(t, s.InsertLoan(ctx, &models.Loan{ID: "01B", BookID: "b1", PatronEmail: "a@x.com", BorrowedAt: now, DueAt: now}))
	assert.ErrorIs(t, s.ReopenLoan(ctx, "01A"), lending.ErrAlreadyBorrowed)

	loans, err := s.FindLoansByPatron(ctx, "a@x.com")
	require.NoError(t, err)
	require.Len(t, loans, 2)
	assert.Equal(t, "01A", loans[0].ID)
	assert.Equal(t, "01B", loans[1].ID)
}

func Test_Store_ConcurrentBorrows_ThroughEngine(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateBook(ctx, &models.Book{ID: "b1", Title: "Emma", Category: "classic", QuantityAvailable: 2}))
	engine := lending.NewEngine(s)
	require.False(t, engine.Transactional())

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Borrow(ctx, lending.BorrowInput{BookID: "b1", PatronEmail: fmt.Sprintf("p%d@x.com", i), PatronName: "P"})
			if err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), succeeded.Load())
	b, err := s.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.QuantityAvailable)
}
