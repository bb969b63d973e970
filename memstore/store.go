// Package memstore keeps the catalog and the loan ledger in process memory.
// It backs STORE_BACKEND=memory and the engine tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"Gin_postgres_redis_book_lending/lending"
	"Gin_postgres_redis_book_lending/models"
)

// Store guards one state with one mutex; every method is atomic with respect
// to the others, and InTx makes a whole callback atomic.
type Store struct {
	mu sync.Mutex
	st *state
}

var (
	_ lending.Store      = (*Store)(nil)
	_ lending.Transactor = (*Store)(nil)
)

func New() *Store {
	return &Store{st: newState(time.Now)}
}

// NewWithClock is New with a fixed source for created_at / updated_at.
func NewWithClock(now func() time.Time) *Store {
	return &Store{st: newState(now)}
}

func (s *Store) GetBook(ctx context.Context, id string) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetBook(ctx, id)
}

func (s *Store) FindBooksByCategory(ctx context.Context, category string) ([]models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.FindBooksByCategory(ctx, category)
}

func (s *Store) DecrementStock(ctx context.Context, id string, amount int) (*models.Book, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.DecrementStock(ctx, id, amount)
}

func (s *Store) IncrementStock(ctx context.Context, id string, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.IncrementStock(ctx, id, amount)
}

func (s *Store) CreateBook(ctx context.Context, b *models.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateBook(ctx, b)
}

func (s *Store) UpdateBook(ctx context.Context, id string, u models.BookUpdate) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpdateBook(ctx, id, u)
}

func (s *Store) InsertLoan(ctx context.Context, l *models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertLoan(ctx, l)
}

func (s *Store) GetLoan(ctx context.Context, id string) (*models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetLoan(ctx, id)
}

func (s *Store) FindLoansByPatron(ctx context.Context, email string) ([]models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.FindLoansByPatron(ctx, email)
}

func (s *Store) FindLoansByBookAndPatron(ctx context.Context, bookID, email string) ([]models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.FindLoansByBookAndPatron(ctx, bookID, email)
}

func (s *Store) CloseLoan(ctx context.Context, id string, at time.Time) (*models.Loan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CloseLoan(ctx, id, at)
}

func (s *Store) ReopenLoan(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ReopenLoan(ctx, id)
}

// InTx runs fn with exclusive access to the state. If fn fails, every write it
// made is undone, newest first.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx lending.Store) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.undo = []func(){}
	defer func() {
		if p := recover(); p != nil {
			s.st.rollback()
			panic(p)
		}
		if err != nil {
			s.st.rollback()
		}
		s.st.undo = nil
	}()
	return fn(ctx, s.st)
}

// state is the unlocked implementation of lending.Store; inside InTx it is
// handed to the callback directly.
type state struct {
	now     func() time.Time
	books   map[string]models.Book
	loans   []models.Loan
	loanIdx map[string]int
	open    map[openKey]string // (book, patron) → open loan id

	// InTx 期间非 nil：每次写入的逆操作
	undo []func()
}

type openKey struct{ bookID, email string }

func newState(now func() time.Time) *state {
	return &state{
		now:     now,
		books:   map[string]models.Book{},
		loanIdx: map[string]int{},
		open:    map[openKey]string{},
	}
}

func (st *state) onRollback(f func()) {
	if st.undo != nil {
		st.undo = append(st.undo, f)
	}
}

func (st *state) rollback() {
	for i := len(st.undo) - 1; i >= 0; i-- {
		st.undo[i]()
	}
	st.undo = nil
}

func (st *state) putBook(b models.Book) {
	prev, existed := st.books[b.ID]
	st.onRollback(func() {
		if existed {
			st.books[b.ID] = prev
		} else {
			delete(st.books, b.ID)
		}
	})
	st.books[b.ID] = b
}

func copyLoan(l models.Loan) models.Loan {
	if l.ReturnedAt != nil {
		t := *l.ReturnedAt
		l.ReturnedAt = &t
	}
	return l
}

func (st *state) GetBook(ctx context.Context, id string) (*models.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := st.books[id]
	if !ok {
		return nil, fmt.Errorf("book %s: %w", id, lending.ErrNotFound)
	}
	return &b, nil
}

func (st *state) FindBooksByCategory(ctx context.Context, category string) ([]models.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []models.Book{}
	for _, b := range st.books {
		if b.Category == category {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (st *state) DecrementStock(ctx context.Context, id string, amount int) (*models.Book, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b, ok := st.books[id]
	if !ok || b.QuantityAvailable < amount {
		return nil, false, nil
	}
	b.QuantityAvailable -= amount
	b.UpdatedAt = st.now()
	st.putBook(b)
	return &b, true, nil
}

func (st *state) IncrementStock(ctx context.Context, id string, amount int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, ok := st.books[id]
	if !ok {
		return fmt.Errorf("book %s: %w", id, lending.ErrNotFound)
	}
	b.QuantityAvailable += amount
	b.UpdatedAt = st.now()
	st.putBook(b)
	return nil
}

func (st *state) CreateBook(ctx context.Context, b *models.Book) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, exists := st.books[b.ID]; exists {
		return fmt.Errorf("book %s already exists", b.ID)
	}
	now := st.now()
	b.CreatedAt, b.UpdatedAt = now, now
	st.putBook(*b)
	return nil
}

func (st *state) UpdateBook(ctx context.Context, id string, u models.BookUpdate) (*models.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := st.books[id]
	if !ok {
		return nil, fmt.Errorf("book %s: %w", id, lending.ErrNotFound)
	}
	u.Apply(&b)
	b.UpdatedAt = st.now()
	st.putBook(b)
	return &b, nil
}

func (st *state) InsertLoan(ctx context.Context, l *models.Loan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, exists := st.loanIdx[l.ID]; exists {
		return fmt.Errorf("loan %s already exists", l.ID)
	}
	k := openKey{l.BookID, l.PatronEmail}
	if l.IsOpen() {
		if _, held := st.open[k]; held {
			return lending.ErrAlreadyBorrowed
		}
	}
	now := st.now()
	l.CreatedAt, l.UpdatedAt = now, now
	n, id, open := len(st.loans), l.ID, l.IsOpen()
	st.loanIdx[id] = n
	st.loans = append(st.loans, copyLoan(*l))
	if open {
		st.open[k] = id
	}
	st.onRollback(func() {
		st.loans = st.loans[:n]
		delete(st.loanIdx, id)
		if open {
			delete(st.open, k)
		}
	})
	return nil
}

func (st *state) GetLoan(ctx context.Context, id string) (*models.Loan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i, ok := st.loanIdx[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, lending.ErrNotFound)
	}
	l := copyLoan(st.loans[i])
	return &l, nil
}

func (st *state) FindLoansByPatron(ctx context.Context, email string) ([]models.Loan, error) {
	return st.findLoans(ctx, func(l *models.Loan) bool { return l.PatronEmail == email })
}

func (st *state) FindLoansByBookAndPatron(ctx context.Context, bookID, email string) ([]models.Loan, error) {
	return st.findLoans(ctx, func(l *models.Loan) bool {
		return l.BookID == bookID && l.PatronEmail == email
	})
}

func (st *state) findLoans(ctx context.Context, match func(*models.Loan) bool) ([]models.Loan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []models.Loan{}
	for i := range st.loans {
		if match(&st.loans[i]) {
			out = append(out, copyLoan(st.loans[i]))
		}
	}
	return out, nil
}

func (st *state) CloseLoan(ctx context.Context, id string, at time.Time) (*models.Loan, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	i, ok := st.loanIdx[id]
	if !ok {
		return nil, false, fmt.Errorf("loan %s: %w", id, lending.ErrNotFound)
	}
	l := &st.loans[i]
	if !l.IsOpen() {
		c := copyLoan(*l)
		return &c, false, nil
	}
	prev := copyLoan(*l)
	k := openKey{l.BookID, l.PatronEmail}
	st.onRollback(func() {
		st.loans[i] = prev
		st.open[k] = prev.ID
	})
	t := at
	l.ReturnedAt = &t
	l.UpdatedAt = st.now()
	delete(st.open, k)
	c := copyLoan(*l)
	return &c, true, nil
}

func (st *state) ReopenLoan(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i, ok := st.loanIdx[id]
	if !ok {
		return fmt.Errorf("loan %s: %w", id, lending.ErrNotFound)
	}
	l := &st.loans[i]
	if l.IsOpen() {
		return nil
	}
	k := openKey{l.BookID, l.PatronEmail}
	if _, held := st.open[k]; held {
		return lending.ErrAlreadyBorrowed
	}
	prev := copyLoan(*l)
	st.onRollback(func() {
		st.loans[i] = prev
		delete(st.open, k)
	})
	l.ReturnedAt = nil
	l.UpdatedAt = st.now()
	st.open[k] = l.ID
	return nil
}
