// Package lending decides whether a borrow may proceed, reserves one unit of
// stock and records the loan, keeping the catalog and the loan ledger in step.
//
// The engine holds no locks. Over-lending is prevented by the catalog's atomic
// conditional decrement, duplicate open loans by the loan store's uniqueness
// guard. When the backend is a Transactor both writes share one transaction,
// otherwise a failed loan insert is compensated by restocking.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"Gin_postgres_redis_book_lending/models"
)

const (
	defaultLoanPeriod          = 14 * 24 * time.Hour
	defaultCompensationTimeout = 5 * time.Second
	defaultJoinConcurrency     = 8
)

type Engine struct {
	catalog CatalogStore
	loans   LoanStore
	tx      Transactor // nil → compensation path

	log                 *slog.Logger
	clock               Clock
	ids                 IDGen
	loanPeriod          time.Duration
	retryOptions        []RetryOption
	compensationTimeout time.Duration
	joinConcurrency     int
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithIDGenerator(g IDGen) Option { return func(e *Engine) { e.ids = g } }

// WithLoanPeriod sets the due date used when a borrow request carries none.
func WithLoanPeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.loanPeriod = d
		}
	}
}

// WithRetryOptions configures the backoff used for compensating writes.
func WithRetryOptions(opts ...RetryOption) Option {
	return func(e *Engine) { e.retryOptions = opts }
}

// WithCompensationTimeout bounds how long a compensating write may keep
// retrying after the caller has gone away.
func WithCompensationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.compensationTimeout = d
		}
	}
}

// WithJoinConcurrency limits parallel book lookups in ListLoansForPatron.
func WithJoinConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.joinConcurrency = n
		}
	}
}

// NewEngine wires the engine to a backend. If the backend also implements
// Transactor, Borrow and Return run inside a single transaction.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		catalog:             store,
		loans:               store,
		log:                 slog.Default(),
		clock:               realClock{},
		ids:                 newULIDGen(),
		loanPeriod:          defaultLoanPeriod,
		compensationTimeout: defaultCompensationTimeout,
		joinConcurrency:     defaultJoinConcurrency,
	}
	if tx, ok := store.(Transactor); ok {
		e.tx = tx
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transactional reports which consistency strategy the engine runs with.
func (e *Engine) Transactional() bool { return e.tx != nil }

type BorrowInput struct {
	BookID      string
	PatronEmail string
	PatronName  string
	BorrowedAt  time.Time // zero → now
	DueAt       time.Time // zero → BorrowedAt + loan period
}

// Borrow reserves one copy of the book and records the loan.
//
// On success exactly one decrement and one insert happened. On any failure
// after the decrement the stock is given back (rollback or compensation) and
// an error is returned; Borrow never reports success without a stored loan.
func (e *Engine) Borrow(ctx context.Context, in BorrowInput) (*models.Loan, error) {
	in, err := e.normalizeBorrow(in)
	if err != nil {
		return nil, err
	}

	loanID, err := e.ids.New(e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("generate loan id: %w", err)
	}

	var loan *models.Loan
	if e.tx != nil {
		err = e.tx.InTx(ctx, func(ctx context.Context, s Store) error {
			book, err := reserve(ctx, s, in.BookID)
			if err != nil {
				return err
			}
			l := newLoan(loanID, book, in)
			if err := s.InsertLoan(ctx, l); err != nil {
				return classify("insert loan", err)
			}
			loan = l
			return nil
		})
		if err != nil {
			err = classify("borrow transaction", err)
			e.logRejected(ctx, in, err)
			return nil, err
		}
	} else {
		book, err := reserve(ctx, e.catalog, in.BookID)
		if err != nil {
			e.logRejected(ctx, in, err)
			return nil, err
		}
		l := newLoan(loanID, book, in)
		// 扣减已提交：之后的任何失败（包括 ctx 取消）都必须补偿库存
		if err := e.loans.InsertLoan(ctx, l); err != nil {
			return nil, e.compensateBorrow(ctx, in.BookID, classify("insert loan", err))
		}
		loan = l
	}

	e.log.InfoContext(ctx, "book borrowed",
		"loan_id", loan.ID, "book_id", loan.BookID, "patron", loan.PatronEmail)
	return loan, nil
}

// 业务拒绝记 Info，存储故障记 Error
func (e *Engine) logRejected(ctx context.Context, in BorrowInput, err error) {
	level := slog.LevelInfo
	if errors.Is(err, ErrStorageFailure) {
		level = slog.LevelError
	}
	e.log.Log(ctx, level, "borrow rejected",
		"book_id", in.BookID, "patron", in.PatronEmail, "error_type", errorType(err), "error", err)
}

// reserve runs the conditional decrement and, when it did not apply, tells
// an unknown book apart from an exhausted one.
func reserve(ctx context.Context, cat CatalogStore, bookID string) (*models.Book, error) {
	book, ok, err := cat.DecrementStock(ctx, bookID, 1)
	if err != nil {
		return nil, classify("decrement stock", err)
	}
	if ok {
		return book, nil
	}
	if _, err := cat.GetBook(ctx, bookID); err != nil {
		return nil, classify("get book", err)
	}
	return nil, ErrOutOfStock
}

// compensateBorrow gives the reserved copy back after a failed insert. It
// runs detached from the caller's cancellation, bounded by compensationTimeout.
func (e *Engine) compensateBorrow(ctx context.Context, bookID string, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.compensationTimeout)
	defer cancel()

	err := RetryWithExponentialBackoff(cctx, func(ctx context.Context) error {
		return e.catalog.IncrementStock(ctx, bookID, 1)
	}, e.retryOptions...)
	if err != nil {
		e.log.ErrorContext(ctx, "stock compensation failed, book needs reconciliation",
			"book_id", bookID, "cause", cause, "error", err)
		return fmt.Errorf("%w (stock compensation failed: %v)", cause, err)
	}

	e.log.WarnContext(ctx, "loan insert failed, stock restored",
		"book_id", bookID, "error_type", errorType(cause), "error", cause)
	return cause
}

func (e *Engine) normalizeBorrow(in BorrowInput) (BorrowInput, error) {
	in.BookID = strings.TrimSpace(in.BookID)
	in.PatronEmail = normalizeEmail(in.PatronEmail)
	in.PatronName = strings.TrimSpace(in.PatronName)

	if in.BookID == "" {
		return in, invalid("book id is required")
	}
	if in.PatronEmail == "" || in.PatronName == "" {
		return in, invalid("user email and display name are required")
	}
	if in.BorrowedAt.IsZero() {
		in.BorrowedAt = e.clock.Now()
	}
	if in.DueAt.IsZero() {
		in.DueAt = in.BorrowedAt.Add(e.loanPeriod)
	}
	return in, nil
}

func newLoan(id string, book *models.Book, in BorrowInput) *models.Loan {
	return &models.Loan{
		ID:           id,
		BookID:       book.ID,
		PatronEmail:  in.PatronEmail,
		PatronName:   in.PatronName,
		BookTitle:    book.Title,
		BookCategory: book.Category,
		BorrowedAt:   in.BorrowedAt.UTC(),
		DueAt:        in.DueAt.UTC(),
	}
}

func normalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// HasOpenLoan reports whether the patron currently holds the book.
//
// It is a plain read: nothing orders it against a concurrent Borrow for the
// same pair. Borrow itself does not rely on it, the loan store rejects a
// second open loan.
func (e *Engine) HasOpenLoan(ctx context.Context, bookID, patronEmail string) (bool, error) {
	bookID = strings.TrimSpace(bookID)
	patronEmail = normalizeEmail(patronEmail)
	if bookID == "" || patronEmail == "" {
		return false, invalid("book id and user email are required")
	}

	loans, err := e.loans.FindLoansByBookAndPatron(ctx, bookID, patronEmail)
	if err != nil {
		return false, classify("find loans", err)
	}
	for i := range loans {
		if loans[i].IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

// LoanView is a loan joined with its book for display.
type LoanView struct {
	BookID     string     `json:"id"`
	LoanID     string     `json:"loanId"`
	Image      string     `json:"image"`
	Title      string     `json:"name"`
	Author     string     `json:"authorName,omitempty"`
	Category   string     `json:"category"`
	BorrowedAt time.Time  `json:"borrowedDate"`
	DueAt      time.Time  `json:"returnDate"`
	ReturnedAt *time.Time `json:"returnedAt,omitempty"`
}

// ListLoansForPatron returns every loan of the patron, open and closed, in
// the loan store's insertion order, each enriched with its book.
func (e *Engine) ListLoansForPatron(ctx context.Context, patronEmail string) ([]LoanView, error) {
	patronEmail = normalizeEmail(patronEmail)
	if patronEmail == "" {
		return nil, invalid("user email is required")
	}

	loans, err := e.loans.FindLoansByPatron(ctx, patronEmail)
	if err != nil {
		return nil, classify("find loans", err)
	}

	books, err := e.loadBooks(ctx, loans)
	if err != nil {
		return nil, err
	}

	views := make([]LoanView, 0, len(loans))
	for _, l := range loans {
		v := LoanView{
			BookID:     l.BookID,
			LoanID:     l.ID,
			Title:      l.BookTitle,
			Category:   l.BookCategory,
			BorrowedAt: l.BorrowedAt,
			DueAt:      l.DueAt,
			ReturnedAt: l.ReturnedAt,
		}
		if b, ok := books[l.BookID]; ok {
			v.Title, v.Author, v.Category, v.Image = b.Title, b.Author, b.Category, b.Image
		}
		views = append(views, v)
	}
	return views, nil
}

// loadBooks fetches the distinct books referenced by loans concurrently.
// Books that no longer resolve are left out; callers fall back to the loan snapshot.
func (e *Engine) loadBooks(ctx context.Context, loans []models.Loan) (map[string]*models.Book, error) {
	ids := make([]string, 0, len(loans))
	seen := make(map[string]struct{}, len(loans))
	for _, l := range loans {
		if _, ok := seen[l.BookID]; ok {
			continue
		}
		seen[l.BookID] = struct{}{}
		ids = append(ids, l.BookID)
	}

	found := make([]*models.Book, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.joinConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			b, err := e.catalog.GetBook(gctx, id)
			if errors.Is(err, ErrNotFound) {
				e.log.WarnContext(gctx, "loan references a missing book", "book_id", id)
				return nil
			}
			if err != nil {
				return classify("get book", err)
			}
			found[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	books := make(map[string]*models.Book, len(ids))
	for i, id := range ids {
		if found[i] != nil {
			books[id] = found[i]
		}
	}
	return books, nil
}

// Return closes an open loan and puts the copy back in stock. Returning an
// already closed loan is a no-op that yields the stored loan.
func (e *Engine) Return(ctx context.Context, loanID string, returnedAt time.Time) (*models.Loan, error) {
	loanID = strings.TrimSpace(loanID)
	if loanID == "" {
		return nil, invalid("loan id is required")
	}
	if returnedAt.IsZero() {
		returnedAt = e.clock.Now()
	}
	returnedAt = returnedAt.UTC()

	if e.tx != nil {
		var loan *models.Loan
		err := e.tx.InTx(ctx, func(ctx context.Context, s Store) error {
			l, closed, err := s.CloseLoan(ctx, loanID, returnedAt)
			if err != nil {
				return classify("close loan", err)
			}
			loan = l
			if !closed {
				return nil
			}
			return classify("restock", s.IncrementStock(ctx, l.BookID, 1))
		})
		if err != nil {
			return nil, classify("return transaction", err)
		}
		e.log.InfoContext(ctx, "book returned", "loan_id", loan.ID, "book_id", loan.BookID)
		return loan, nil
	}

	loan, closed, err := e.loans.CloseLoan(ctx, loanID, returnedAt)
	if err != nil {
		return nil, classify("close loan", err)
	}
	if !closed {
		return loan, nil
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.compensationTimeout)
	defer cancel()

	err = RetryWithExponentialBackoff(cctx, func(ctx context.Context) error {
		return e.catalog.IncrementStock(ctx, loan.BookID, 1)
	}, e.retryOptions...)
	if err != nil {
		cause := classify("restock", err)
		// 库存没加回去：把借阅重新打开，保持账实一致
		reopenErr := RetryWithExponentialBackoff(cctx, func(ctx context.Context) error {
			return e.loans.ReopenLoan(ctx, loan.ID)
		}, e.retryOptions...)
		if reopenErr != nil {
			e.log.ErrorContext(ctx, "restock and reopen both failed, loan needs reconciliation",
				"loan_id", loan.ID, "book_id", loan.BookID, "error", err, "reopen_error", reopenErr)
		} else {
			e.log.WarnContext(ctx, "restock failed, loan reopened", "loan_id", loan.ID, "error", err)
		}
		return nil, cause
	}

	e.log.InfoContext(ctx, "book returned", "loan_id", loan.ID, "book_id", loan.BookID)
	return loan, nil
}
