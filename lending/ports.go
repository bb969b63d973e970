package lending

import (
	"context"
	"time"

	"Gin_postgres_redis_book_lending/models"
)

// CatalogStore is the book inventory side of the persistence layer.
type CatalogStore interface {
	GetBook(ctx context.Context, id string) (*models.Book, error)
	FindBooksByCategory(ctx context.Context, category string) ([]models.Book, error)

	// DecrementStock subtracts amount from quantity_available only if at least
	// amount is left. It must be a single atomic operation in the store and
	// reports whether it applied; the returned book is the updated snapshot.
	DecrementStock(ctx context.Context, id string, amount int) (*models.Book, bool, error)
	IncrementStock(ctx context.Context, id string, amount int) error

	CreateBook(ctx context.Context, b *models.Book) error
	UpdateBook(ctx context.Context, id string, u models.BookUpdate) (*models.Book, error)
}

// LoanStore is the append-oriented borrow ledger.
type LoanStore interface {
	// InsertLoan returns ErrAlreadyBorrowed when an open loan for the same
	// (book, patron) pair exists.
	InsertLoan(ctx context.Context, l *models.Loan) error
	GetLoan(ctx context.Context, id string) (*models.Loan, error)
	FindLoansByPatron(ctx context.Context, email string) ([]models.Loan, error)
	FindLoansByBookAndPatron(ctx context.Context, bookID, email string) ([]models.Loan, error)

	// CloseLoan sets returned_at if the loan is still open and reports whether it applied.
	CloseLoan(ctx context.Context, id string, at time.Time) (*models.Loan, bool, error)
	ReopenLoan(ctx context.Context, id string) error
}

// Store is what a backend hands to the engine.
type Store interface {
	CatalogStore
	LoanStore
}

// Transactor is implemented by backends that can commit writes to both
// stores atomically. fn's error rolls the transaction back.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
