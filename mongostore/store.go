// Package mongostore keeps books and loans in MongoDB under the collection
// names books / borrowedbook. Documents use string ids, bookId and an open
// flag; older documents with ObjectId ids or a bookid field are not read.
//
// Multi-document transactions need a replica set, so Store is not a
// lending.Transactor and the engine compensates instead.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"Gin_postgres_redis_book_lending/lending"
	"Gin_postgres_redis_book_lending/models"
)

const (
	BooksCollection = "books"
	LoansCollection = "borrowedbook"

	openLoanIndex = "one_open_per_patron_book"
)

type Store struct {
	client *mongo.Client
	books  *mongo.Collection
	loans  *mongo.Collection
	now    func() time.Time
}

var _ lending.Store = (*Store)(nil)

// Connect dials uri, pings the primary and makes sure the indexes exist.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := New(client, database)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func New(client *mongo.Client, database string) *Store {
	db := client.Database(database)
	return &Store{
		client: client,
		books:  db.Collection(BooksCollection),
		loans:  db.Collection(LoansCollection),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.books.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "category", Value: 1}, {Key: "createdAt", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create books index: %w", err)
	}

	_, err := s.loans.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userEmail", Value: 1}, {Key: "_id", Value: 1}}},
		{
			// 同一读者同一本书最多一条 open 借阅
			Keys: bson.D{{Key: "bookId", Value: 1}, {Key: "userEmail", Value: 1}},
			Options: options.Index().
				SetName(openLoanIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"open": true}),
		},
	})
	if err != nil {
		return fmt.Errorf("create loan indexes: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

// Books

func (s *Store) CreateBook(ctx context.Context, b *models.Book) error {
	now := s.now()
	b.CreatedAt, b.UpdatedAt = now, now
	if _, err := s.books.InsertOne(ctx, toBookDoc(b)); err != nil {
		return fmt.Errorf("create book: %w", err)
	}
	return nil
}

func (s *Store) GetBook(ctx context.Context, id string) (*models.Book, error) {
	var d bookDoc
	if err := s.books.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, mapErr("book "+id, err)
	}
	return d.model(), nil
}

func (s *Store) FindBooksByCategory(ctx context.Context, category string) ([]models.Book, error) {
	cur, err := s.books.Find(ctx, bson.M{"category": category},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find books: %w", err)
	}
	var docs []bookDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("find books: %w", err)
	}
	books := make([]models.Book, 0, len(docs))
	for i := range docs {
		books = append(books, *docs[i].model())
	}
	return books, nil
}

// DecrementStock 是单文档原子操作：过滤条件 quantity >= amount 和 $inc 在同一次 findAndModify 里
func (s *Store) DecrementStock(ctx context.Context, id string, amount int) (*models.Book, bool, error) {
	var d bookDoc
	err := s.books.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "quantity": bson.M{"$gte": amount}},
		bson.M{
			"$inc": bson.M{"quantity": -amount},
			"$set": bson.M{"updatedAt": s.now()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("decrement stock: %w", err)
	}
	return d.model(), true, nil
}

func (s *Store) IncrementStock(ctx context.Context, id string, amount int) error {
	res, err := s.books.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc": bson.M{"quantity": amount},
			"$set": bson.M{"updatedAt": s.now()},
		})
	if err != nil {
		return fmt.Errorf("increment stock: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("book %s: %w", id, lending.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateBook(ctx context.Context, id string, u models.BookUpdate) (*models.Book, error) {
	set := bookUpdateDoc(u)
	if len(set) == 0 {
		return s.GetBook(ctx, id)
	}
	set["updatedAt"] = s.now()

	var d bookDoc
	err := s.books.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&d)
	if err != nil {
		return nil, mapErr("book "+id, err)
	}
	return d.model(), nil
}

// Loans

func (s *Store) InsertLoan(ctx context.Context, l *models.Loan) error {
	now := s.now()
	l.CreatedAt, l.UpdatedAt = now, now
	if _, err := s.loans.InsertOne(ctx, toLoanDoc(l)); err != nil {
		return mapErr("insert loan", err)
	}
	return nil
}

func (s *Store) GetLoan(ctx context.Context, id string) (*models.Loan, error) {
	var d loanDoc
	if err := s.loans.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, mapErr("loan "+id, err)
	}
	return d.model(), nil
}

func (s *Store) FindLoansByPatron(ctx context.Context, email string) ([]models.Loan, error) {
	return s.findLoans(ctx, bson.M{"userEmail": email})
}

func (s *Store) FindLoansByBookAndPatron(ctx context.Context, bookID, email string) ([]models.Loan, error) {
	return s.findLoans(ctx, bson.M{"bookId": bookID, "userEmail": email})
}

// _id 是单调 ULID，按 _id 升序即插入顺序
func (s *Store) findLoans(ctx context.Context, filter bson.M) ([]models.Loan, error) {
	cur, err := s.loans.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find loans: %w", err)
	}
	var docs []loanDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("find loans: %w", err)
	}
	loans := make([]models.Loan, 0, len(docs))
	for i := range docs {
		loans = append(loans, *docs[i].model())
	}
	return loans, nil
}

func (s *Store) CloseLoan(ctx context.Context, id string, at time.Time) (*models.Loan, bool, error) {
	var d loanDoc
	err := s.loans.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "open": true},
		bson.M{"$set": bson.M{"open": false, "returnedAt": at, "updatedAt": s.now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		l, err := s.GetLoan(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return l, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("close loan: %w", err)
	}
	return d.model(), true, nil
}

func (s *Store) ReopenLoan(ctx context.Context, id string) error {
	res, err := s.loans.UpdateOne(ctx,
		bson.M{"_id": id, "open": false},
		bson.M{
			"$set":   bson.M{"open": true, "updatedAt": s.now()},
			"$unset": bson.M{"returnedAt": ""},
		})
	if err != nil {
		return mapErr("reopen loan", err)
	}
	if res.MatchedCount == 0 {
		_, err := s.GetLoan(ctx, id)
		return err
	}
	return nil
}

func mapErr(what string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, lending.ErrNotFound)
	}
	if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), openLoanIndex) {
		return lending.ErrAlreadyBorrowed
	}
	return fmt.Errorf("%s: %w", what, err)
}
