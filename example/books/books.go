// Package books holds the messages shared by the examples.
package books

import (
	"errors"

	"github.com/quarks-tech/courier-go/pkg/envelope"
)

const (
	BookCreatedType = "example.books.v1.BookCreated"
	BookDeletedType = "example.books.v1.BookDeleted"
)

type BookCreated struct {
	ID    int32  `json:"id"`
	Title string `json:"title"`
}

func (e *BookCreated) Validate() error {
	if e.ID <= 0 {
		return errors.New("book id must be positive")
	}

	return nil
}

type BookDeleted struct {
	ID int32 `json:"id"`
}

// Register binds the book message aliases in types.
func Register(types *envelope.TypeRegistry) {
	envelope.RegisterType[BookCreated](types, BookCreatedType)
	envelope.RegisterType[BookDeleted](types, BookDeletedType)
}
