package database

import (
	"context"
	"database/sql"
)

type DatabaseService interface {
	CreateDatabase() (*sql.DB, error)
	DoesDatabaseExist() bool
	Close() error

	// InsertSubmission appends a submission row and returns the identifier assigned by the store.
	// CreatedAt is set to the current UTC time when zero.
	InsertSubmission(ctx context.Context, submission *Submission) (int64, error)
	// ListSubmissions returns up to limit submissions, most recent first.
	ListSubmissions(ctx context.Context, limit int) ([]*Submission, error)
}
