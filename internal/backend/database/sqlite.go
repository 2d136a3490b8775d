package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const timestampLayout = time.RFC3339Nano

type SQLiteDatabase struct {
	db               *sql.DB
	connectionString string
}

func NewSQLiteDatabase(connectionString string) (DatabaseService, error) {
	db, err := sql.Open("sqlite", connectionString)
	if err != nil {
		return nil, err
	}
	// every pooled connection to :memory: would otherwise see its own empty database
	if strings.Contains(connectionString, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	return &SQLiteDatabase{
		db:               db,
		connectionString: connectionString,
	}, nil
}

func (s *SQLiteDatabase) CreateDatabase() (*sql.DB, error) {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT,
		email TEXT,
		filename TEXT,
		annotated_filename TEXT,
		emotion TEXT,
		emotions_json TEXT,
		created_at TEXT
	)`)
	if err != nil {
		return nil, err
	}

	return s.db, nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteDatabase) DoesDatabaseExist() bool {
	// In SQLite, the database file is created when you connect to it.
	// So we can assume it exists if we can successfully ping the database.
	err := s.db.Ping()
	return err == nil
}

func (s *SQLiteDatabase) InsertSubmission(ctx context.Context, submission *Submission) (int64, error) {
	if submission == nil {
		return 0, fmt.Errorf("submission is nil")
	}
	emotionsJSON, err := encodeEmotions(submission.Emotions)
	if err != nil {
		return 0, err
	}
	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (name, email, filename, annotated_filename, emotion, emotions_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		submission.Name,
		submission.Email,
		submission.Filename,
		submission.AnnotatedFilename,
		submission.Emotion,
		emotionsJSON,
		submission.CreatedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert submission: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read submission id: %w", err)
	}
	submission.ID = id
	return id, nil
}

func (s *SQLiteDatabase) ListSubmissions(ctx context.Context, limit int) ([]*Submission, error) {
	if limit <= 0 {
		return []*Submission{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, filename, annotated_filename, emotion, emotions_json, created_at
		FROM submissions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close() // Explicitly ignore error as we're already returning an error from the function
	}()

	submissions := make([]*Submission, 0)
	for rows.Next() {
		var (
			sub          Submission
			name, email  sql.NullString
			annotated    sql.NullString
			emotion      sql.NullString
			emotionsJSON sql.NullString
			createdAt    sql.NullString
		)
		if err := rows.Scan(&sub.ID, &name, &email, &sub.Filename, &annotated, &emotion, &emotionsJSON, &createdAt); err != nil {
			return nil, err
		}
		sub.Name = name.String
		sub.Email = email.String
		sub.AnnotatedFilename = annotated.String
		sub.Emotion = emotion.String

		sub.Emotions, err = decodeEmotions(emotionsJSON.String)
		if err != nil {
			return nil, fmt.Errorf("submission %d: %w", sub.ID, err)
		}
		if createdAt.Valid && createdAt.String != "" {
			sub.CreatedAt, err = time.Parse(timestampLayout, createdAt.String)
			if err != nil {
				return nil, fmt.Errorf("submission %d: invalid created_at %q: %w", sub.ID, createdAt.String, err)
			}
		}
		submissions = append(submissions, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return submissions, nil
}
