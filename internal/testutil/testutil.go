// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/livelearn/livelearn/internal/db"
	"github.com/livelearn/livelearn/internal/store"
)

// OpenDB returns a fresh in-memory SQLite database with the full schema.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:" + name + "?mode=memory&cache=shared&_pragma=foreign_keys(1)"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dbh, err := db.Open(ctx, db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = dbh.Close() })
	return dbh
}

// SeedCourse stores a course with the given tokens and returns it.
func SeedCourse(t *testing.T, st store.Courses, local, domain string, instructors ...string) store.Course {
	t.Helper()
	c := store.Course{
		ID:            store.CourseKey(local, domain),
		LocalCourseID: local,
		Domain:        domain,
		AccessToken:   "access-1",
		RefreshToken:  "refresh-1",
		AGSToken:      "ags-1",
		Instructors:   instructors,
	}
	if err := st.CreateCourse(context.Background(), c); err != nil {
		t.Fatalf("seed course: %v", err)
	}
	return c
}
