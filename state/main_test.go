package state

import (
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
)

// postgres tests only run when SHELLSYNC_TEST_DB points at a disposable database, e.g.
// "user=postgres dbname=shellsync_test sslmode=disable".
var postgresConnectionString = os.Getenv("SHELLSYNC_TEST_DB")

func connectToDB(t *testing.T) (*sqlx.DB, func()) {
	t.Helper()
	if postgresConnectionString == "" {
		t.Skip("SHELLSYNC_TEST_DB not set, skipping postgres test")
	}
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	return db, func() {
		db.Close()
	}
}
