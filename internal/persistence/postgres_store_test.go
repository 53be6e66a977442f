package persistence

import (
	"database/sql"
	"sync"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/taskstate/internal/testutil"
)

func TestPostgresStoreContract(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	var (
		once  sync.Once
		store *PostgresStore
	)
	suite.Run(t, newContractSuite(func(t *testing.T) Persistence {
		once.Do(func() {
			db, err := sql.Open("pgx", dsn)
			require.NoError(t, err)
			store, err = NewPostgresStore(db)
			require.NoError(t, err)
		})
		return store.Persistence()
	}))
}
