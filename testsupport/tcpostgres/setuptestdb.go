//nolint:errcheck // testsetup
package tcpostgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/db/migrate"
	database "github.com/midnightgrind/tougelog-service-manager-go/pkg/db/postgres"
)

// create a pg connection pool for the tougelog testdatabase
func SetupTestDb() *pgxpool.Pool {
	ctx := context.Background()
	port, err := nat.NewPort("tcp", "5432")
	if err != nil {
		log.Fatal(err)
	}
	container, err := SetupPostgres(ctx,
		WithPort(port.Port()),
		WithInitialDatabase("postgres", "password", "postgres"),
		WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
		WithName("tougelog-service-manager-test"),
	)
	if err != nil {
		log.Fatal(err)
	}
	containerPort, _ := container.MappedPort(ctx, port)
	host, _ := container.Host(ctx)
	dbUrl := fmt.Sprintf("postgresql://postgres:password@%s:%s/postgres",
		host, containerPort.Port())

	if err = migrate.MigrateDb(dbUrl); err != nil {
		log.Fatal(err)
	}

	pool := database.InitWithUrl(dbUrl)
	return pool
}

// use an already running database via TESTDB_URL instead of a container
func SetupExternalTestDb() *pgxpool.Pool {
	dbUrl := os.Getenv("TESTDB_URL")
	if err := migrate.MigrateDb(dbUrl); err != nil {
		log.Fatal(err)
	}
	return database.InitWithUrl(dbUrl)
}

func ClearDuelResultTable(pool *pgxpool.Pool) {
	pool.Exec(context.Background(), "delete from duel_result")
}

func ClearDuelRunTable(pool *pgxpool.Pool) {
	pool.Exec(context.Background(), "delete from duel_run")
}

func ClearDuelTable(pool *pgxpool.Pool) {
	pool.Exec(context.Background(), "delete from duel")
}

func ClearAllTables(pool *pgxpool.Pool) {
	ClearDuelResultTable(pool)
	ClearDuelRunTable(pool)
	ClearDuelTable(pool)
}
