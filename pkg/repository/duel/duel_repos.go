//nolint:whitespace // can't make both editor and linter happy
package duel

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/repository"
)

func Create(
	ctx context.Context,
	conn repository.Querier,
	duel *model.DbDuel,
) (*model.DbDuel, error) {
	row := conn.QueryRow(ctx, `
	insert into duel (duel_key, name, description, data)
	values ($1,$2,$3,$4)
	returning id, record_stamp
	`, duel.Key, duel.Name, duel.Description, duel.Data)

	if err := row.Scan(&duel.ID, &duel.RecordStamp); err != nil {
		return nil, err
	}

	return duel, nil
}

// deletes an entry from the database, returns number of rows deleted.
func DeleteById(ctx context.Context, conn repository.Querier, id int) (int, error) {
	cmdTag, err := conn.Exec(ctx, "delete from duel where id=$1", id)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

func LoadById(ctx context.Context, conn repository.Querier, id int) (*model.DbDuel, error) {
	row := conn.QueryRow(ctx,
		fmt.Sprintf("%s where id=$1", selector), id)
	var duel model.DbDuel
	if err := scan(&duel, row); err != nil {
		return nil, err
	}
	return &duel, nil
}

func LoadByKey(
	ctx context.Context,
	conn repository.Querier,
	duelKey string,
) (*model.DbDuel, error) {
	row := conn.QueryRow(ctx,
		fmt.Sprintf("%s where duel_key=$1", selector), duelKey)
	var duel model.DbDuel
	if err := scan(&duel, row); err != nil {
		return nil, err
	}
	return &duel, nil
}

// loads the most recent entries, newest first.
func LoadLatest(
	ctx context.Context,
	conn repository.Querier,
	limit int,
) (ret []*model.DbDuel, err error) {
	var rows pgx.Rows
	if rows, err = conn.Query(ctx,
		fmt.Sprintf("%s order by record_stamp desc limit $1", selector),
		limit); err != nil {
		return nil, err
	}

	ret, err = pgx.CollectRows[*model.DbDuel](rows,
		func(row pgx.CollectableRow) (*model.DbDuel, error) {
			return pgx.RowToAddrOfStructByPos[model.DbDuel](row)
		})
	return ret, err
}

func LoadAll(ctx context.Context, conn repository.Querier) (ret []*model.DbDuel, err error) {
	var rows pgx.Rows
	if rows, err = conn.Query(ctx,
		fmt.Sprintf("%s order by record_stamp desc", selector)); err != nil {
		return nil, err
	}

	ret, err = pgx.CollectRows[*model.DbDuel](rows,
		func(row pgx.CollectableRow) (*model.DbDuel, error) {
			return pgx.RowToAddrOfStructByPos[model.DbDuel](row)
		})
	return ret, err
}

// little helper
const selector = string(`
select id, duel_key, name, coalesce(description,''), record_stamp, data from duel
`)

func scan(e *model.DbDuel, row pgx.Row) error {
	return row.Scan(&e.ID, &e.Key, &e.Name, &e.Description, &e.RecordStamp, &e.Data)
}
