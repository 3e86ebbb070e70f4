//nolint:whitespace // can't make both editor and linter happy
package result

import (
	"context"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/repository"
)

// the final outcome is written once the duel completes and may be
// overwritten when the duel is unregistered with a newer standing.
func Upsert(
	ctx context.Context,
	conn repository.Querier,
	entry *model.DbDuelResult,
) error {
	_, err := conn.Exec(ctx, `
	insert into duel_result (duel_id, data)
	values ($1,$2)
	on conflict (duel_id) do update set data=$2
	`, entry.DuelID, entry.Data)

	return err
}

func LoadByDuelId(
	ctx context.Context,
	conn repository.Querier,
	duelID int,
) (*model.DbDuelResult, error) {
	row := conn.QueryRow(ctx, `
	select duel_id, data from duel_result where duel_id=$1
	`, duelID)

	var item model.DbDuelResult
	if err := row.Scan(&item.DuelID, &item.Data); err != nil {
		return nil, err
	}
	return &item, nil
}

//nolint:lll // readability
func LoadByDuelKey(
	ctx context.Context,
	conn repository.Querier,
	duelKey string,
) (*model.DbDuelResult, error) {
	row := conn.QueryRow(ctx, `
	select duel_id, data from duel_result where duel_id=(select id from duel where duel_key=$1)
	`, duelKey)

	var item model.DbDuelResult
	if err := row.Scan(&item.DuelID, &item.Data); err != nil {
		return nil, err
	}
	return &item, nil
}

// deletes an entry from the database, returns number of rows deleted.
func DeleteByDuelId(ctx context.Context, conn repository.Querier, duelID int) (int, error) {
	cmdTag, err := conn.Exec(ctx,
		"delete from duel_result where duel_id=$1", duelID)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}
