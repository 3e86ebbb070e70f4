//nolint:whitespace // can't make both editor and linter happy
package run

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
	entry *model.DbDuelRun,
) (*model.DbDuelRun, error) {
	row := conn.QueryRow(ctx, `
	insert into duel_run (duel_id, run_no, leader_idx, winner_idx, result, run_time, data)
	values ($1,$2,$3,$4,$5,$6,$7)
	returning id
	`, entry.DuelID, entry.RunNo, entry.LeaderIdx, entry.WinnerIdx,
		entry.Result, entry.RunTime, entry.Data)

	if err := row.Scan(&entry.ID); err != nil {
		return nil, err
	}

	return entry, nil
}

// runs may be written again when a duel is unregistered.
func Upsert(
	ctx context.Context,
	conn repository.Querier,
	entry *model.DbDuelRun,
) error {
	_, err := conn.Exec(ctx, `
	insert into duel_run (duel_id, run_no, leader_idx, winner_idx, result, run_time, data)
	values ($1,$2,$3,$4,$5,$6,$7)
	on conflict (duel_id, run_no) do update set
		leader_idx=$3, winner_idx=$4, result=$5, run_time=$6, data=$7
	`, entry.DuelID, entry.RunNo, entry.LeaderIdx, entry.WinnerIdx,
		entry.Result, entry.RunTime, entry.Data)

	return err
}

// deletes all entries for a duel, returns number of rows deleted.
func DeleteByDuelId(ctx context.Context, conn repository.Querier, duelID int) (int, error) {
	cmdTag, err := conn.Exec(ctx,
		"delete from duel_run where duel_id=$1", duelID)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

func LoadByDuelId(
	ctx context.Context,
	conn repository.Querier,
	duelID int,
) (ret []*model.DbDuelRun, err error) {
	var rows pgx.Rows
	if rows, err = conn.Query(ctx,
		fmt.Sprintf("%s where duel_id=$1 order by run_no", selector),
		duelID); err != nil {
		return nil, err
	}

	ret, err = pgx.CollectRows[*model.DbDuelRun](rows,
		func(row pgx.CollectableRow) (*model.DbDuelRun, error) {
			return pgx.RowToAddrOfStructByPos[model.DbDuelRun](row)
		})
	return ret, err
}

// little helper
const selector = string(`
select id, duel_id, run_no, leader_idx, winner_idx, result, run_time, data from duel_run
`)
