package wcdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Tencent/wcdb-sub005/syntax"
)

// initResult is the outcome of initializing one target table: a descriptor,
// a hint that the target does not exist yet, or neither (no migration).
type initResult struct {
	info *Info
	hint bool
}

// initialize decides whether table migrates. It runs without the
// coordinator lock and may execute SQL on h.
func initialize(ctx context.Context, h *Handle, sources []*Source, table string, log *Logger) (initResult, error) {
	if isReserved(table) {
		return initResult{}, nil
	}

	var src *Source
	var sourceTable string
	for _, s := range sources {
		if name, ok := s.resolve(table); ok {
			src, sourceTable = s, name
			break
		}
	}
	if src == nil {
		return initResult{}, nil
	}

	if src.IsCrossDatabase() {
		if err := h.Attach(ctx, src.Path(), src.Schema(), src.Cipher()); err != nil {
			return initResult{}, err
		}
	}

	if src.Schema() == "main" && sourceTable == table {
		return initResult{}, nil
	}
	exists, err := h.TableExists(ctx, src.Schema(), sourceTable)
	if err != nil {
		return initResult{}, err
	}
	if !exists {
		return initResult{}, nil
	}
	srcCfg, err := h.TableConfig(ctx, src.Schema(), sourceTable)
	if err != nil {
		return initResult{}, err
	}
	if srcCfg.WithoutRowID || srcCfg.HasRowIDColumn {
		log.Debug("source table cannot migrate", "table", table, "source_table", sourceTable)
		return initResult{}, nil
	}

	targetCols, err := h.Columns(ctx, "main", table)
	if err != nil {
		return initResult{}, err
	}
	if len(targetCols) == 0 {
		return initResult{hint: true}, nil
	}
	targetCfg, err := h.TableConfig(ctx, "main", table)
	if err != nil {
		return initResult{}, err
	}
	if targetCfg.WithoutRowID || targetCfg.HasRowIDColumn {
		return initResult{}, nil
	}

	info := newInfo(table, sourceTable, src, targetCfg)
	if info.Autoincrement() {
		if err := seedSequence(ctx, h, info); err != nil {
			return initResult{}, err
		}
	}
	return initResult{info: info}, nil
}

// seedSequence raises the target's sqlite_sequence entry to the highest
// source rowid so new target identities never collide with rows still
// waiting in the source. The first check runs without a transaction; the
// write re-checks inside one.
func seedSequence(ctx context.Context, h *Handle, info *Info) error {
	seeded, err := sequenceSeeded(ctx, h, info)
	if err != nil || seeded {
		return err
	}
	err = h.RunTransaction(ctx, func() error {
		seeded, err := sequenceSeeded(ctx, h, info)
		if err != nil || seeded {
			return err
		}
		maxRowID := "(SELECT COALESCE(max(rowid), 0) FROM " + info.sourceName() + ")"
		res, err := h.exec(ctx, "UPDATE \"main\".sqlite_sequence SET seq = "+maxRowID+" WHERE name = ?1", info.Table())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = h.exec(ctx, "INSERT INTO \"main\".sqlite_sequence(name, seq) VALUES(?1, "+maxRowID+")", info.Table())
		return err
	})
	if err != nil {
		return fmt.Errorf("seed sequence of %s: %w", info.Table(), err)
	}
	return nil
}

func sequenceSeeded(ctx context.Context, h *Handle, info *Info) (bool, error) {
	var seq sql.NullInt64
	var maxRowID int64
	query := "SELECT (SELECT seq FROM \"main\".sqlite_sequence WHERE name = ?1), (SELECT COALESCE(max(rowid), 0) FROM " +
		info.sourceName() + ")"
	if err := h.conn.QueryRowContext(ctx, query, info.Table()).Scan(&seq, &maxRowID); err != nil {
		return false, fmt.Errorf("read sequence of %s: %w", syntax.Quote(info.Table()), err)
	}
	return seq.Valid && seq.Int64 >= maxRowID, nil
}
