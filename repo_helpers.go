package auth

import (
	"database/sql"
	"errors"

	"github.com/goliatone/go-repository-bun"
)

func notFoundOr(err error, meta map[string]any) error {
	if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return repository.NewRecordNotFound().WithMetadata(meta)
	}
	return err
}

func requireAffected(res sql.Result, meta map[string]any) error {
	if res == nil {
		return nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.NewRecordNotFound().WithMetadata(meta)
	}
	return nil
}
