// Package sql implements storage.Storage in PostgreSQL, for deployments
// running more than one server against shared state.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pardot/oidcop/storage"
)

var (
	_ storage.Storage          = (*Storage)(nil)
	_ storage.GarbageCollector = (*Storage)(nil)
)

type Storage struct {
	db *sql.DB
}

// New returns a Storage using db, which should be a postgres connection.
// Migrations are run before returning.
func New(ctx context.Context, db *sql.DB) (*Storage, error) {
	s := &Storage{
		db: db,
	}

	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return s, nil
}

func (s *Storage) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(
		ctx,
		`create table if not exists migrations (
		idx int primary key not null,
		at timestamptz not null
		);`,
	); err != nil {
		return err
	}

	if err := s.execTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var maxIdx sql.NullInt64
		if err := tx.QueryRowContext(ctx, `select max(idx) from migrations;`).Scan(&maxIdx); err != nil {
			return err
		}

		i := 0
		if maxIdx.Valid {
			i = int(maxIdx.Int64) + 1
		}

		for ; i < len(migrations); i++ {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, `insert into migrations (idx, at) values ($1, now());`, i); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		return err
	}

	return nil
}

func (s *Storage) Get(ctx context.Context, keyspace, key string, into interface{}) (version int64, err error) {
	var value []byte
	if err := s.db.QueryRowContext(
		ctx,
		`select version, value from kv where keyspace=$1 and key=$2 and (expires is null or expires > now())`,
		keyspace, key,
	).Scan(&version, &value); err != nil {
		if err == sql.ErrNoRows {
			return 0, &errNotFound{fmt.Errorf("%s/%s not found", keyspace, key)}
		}

		return 0, err
	}

	if err := json.Unmarshal(value, into); err != nil {
		return 0, fmt.Errorf("unmarshaling %s/%s: %w", keyspace, key, err)
	}

	return version, nil
}

func (s *Storage) Put(ctx context.Context, keyspace, key string, version int64, obj interface{}) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, nil)
}

func (s *Storage) PutWithExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires time.Time) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, &expires)
}

// putWithOptionalExpiry creates the row for version 0, replacing an expired
// row if present. Otherwise the live row is updated if its version matches.
func (s *Storage) putWithOptionalExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires *time.Time) (newVersion int64, err error) {
	value, err := json.Marshal(obj)
	if err != nil {
		return 0, fmt.Errorf("marshaling %s/%s: %w", keyspace, key, err)
	}

	newVersion = version + 1

	var resp sql.Result
	if version == 0 {
		resp, err = s.db.ExecContext(
			ctx,
			`insert into kv as v
			(keyspace, key, version, value, expires)
			values ($1, $2, $3, $4, $5)
			on conflict (keyspace, key)
			do update set version=excluded.version, value=excluded.value, expires=excluded.expires
			where v.expires <= now()`,
			keyspace, key, newVersion, value, expires,
		)
	} else {
		resp, err = s.db.ExecContext(
			ctx,
			`update kv set version=$3, value=$4, expires=$5
			where keyspace=$1 and key=$2 and version=$6 and (expires is null or expires > now())`,
			keyspace, key, newVersion, value, expires, version,
		)
	}
	if err != nil {
		return 0, err
	}

	rowsAffected, err := resp.RowsAffected()
	if err != nil {
		return 0, err
	} else if rowsAffected == 0 {
		return 0, &errConflict{fmt.Errorf("%s/%s version conflict, want to put version %d", keyspace, key, version)}
	}

	return newVersion, nil
}

func (s *Storage) List(ctx context.Context, keyspace string) (keys []string, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select key from kv
		where keyspace=$1 and (expires is null or expires > now())`,
		keyspace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys = []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}

		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (s *Storage) Delete(ctx context.Context, keyspace, key string, version int64) error {
	return s.execTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var current int64
		if err := tx.QueryRowContext(
			ctx,
			`select version from kv where keyspace=$1 and key=$2 and (expires is null or expires > now()) for update`,
			keyspace, key,
		).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return &errNotFound{fmt.Errorf("%s/%s not found", keyspace, key)}
			}
			return err
		}

		if current != version {
			return &errConflict{fmt.Errorf("%s/%s version conflict, want to delete version %d but current version is %d", keyspace, key, version, current)}
		}

		if _, err := tx.ExecContext(ctx, `delete from kv where keyspace=$1 and key=$2`, keyspace, key); err != nil {
			return err
		}
		return nil
	})
}

// GarbageCollect deletes rows that expired before now.
func (s *Storage) GarbageCollect(ctx context.Context, now time.Time) (removed int, err error) {
	res, err := s.db.ExecContext(ctx, `delete from kv where expires <= $1`, now)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Storage) execTx(ctx context.Context, f func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := f(ctx, tx); err != nil {
		// Not much we can do about an error here, but at least the database will
		// eventually cancel it on its own if it fails
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

var migrations = []string{
	`create table kv (
		keyspace text not null,
		key text not null,
		version bigint not null,
		value bytea not null,
		expires timestamptz,
		primary key(keyspace, key)
	);

	create index kv_expires on kv (expires);
	`,
}
