// Пакет recordindex — типизированный доступ к таблице files для
// read-side и sweeper'а. Row Mapper намеренно однострочный и работает
// только по равенствам; многострочные выборки и удаления живут здесь.
package recordindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/notestore/internal/domain/model"
	"github.com/arturkryukov/notestore/internal/storage/rowmapper"
)

// ErrNotFound — запись не найдена.
var ErrNotFound = errors.New("запись не найдена")

// recordColumns — список колонок всех выборок FileRecord.
const recordColumns = `id, owner_id, filename, filetype, content_hash,
	bytes, encrypted, created, updated, expires`

// Index — репозиторий таблицы files.
type Index struct {
	db rowmapper.DBTX
}

// New создаёт репозиторий индекса.
func New(db rowmapper.DBTX) *Index {
	return &Index{db: db}
}

// scanRecord сканирует одну строку выборки recordColumns.
func scanRecord(row pgx.Row) (*model.FileRecord, error) {
	rec := &model.FileRecord{}
	var owner uuid.NullUUID
	var filetype string
	err := row.Scan(
		&rec.ID, &owner, &rec.Filename, &filetype, &rec.ContentHash,
		&rec.Bytes, &rec.Encrypted, &rec.Created, &rec.Updated, &rec.Expires,
	)
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		rec.OwnerID = &owner.UUID
	}
	rec.Filetype = model.Filetype(filetype)
	return rec, nil
}

// Lookup возвращает запись по ключу адресации (filename, filetype).
func (ix *Index) Lookup(ctx context.Context, filename string, ft model.Filetype) (*model.FileRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM files
		WHERE filename = $1 AND filetype = $2`

	rec, err := scanRecord(ix.db.QueryRow(ctx, query, filename, string(ft)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска записи: %w", err)
	}
	return rec, nil
}

// Expired возвращает все записи с истёкшим сроком хранения.
func (ix *Index) Expired(ctx context.Context, now time.Time) ([]*model.FileRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM files
		WHERE expires IS NOT NULL AND expires < $1
		ORDER BY expires`

	rows, err := ix.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки истёкших записей: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка выборки истёкших записей: %w", err)
	}
	return result, nil
}

// Delete удаляет запись по первичному ключу.
// Возвращает false, если запись уже отсутствует.
func (ix *Index) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := ix.db.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("ошибка удаления записи %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteByName удаляет запись по точному совпадению (filetype, filename).
// Возвращает false, если запись отсутствует.
func (ix *Index) DeleteByName(ctx context.Context, filename string, ft model.Filetype) (bool, error) {
	tag, err := ix.db.Exec(ctx,
		`DELETE FROM files WHERE filename = $1 AND filetype = $2`,
		filename, string(ft))
	if err != nil {
		return false, fmt.Errorf("ошибка удаления записи %s.%s: %w", filename, ft, err)
	}
	return tag.RowsAffected() > 0, nil
}
