// Пакет rowmapper — универсальный примитив однострочной персистентности
// поверх PostgreSQL. Схема таблицы определяется один раз через
// information_schema и разделяется всеми мапперами; имена таблиц и
// колонок проходят санитизацию, значения всегда передаются
// позиционными параметрами.
package rowmapper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ошибки пакета.
var (
	// ErrUnknownColumn — обращение к колонке вне схемы таблицы.
	ErrUnknownColumn = errors.New("колонка отсутствует в схеме таблицы")
	// ErrBadIdentifier — идентификатор не прошёл санитизацию.
	ErrBadIdentifier = errors.New("недопустимый SQL-идентификатор")
)

// Schema — дескриптор таблицы: имя и упорядоченный набор колонок.
// Определяется один раз при старте и разделяется всеми мапперами.
type Schema struct {
	// Table — санитизированное имя таблицы
	Table string
	// Columns — колонки в порядке ordinal_position
	Columns []string
}

// Has проверяет наличие колонки в схеме.
func (s *Schema) Has(column string) bool {
	for _, c := range s.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// Describe определяет схему таблицы через information_schema.
// Выполняется один раз на таблицу; повторные запросы схемы
// на каждую операцию не нужны.
func Describe(ctx context.Context, db DBTX, table string) (*Schema, error) {
	table, err := sanitizeIdent(table)
	if err != nil {
		return nil, fmt.Errorf("имя таблицы: %w", err)
	}

	rows, err := db.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения схемы таблицы %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("ошибка сканирования схемы: %w", err)
		}
		name, err = sanitizeIdent(name)
		if err != nil {
			return nil, fmt.Errorf("колонка таблицы %s: %w", table, err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения схемы таблицы %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("таблица %s не найдена или не имеет колонок", table)
	}

	return &Schema{Table: table, Columns: columns}, nil
}

// Mapper — однострочный маппер: in-memory строка поверх таблицы.
// Создаётся на одну логическую операцию, не потокобезопасен.
type Mapper struct {
	db     DBTX
	schema *Schema
	// row — текущее состояние строки, все колонки присутствуют (nil = NULL)
	row map[string]any
	// set — колонки, явно заданные через Set или загруженные из базы
	set map[string]bool
}

// New создаёт маппер с полностью NULL-строкой.
func New(db DBTX, schema *Schema) *Mapper {
	m := &Mapper{db: db, schema: schema}
	m.Reset()
	return m
}

// Reset возвращает маппер к NULL-строке (состояние notFound).
func (m *Mapper) Reset() {
	m.row = make(map[string]any, len(m.schema.Columns))
	m.set = make(map[string]bool, len(m.schema.Columns))
	for _, c := range m.schema.Columns {
		m.row[c] = nil
	}
}

// Found сообщает, представляет ли маппер существующую запись.
// Предикат — ненулевой id.
func (m *Mapper) Found() bool {
	return m.row["id"] != nil
}

// Value возвращает текущее значение колонки (nil для NULL).
func (m *Mapper) Value(column string) any {
	return m.row[column]
}

// Row возвращает копию текущей строки.
func (m *Mapper) Row() map[string]any {
	out := make(map[string]any, len(m.row))
	for k, v := range m.row {
		out[k] = v
	}
	return out
}

// Set сливает поля в in-memory строку. I/O не выполняется.
// Колонка вне схемы — ошибка.
func (m *Mapper) Set(fields map[string]any) error {
	for k := range fields {
		if !m.schema.Has(k) {
			return fmt.Errorf("%w: %s", ErrUnknownColumn, k)
		}
	}
	for k, v := range fields {
		m.row[k] = v
		m.set[k] = true
	}
	return nil
}

// Load находит не более одной строки по конъюнкции точных равенств.
// При отсутствии совпадения маппер остаётся NULL-строкой (Found()==false),
// ошибкой это не является.
func (m *Mapper) Load(ctx context.Context, filter map[string]any) error {
	query, args, err := buildSelect(m.schema, filter)
	if err != nil {
		return err
	}

	m.Reset()

	dest := make([]any, len(m.schema.Columns))
	values := make([]any, len(m.schema.Columns))
	for i := range values {
		dest[i] = &values[i]
	}

	err = m.db.QueryRow(ctx, query, args...).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка загрузки строки %s: %w", m.schema.Table, err)
	}

	for i, c := range m.schema.Columns {
		m.row[c] = values[i]
		m.set[c] = true
	}
	return nil
}

// Save сохраняет строку: update всех колонок кроме id при наличии id,
// иначе insert заданных полей с захватом сгенерированного id.
// Возвращает, была ли строка фактически затронута.
func (m *Mapper) Save(ctx context.Context) (bool, error) {
	if m.Found() {
		query, args := buildUpdate(m.schema, m.row)
		tag, err := m.db.Exec(ctx, query, args...)
		if err != nil {
			return false, fmt.Errorf("ошибка обновления строки %s: %w", m.schema.Table, err)
		}
		return tag.RowsAffected() > 0, nil
	}

	query, args, err := buildInsert(m.schema, m.row, m.set)
	if err != nil {
		return false, err
	}

	var id any
	if err := m.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return false, fmt.Errorf("ошибка вставки строки %s: %w", m.schema.Table, err)
	}
	m.row["id"] = id
	m.set["id"] = true
	return true, nil
}

// buildSelect собирает запрос точечной выборки по равенствам.
// Ключи фильтра сортируются для детерминированного SQL.
func buildSelect(schema *Schema, filter map[string]any) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, fmt.Errorf("пустой фильтр загрузки")
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		if !schema.Has(k) {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownColumn, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conditions := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		conditions = append(conditions, fmt.Sprintf("%s = $%d", k, i+1))
		args = append(args, filter[k])
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
		strings.Join(schema.Columns, ", "),
		schema.Table,
		strings.Join(conditions, " AND "),
	)
	return query, args, nil
}

// buildUpdate собирает update всех колонок кроме id с условием по id.
func buildUpdate(schema *Schema, row map[string]any) (string, []any) {
	assignments := make([]string, 0, len(schema.Columns)-1)
	args := make([]any, 0, len(schema.Columns))
	n := 1
	for _, c := range schema.Columns {
		if c == "id" {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%s = $%d", c, n))
		args = append(args, row[c])
		n++
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		schema.Table, strings.Join(assignments, ", "), n)
	args = append(args, row["id"])
	return query, args
}

// buildInsert собирает insert только явно заданных полей.
func buildInsert(schema *Schema, row map[string]any, set map[string]bool) (string, []any, error) {
	columns := make([]string, 0, len(set))
	for _, c := range schema.Columns {
		if c == "id" || !set[c] {
			continue
		}
		columns = append(columns, c)
	}
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("нет заданных полей для вставки")
	}

	placeholders := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for i, c := range columns {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, row[c])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		schema.Table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)
	return query, args, nil
}

// sanitizeIdent пропускает только строчные буквы, цифры и подчёркивание,
// первый символ — буква. Исключает инъекции через интерполяцию
// идентификаторов в текст запроса.
func sanitizeIdent(ident string) (string, error) {
	if ident == "" {
		return "", ErrBadIdentifier
	}
	for i, r := range ident {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_' && i > 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return "", fmt.Errorf("%w: %q", ErrBadIdentifier, ident)
		}
	}
	return ident, nil
}
