// Пакет model — доменные модели note-store.
// FileRecord — запись индекса хранимого файла, Filetype — закрытый
// whitelist допустимых типов и их отображение на категории хранения.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Filetype — тип хранимого файла (расширение без точки).
type Filetype string

// Допустимые типы файлов. Запросы с любым другим значением
// отклоняются до начала работы с хранилищем.
const (
	FiletypeHTML  Filetype = "html"
	FiletypeCSS   Filetype = "css"
	FiletypeJPG   Filetype = "jpg"
	FiletypeJPEG  Filetype = "jpeg"
	FiletypePNG   Filetype = "png"
	FiletypeGIF   Filetype = "gif"
	FiletypeWEBP  Filetype = "webp"
	FiletypeMP4   Filetype = "mp4"
	FiletypeWEBM  Filetype = "webm"
	FiletypeWOFF  Filetype = "woff"
	FiletypeWOFF2 Filetype = "woff2"
	FiletypeTTF   Filetype = "ttf"
	FiletypeOTF   Filetype = "otf"
)

// Category — категория хранения, определяет правила идентичности
// и дедупликации в File Store Engine.
type Category string

const (
	// CategoryDocument — HTML-заметки, имя файла привязано к владельцу
	CategoryDocument Category = "document"
	// CategoryStylesheet — CSS, детерминированное имя от identity владельца
	CategoryStylesheet Category = "stylesheet"
	// CategoryAsset — остальные файлы, идентичность по (тип, хэш)
	CategoryAsset Category = "asset"
)

// contentTypes — MIME-типы для отдачи файлов по публичным URL.
var contentTypes = map[Filetype]string{
	FiletypeHTML:  "text/html; charset=utf-8",
	FiletypeCSS:   "text/css; charset=utf-8",
	FiletypeJPG:   "image/jpeg",
	FiletypeJPEG:  "image/jpeg",
	FiletypePNG:   "image/png",
	FiletypeGIF:   "image/gif",
	FiletypeWEBP:  "image/webp",
	FiletypeMP4:   "video/mp4",
	FiletypeWEBM:  "video/webm",
	FiletypeWOFF:  "font/woff",
	FiletypeWOFF2: "font/woff2",
	FiletypeTTF:   "font/ttf",
	FiletypeOTF:   "font/otf",
}

// ParseFiletype проверяет значение по whitelist и возвращает Filetype.
func ParseFiletype(s string) (Filetype, error) {
	ft := Filetype(s)
	if _, ok := contentTypes[ft]; !ok {
		return "", fmt.Errorf("недопустимый тип файла: %q", s)
	}
	return ft, nil
}

// Category возвращает категорию хранения для типа файла.
func (ft Filetype) Category() Category {
	switch ft {
	case FiletypeHTML:
		return CategoryDocument
	case FiletypeCSS:
		return CategoryStylesheet
	default:
		return CategoryAsset
	}
}

// ContentType возвращает MIME-тип для отдачи файла.
func (ft Filetype) ContentType() string {
	if ct, ok := contentTypes[ft]; ok {
		return ct
	}
	return "application/octet-stream"
}

// FileRecord — запись индекса files. Наличие ID означает, что запись
// существует в базе; (Filename, Filetype) — ключ адресации физического файла.
type FileRecord struct {
	// ID — суррогатный ключ, присваивается при первом сохранении
	ID int64

	// OwnerID — идентификатор загрузившего аккаунта (sub из JWT).
	// nil для общих ассетов, загруженных до привязки владельца.
	OwnerID *uuid.UUID

	// Filename — короткий идентификатор, уникален вместе с Filetype
	Filename string

	// Filetype — тип файла из whitelist
	Filetype Filetype

	// ContentHash — SHA-256 hex хранимых байт
	ContentHash string

	// Bytes — размер файла в байтах
	Bytes int64

	// Encrypted — содержимое зашифровано на стороне браузера
	Encrypted bool

	// Created — время создания записи (UTC)
	Created time.Time

	// Updated — время последнего обновления (UTC)
	Updated time.Time

	// Expires — срок хранения; nil — бессрочно
	Expires *time.Time
}

// IsExpired проверяет, истёк ли срок хранения записи.
func (r *FileRecord) IsExpired(now time.Time) bool {
	if r.Expires == nil {
		return false
	}
	return now.After(*r.Expires)
}

// OwnedBy проверяет принадлежность записи владельцу.
func (r *FileRecord) OwnedBy(owner uuid.UUID) bool {
	return r.OwnerID != nil && *r.OwnerID == owner
}

// RecordFromRow собирает FileRecord из строки Row Mapper
// (map имя колонки → значение, типы pgx).
func RecordFromRow(row map[string]any) (*FileRecord, error) {
	rec := &FileRecord{}

	id, ok := row["id"].(int64)
	if !ok {
		return nil, fmt.Errorf("строка не содержит id")
	}
	rec.ID = id

	switch v := row["owner_id"].(type) {
	case nil:
	case uuid.UUID:
		u := v
		rec.OwnerID = &u
	case [16]byte:
		u := uuid.UUID(v)
		rec.OwnerID = &u
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("некорректный owner_id: %w", err)
		}
		rec.OwnerID = &u
	default:
		return nil, fmt.Errorf("неожиданный тип owner_id: %T", v)
	}

	filename, _ := row["filename"].(string)
	rec.Filename = filename

	filetype, _ := row["filetype"].(string)
	rec.Filetype = Filetype(filetype)

	hash, _ := row["content_hash"].(string)
	rec.ContentHash = hash

	bytes, _ := row["bytes"].(int64)
	rec.Bytes = bytes

	encrypted, _ := row["encrypted"].(bool)
	rec.Encrypted = encrypted

	if created, ok := row["created"].(time.Time); ok {
		rec.Created = created
	}
	if updated, ok := row["updated"].(time.Time); ok {
		rec.Updated = updated
	}
	if expires, ok := row["expires"].(time.Time); ok {
		rec.Expires = &expires
	}

	return rec, nil
}
