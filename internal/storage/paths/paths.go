// Пакет paths — вычисление физических путей и публичных URL
// хранимых файлов. Шардирование по префиксу имени ограничивает
// количество файлов в одной директории.
package paths

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/arturkryukov/notestore/internal/domain/model"
)

// userfilesDir — корневая поддиректория хранения в DataDir.
const userfilesDir = "userfiles"

// Resolver — чистое отображение (filename, filetype) → путь на диске
// и публичный URL. Не выполняет I/O.
type Resolver struct {
	// baseDir — корневая директория данных (NS_DATA_DIR)
	baseDir string
	// baseURL — базовый публичный URL без завершающего слэша (NS_BASE_URL)
	baseURL string
	// shardLen — длина префикса шардирования, 0 — без шардирования
	shardLen int
}

// New создаёт Resolver. baseURL нормализуется (без завершающего слэша).
func New(baseDir, baseURL string, shardLen int) (*Resolver, error) {
	if shardLen < 0 {
		return nil, fmt.Errorf("длина префикса шардирования не может быть отрицательной: %d", shardLen)
	}
	return &Resolver{
		baseDir:  baseDir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		shardLen: shardLen,
	}, nil
}

// Bucket возвращает поддиректорию категории: notes, css или files.
func Bucket(ft model.Filetype) string {
	switch ft.Category() {
	case model.CategoryDocument:
		return "notes"
	case model.CategoryStylesheet:
		return "css"
	default:
		return "files"
	}
}

// shard возвращает сегмент шардирования — первые shardLen символов
// имени. Пустая строка при выключенном шардировании.
func (r *Resolver) shard(filename string) string {
	if r.shardLen == 0 {
		return ""
	}
	if len(filename) < r.shardLen {
		return filename
	}
	return filename[:r.shardLen]
}

// Folder возвращает физическую директорию файла:
// {baseDir}/userfiles/{bucket}[/{shard}].
func (r *Resolver) Folder(filename string, ft model.Filetype) string {
	dir := filepath.Join(r.baseDir, userfilesDir, Bucket(ft))
	if s := r.shard(filename); s != "" {
		dir = filepath.Join(dir, s)
	}
	return dir
}

// FilePath возвращает полный физический путь файла:
// {Folder}/{filename}.{filetype}.
func (r *Resolver) FilePath(filename string, ft model.Filetype) string {
	return filepath.Join(r.Folder(filename, ft), filename+"."+string(ft))
}

// FileURL возвращает публичный URL физического файла:
// {baseURL}/{bucket}[/{shard}]/{filename}.{filetype}.
func (r *Resolver) FileURL(filename string, ft model.Filetype) string {
	parts := []string{r.baseURL, Bucket(ft)}
	if s := r.shard(filename); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, filename+"."+string(ft))
	return strings.Join(parts, "/")
}

// DisplayURL возвращает публичный URL отображения. Документы живут
// в корне сайта без расширения и bucket, остальные категории — по
// адресу физического файла.
func (r *Resolver) DisplayURL(filename string, ft model.Filetype) string {
	if ft.Category() == model.CategoryDocument {
		return r.baseURL + "/" + filename
	}
	return r.FileURL(filename, ft)
}
