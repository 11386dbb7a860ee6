package paths

import (
	"path/filepath"
	"testing"

	"github.com/arturkryukov/notestore/internal/domain/model"
)

// TestFilePath_Sharded проверяет физический путь документа
// при шардировании по двум символам.
func TestFilePath_Sharded(t *testing.T) {
	r, err := New("/data", "https://notes.example.com", 2)
	if err != nil {
		t.Fatalf("ошибка создания Resolver: %v", err)
	}

	want := filepath.Join("/data", "userfiles", "notes", "ab", "ab1234.html")
	if got := r.FilePath("ab1234", model.FiletypeHTML); got != want {
		t.Errorf("путь: ожидалось %s, получено %s", want, got)
	}
}

// TestFilePath_NoSharding проверяет пути без сегмента шардирования.
func TestFilePath_NoSharding(t *testing.T) {
	r, err := New("/data", "https://notes.example.com", 0)
	if err != nil {
		t.Fatalf("ошибка создания Resolver: %v", err)
	}

	want := filepath.Join("/data", "userfiles", "files", "q1w2e3r4t5.png")
	if got := r.FilePath("q1w2e3r4t5", model.FiletypePNG); got != want {
		t.Errorf("путь: ожидалось %s, получено %s", want, got)
	}

	wantURL := "https://notes.example.com/files/q1w2e3r4t5.png"
	if got := r.FileURL("q1w2e3r4t5", model.FiletypePNG); got != wantURL {
		t.Errorf("URL: ожидалось %s, получено %s", wantURL, got)
	}
}

// TestDisplayURL проверяет схему публичных URL по категориям.
func TestDisplayURL(t *testing.T) {
	r, err := New("/data", "https://notes.example.com/", 2)
	if err != nil {
		t.Fatalf("ошибка создания Resolver: %v", err)
	}

	// Документы — в корне сайта, без расширения и bucket
	if got := r.DisplayURL("ab1234", model.FiletypeHTML); got != "https://notes.example.com/ab1234" {
		t.Errorf("display URL документа: получено %s", got)
	}

	// Остальные категории — по адресу физического файла
	wantCSS := "https://notes.example.com/css/de/deadbeef12345678.css"
	if got := r.DisplayURL("deadbeef12345678", model.FiletypeCSS); got != wantCSS {
		t.Errorf("display URL стилей: ожидалось %s, получено %s", wantCSS, got)
	}

	wantPNG := "https://notes.example.com/files/q1/q1w2e3r4t5.png"
	if got := r.DisplayURL("q1w2e3r4t5", model.FiletypePNG); got != wantPNG {
		t.Errorf("display URL ассета: ожидалось %s, получено %s", wantPNG, got)
	}
}

// TestBucket проверяет отображение типов на поддиректории.
func TestBucket(t *testing.T) {
	if Bucket(model.FiletypeHTML) != "notes" {
		t.Error("html должен попадать в notes")
	}
	if Bucket(model.FiletypeCSS) != "css" {
		t.Error("css должен попадать в css")
	}
	if Bucket(model.FiletypeWOFF2) != "files" {
		t.Error("woff2 должен попадать в files")
	}
}

// TestNew_NegativeShardLen проверяет отказ при отрицательной длине префикса.
func TestNew_NegativeShardLen(t *testing.T) {
	if _, err := New("/data", "https://example.com", -1); err == nil {
		t.Error("ожидалась ошибка для отрицательной длины префикса")
	}
}
