package idgen

import (
	"strings"
	"testing"
)

// TestRandom_Format проверяет длину и алфавит случайных имён.
func TestRandom_Format(t *testing.T) {
	for _, length := range []int{ShortLength, LongLength, 1, 64} {
		name, err := Random(length)
		if err != nil {
			t.Fatalf("ошибка генерации имени длиной %d: %v", length, err)
		}
		if len(name) != length {
			t.Errorf("длина: ожидалось %d, получено %d", length, len(name))
		}
		for _, c := range name {
			if !strings.ContainsRune(alphabet, c) {
				t.Errorf("символ %q вне алфавита base-36: %s", c, name)
			}
		}
	}
}

// TestRandom_InvalidLength проверяет отказ при некорректной длине.
func TestRandom_InvalidLength(t *testing.T) {
	if _, err := Random(0); err == nil {
		t.Error("ожидалась ошибка для длины 0")
	}
	if _, err := Random(-5); err == nil {
		t.Error("ожидалась ошибка для отрицательной длины")
	}
}

// TestRandom_Distinct проверяет, что последовательные вызовы
// дают разные имена (вероятность совпадения пренебрежимо мала).
func TestRandom_Distinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name, err := Random(LongLength)
		if err != nil {
			t.Fatalf("ошибка генерации: %v", err)
		}
		if seen[name] {
			t.Fatalf("повтор имени %s на итерации %d", name, i)
		}
		seen[name] = true
	}
}

// TestDeterministic проверяет стабильность и чувствительность к аргументам.
func TestDeterministic(t *testing.T) {
	a := Deterministic("salt", "owner-1")
	b := Deterministic("salt", "owner-1")
	if a != b {
		t.Errorf("имя должно быть стабильным: %s != %s", a, b)
	}

	if len(a) != 32 {
		t.Errorf("длина: ожидалось 32 hex-символа, получено %d", len(a))
	}
	for _, c := range a {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("символ %q вне hex-алфавита: %s", c, a)
		}
	}

	if Deterministic("salt", "owner-2") == a {
		t.Error("разные владельцы должны давать разные имена")
	}
	if Deterministic("other-salt", "owner-1") == a {
		t.Error("разные salt должны давать разные имена")
	}
}
