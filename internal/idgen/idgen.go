// Пакет idgen — генерация коротких имён файлов.
// Случайные имена — криптослучайные байты, отображённые в base-36;
// детерминированные — усечённый SHA-256 от salt и identity владельца.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// ShortLength — длина имени для документов (коллизии обнаруживаются
	// и повторяются File Store Engine, поэтому короткое имя допустимо)
	ShortLength = 8
	// LongLength — длина имени для общих ассетов (дедупликация идёт
	// по хэшу содержимого, имя служит только адресом на диске)
	LongLength = 20
)

// alphabet — строчные base-36 цифры.
const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Random генерирует случайное имя из length строчных base-36 символов.
// Каждый криптослучайный байт отображается в цифру линейным
// масштабированием floor(b*36/256). Уникальность не гарантируется —
// проверка коллизий лежит на вызывающем коде.
func Random(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("длина имени должна быть положительной, получено %d", length)
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ошибка чтения случайных байт: %w", err)
	}

	out := make([]byte, length)
	for i, b := range buf {
		out[i] = alphabet[int(b)*36/256]
	}
	return string(out), nil
}

// Deterministic возвращает стабильное имя для identity владельца:
// первые 32 hex-символа SHA-256(salt || owner). Одинаково для
// повторных вызовов с теми же аргументами.
func Deterministic(salt, owner string) string {
	sum := sha256.Sum256([]byte(salt + owner))
	return hex.EncodeToString(sum[:])[:32]
}
