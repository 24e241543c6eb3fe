// Package timeutil содержит служебные функции для работы со временем,
// в первую очередь разбор и нормализацию временных меток для сортировки и
// отображения в логах/CLI.
package timeutil

import (
	"strings"
	"time"
)

// candidateLayouts перечисляет форматы, в которых могут встречаться временные
// метки из зависимых систем (zap-логи, колбэки, файлы очереди).
var candidateLayouts = []string{
	"2006-01-02T15:04:05.999-0700", // zap: millis + timezone без двоеточия
	"2006-01-02T15:04:05-0700",     // zap: без миллисекунд
	time.RFC3339,
	time.RFC3339Nano,
}

// ParseAny пытается разобрать timeStr по каждому из candidateLayouts по
// очереди и возвращает первый успешный результат.
func ParseAny(timeStr string) (time.Time, bool) {
	timeStr = strings.TrimSpace(timeStr)
	if timeStr == "" {
		return time.Time{}, false
	}
	for _, layout := range candidateLayouts {
		if t, err := time.Parse(layout, timeStr); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeDisplay разбирает строковое представление времени в нескольких
// форматах и возвращает его в виде "2006-01-02 15:04:05" в указанной таймзоне.
// Если разбор не удался, возвращается исходная строка — полезно для CLI
// таблиц, где лучше показать сырое значение, чем пустую ячейку.
func NormalizeDisplay(timeStr string, loc *time.Location) string {
	t, ok := ParseAny(timeStr)
	if !ok {
		return timeStr
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}
