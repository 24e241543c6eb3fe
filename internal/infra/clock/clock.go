// Package clock предоставляет единую точку доступа к текущему времени,
// подменяемую в тестах без обращения к реальным часам.
package clock

import "time"

// Clock abstracts "now" so callers (JobStore, worker) can inject a fake for
// deterministic ordering tests instead of sleeping real time.
type Clock func() time.Time

// Real returns the system clock, reporting UTC.
func Real() Clock {
	return Now
}

// Now возвращает текущее время в UTC. Все временные метки, персистируемые на
// диск (created_at, updated_at, claimed_at), используют эту функцию напрямую
// либо через инъекцию Clock, чтобы сортировка по RFC3339 совпадала с
// хронологическим порядком.
func Now() time.Time {
	return time.Now().UTC()
}
