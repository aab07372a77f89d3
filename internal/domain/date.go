package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateKind описывает, как трактовать часовой пояс входной даты.
type DateKind int

const (
	// DateUnspecified — пояс не указан: поля часов считаются уже UTC.
	DateUnspecified DateKind = iota
	// DateLocal — дата в локальном или явно указанном поясе, переводится по смещению.
	DateLocal
	// DateUTC — дата уже в UTC.
	DateUTC
)

func (k DateKind) String() string {
	switch k {
	case DateUnspecified:
		return "unspecified"
	case DateLocal:
		return "local"
	case DateUTC:
		return "utc"
	default:
		return fmt.Sprintf("DateKind(%d)", int(k))
	}
}

// NormalizeOrderDate приводит дату заказа к абсолютному моменту в UTC.
// Unspecified переинтерпретирует показания часов как UTC (без сдвига),
// Local и UTC переводятся по смещению.
func NormalizeOrderDate(t time.Time, kind DateKind) (time.Time, error) {
	var normalized time.Time
	switch kind {
	case DateUnspecified:
		normalized = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	case DateLocal, DateUTC:
		normalized = t.UTC()
	default:
		return time.Time{}, fmt.Errorf("%w: unknown date kind %s", ErrDateNormalization, kind)
	}

	if normalized.Location() != time.UTC {
		return time.Time{}, ErrDateNormalization
	}
	return normalized, nil
}

var unzonedLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseOrderDate разбирает дату из запроса и определяет её вид.
// Строки со смещением или Z считаются зональными (DateLocal / DateUTC),
// строки без пояса — DateUnspecified.
func ParseOrderDate(raw string) (time.Time, DateKind, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, DateUnspecified, fmt.Errorf("order date is empty")
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		if strings.HasSuffix(strings.ToUpper(raw), "Z") {
			return t, DateUTC, nil
		}
		return t, DateLocal, nil
	}

	for _, layout := range unzonedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, DateUnspecified, nil
		}
	}

	return time.Time{}, DateUnspecified, fmt.Errorf("unsupported order date format %q", raw)
}
