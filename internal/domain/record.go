package domain

import (
	"encoding/json"
	"fmt"
)

// EncodeRecord упаковывает сущность в запись хранилища.
func EncodeRecord(partition, rowKey string, version int64, entity any) (Record, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s/%s: %w", partition, rowKey, err)
	}
	return Record{
		PartitionKey: partition,
		RowKey:       rowKey,
		Version:      version,
		Data:         data,
	}, nil
}

// DecodeRecord распаковывает JSON записи в сущность. Версию сущности
// вызывающий берёт из rec.Version, а не из документа.
func DecodeRecord(rec Record, entity any) error {
	if err := json.Unmarshal(rec.Data, entity); err != nil {
		return fmt.Errorf("decode %s/%s: %w", rec.PartitionKey, rec.RowKey, err)
	}
	return nil
}

// NameResolution — результат поиска отображаемого имени по слабой ссылке.
// Resolved=false означает, что цель не найдена или недоступна.
type NameResolution struct {
	ID       string
	Name     string
	Resolved bool
}

// ResolvedName создаёт успешный результат.
func ResolvedName(id, name string) NameResolution {
	return NameResolution{ID: id, Name: name, Resolved: true}
}

// UnresolvedName создаёт результат без имени.
func UnresolvedName(id string) NameResolution {
	return NameResolution{ID: id}
}

// Display возвращает имя либо сырой идентификатор, если имя не найдено.
func (n NameResolution) Display() string {
	if n.Resolved && n.Name != "" {
		return n.Name
	}
	return n.ID
}
