package genformat

import "github.com/lorenzovborges/reportsys/internal/normalize"

func NewRow(keys []string, values map[string]interface{}) Row {
	return normalize.NewRow(keys, values)
}
