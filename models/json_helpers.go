package models

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// ConvertToJSON marshals a value into a gorm JSON column.
func ConvertToJSON(data interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(bytes), nil
}

// MustJSON is ConvertToJSON for values that cannot fail to marshal
// (maps and structs built in-process).
func MustJSON(data interface{}) datatypes.JSON {
	bytes, _ := json.Marshal(data)
	return datatypes.JSON(bytes)
}
