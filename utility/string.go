package utility

import (
	"strconv"

	"github.com/google/uuid"
)

// ToFloat converts a sampled meter value to a number; malformed values read as 0
func ToFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// ToInt converts a string to an integer, tolerating decimal notation
func ToInt(s string) int {
	return int(ToFloat(s))
}

func NewUUID() string {
	return uuid.New().String()
}
