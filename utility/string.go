package utility

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ToInt converts a string to an integer, accepting float notation
func ToInt(s string) int {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// ToFloat converts a string to a float, returning 0 on failure
func ToFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// KwhStr formats energy in Wh as kWh with three decimals
func KwhStr(energyWh float64) string {
	return fmt.Sprintf("%.3f", energyWh/1000.0)
}

// Sha256 returns the lowercase hex sha256 of the value
func Sha256(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func NewUUID() string {
	return uuid.New().String()
}
