package utils

import (
	"github.com/google/uuid"
)

func GenerateID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
