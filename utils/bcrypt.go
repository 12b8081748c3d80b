package utils

import (
	"os"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

// codeHashCost is lowered by tests through BCRYPT_COST.
func codeHashCost() int {
	if n, err := strconv.Atoi(os.Getenv("BCRYPT_COST")); err == nil && n >= bcrypt.MinCost && n <= bcrypt.MaxCost {
		return n
	}
	return bcrypt.DefaultCost
}

func HashCode(code string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(code), codeHashCost())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func CompareCode(hashed string, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(code)) == nil
}
