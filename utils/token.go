package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// JwtCustomClaim identifies the actor; Role is one of owner, beneficiary, administrator.
type JwtCustomClaim struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.StandardClaims
}

const devJwtSecret = "Estate-Secret"

var jwtSecret = []byte(getJwtSecret())

// ErrorMissingJwtSecret stops a production start that would sign tokens with the dev secret.
var ErrorMissingJwtSecret = errors.New("API_SECRET must be set when GO_ENV=production")

func getJwtSecret() string {
	secret, _ := resolveJwtSecret(os.Getenv("GO_ENV"), os.Getenv("API_SECRET"))
	return secret
}

func resolveJwtSecret(goEnv string, secret string) (string, error) {
	if strings.TrimSpace(secret) != "" {
		return secret, nil
	}
	if strings.EqualFold(strings.TrimSpace(goEnv), "production") {
		return "", ErrorMissingJwtSecret
	}
	return devJwtSecret, nil
}

// CheckJwtSecret reports ErrorMissingJwtSecret in production when API_SECRET is unset.
func CheckJwtSecret() error {
	_, err := resolveJwtSecret(os.Getenv("GO_ENV"), os.Getenv("API_SECRET"))
	return err
}

func tokenLifespan() time.Duration {
	hours, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil || hours <= 0 {
		hours = 12
	}
	return time.Duration(hours) * time.Hour
}

func JwtGenerate(actor Actor) (string, error) {
	if len(jwtSecret) == 0 {
		return "", ErrorMissingJwtSecret
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		ID:   actor.Id,
		Name: actor.Name,
		Role: actor.Role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(tokenLifespan()).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString(jwtSecret)
}

func JwtValidate(token string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		if len(jwtSecret) == 0 {
			return nil, ErrorMissingJwtSecret
		}
		return jwtSecret, nil
	})
}

// ActorFromToken validates token and returns the actor it names.
func ActorFromToken(token string) (Actor, error) {
	parsed, err := JwtValidate(token)
	if err != nil {
		return Actor{}, err
	}
	claims, ok := parsed.Claims.(*JwtCustomClaim)
	if !ok || !parsed.Valid || claims.ID == "" {
		return Actor{}, errors.New("invalid token claims")
	}
	return Actor{Id: claims.ID, Name: claims.Name, Role: claims.Role}, nil
}
