package config

import (
	"errors"
	"os"
	"strconv"
)

const devSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	InviteTTLMinutes      int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatapp port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", devSecret),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		InviteTTLMinutes:      getenvInt("INVITE_TTL_MINUTES", 15),
	}
}

// Validate 检查配置是否可用于启动，非 dev 环境拒绝默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: database dsn must not be empty")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwt secret must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == devSecret {
		return errors.New("config: default jwt secret is not allowed outside dev")
	}
	return nil
}
