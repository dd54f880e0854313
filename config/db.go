package config

import (
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

// Db is the [db] section: PostgreSQL connection settings.
type Db struct {
	User     string
	Password string
	Database string
	Host     string
	Port     int
}

// ConnectionString renders the lib/pq connection string.
func (d Db) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Database,
	)
}

var dbKnownKeys = map[string]bool{
	"user": true, "password": true, "database": true,
	"host": true, "port": true,
}

func dbFromSection(sec *ini.Section, log *zap.Logger) (Db, error) {
	warnUnknownKeys(sec, dbKnownKeys, log)
	hasPort := sec.HasKey("port")
	port, err := sec.Key("port").Int()
	if err != nil && hasPort {
		return Db{}, invalidf("db.port: %v", err)
	}
	if port == 0 {
		port = 5432
	}
	return Db{
		User:     keyOr(sec, "user", "yascheduler"),
		Password: keyOr(sec, "password", "password"),
		Database: keyOr(sec, "database", "database"),
		Host:     keyOr(sec, "host", "localhost"),
		Port:     port,
	}, nil
}

func keyOr(sec *ini.Section, name, fallback string) string {
	if v := sec.Key(name).String(); v != "" {
		return v
	}
	return fallback
}
