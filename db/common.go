package db

import (
	"fmt"

	"github.com/alwitt/livemix/common"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

/*
GetSqliteDialector define Sqlite GORM dialector

	@param dbFile string - Sqlite DB file
	@return GORM sqlite dialector
*/
func GetSqliteDialector(dbFile string) gorm.Dialector {
	return sqlite.Open(fmt.Sprintf("%s?_foreign_keys=on", dbFile))
}

/*
GetPostgresDialector define Postgres GORM dialector

	@param cfg common.PostgresConfig - Postgres connection config
	@param password string - Postgres user password
	@return GORM postgres dialector
*/
func GetPostgresDialector(cfg common.PostgresConfig, password string) gorm.Dialector {
	sslMode := "disable"
	if cfg.SSL.Enabled {
		sslMode = "require"
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, password, cfg.Database, sslMode,
	)
	return postgres.Open(dsn)
}

/*
GetDialector select the GORM dialector matching the configured persistence driver

	@param cfg common.PersistenceConfig - persistence backend config
	@param pgPassword string - Postgres user password, ignored for sqlite
	@return GORM dialector
*/
func GetDialector(cfg common.PersistenceConfig, pgPassword string) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		return GetSqliteDialector(cfg.Sqlite.DBFile), nil
	case "postgres":
		return GetPostgresDialector(cfg.Postgres, pgPassword), nil
	default:
		return nil, fmt.Errorf("unsupported persistence driver %q", cfg.Driver)
	}
}
