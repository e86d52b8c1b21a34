package migration

import (
	"fmt"

	appconfig "github.com/flowsmith/flowsmith/config"
)

// NewMigratorFromDatabaseConfig 把引擎的数据库配置翻译成迁移器配置。
// SQLite 方言下 Name 字段承载文件路径。
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*SchemaMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("resolve database driver: %w", err)
	}

	var dbURL string
	switch dbType {
	case DatabaseTypeSQLite:
		dbURL = BuildDatabaseURL(dbType, "", 0, dbCfg.Name, "", "", "")
	case DatabaseTypeMySQL:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, "")
	default:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	}

	return NewMigrator(&Config{DatabaseType: dbType, DatabaseURL: dbURL})
}

// NewMigratorFromURL 直接用连接串建迁移器，供命令行参数使用。
func NewMigratorFromURL(dbType, dbURL string) (*SchemaMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: dt, DatabaseURL: dbURL})
}
