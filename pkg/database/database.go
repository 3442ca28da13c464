package database

import (
	"labfuzz/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDBConnection opens postgres when DATABASE_URL is set. A nil *gorm.DB
// disables result persistence.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	connectionString := appConfig.DatabaseURL
	if connectionString == "" {
		logger.Debug("DATABASE_URL not set, crash records stay on disk only")
		return nil, nil
	}
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{})
	if err != nil {
		logger.Error("failed to connect database", zap.Error(err))
		return nil, err
	}
	if err := Migrate(db); err != nil {
		logger.Error("failed to migrate database", zap.Error(err))
		return nil, err
	}
	logger.Debug("connected to database")
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Crash{}, &SessionRun{})
}
