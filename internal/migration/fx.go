package migration

import (
	"github.com/smallbiznis/settlement/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.AutoMigrate || cfg.DBType != "postgres" {
			log.Info("schema migrations skipped", zap.String("db_type", cfg.DBType))
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		version, err := RunMigrations(sqlDB)
		if err != nil {
			return err
		}
		log.Info("schema migrations applied", zap.Uint("version", version))
		return nil
	}),
)
