package db

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"Gin_postgres_redis_laptop_checkout/logs"
	"Gin_postgres_redis_laptop_checkout/models"
)

// Open 按 driver 连接数据库：postgres | mysql
func Open(driver, dsn string) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch driver {
	case "postgres":
		dial = postgres.Open(dsn)
	case "mysql":
		dial = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
	return gorm.Open(dial, &gorm.Config{
		TranslateError: true,
		Logger: logger.New(logs.Logger, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{}, &models.Credential{}, &models.Invite{},
		&models.Device{}, &models.Loan{}, &models.LoanEvent{}, &models.DeviceSync{},
	); err != nil {
		return err
	}
	if db.Dialector.Name() != "postgres" {
		// mysql 没有部分索引，只靠事务里的检查
		logs.Logger.Warnf("%s: partial unique indexes skipped, duplicate guards rely on row locks", db.Dialector.Name())
		return nil
	}

	stmts := []string{
		// 同一邮箱最多一条进行中的申请
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_one_active_per_email
		  ON %s (LOWER(email))
		  WHERE status IN ('requested','approved','picked_up')`, models.LoanTable, models.LoanTable),
		// 同一台设备最多被一条已批准/已领取的借用占用
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_one_holder_per_device
		  ON %s (device_tag)
		  WHERE status IN ('approved','picked_up') AND device_tag IS NOT NULL`, models.LoanTable, models.LoanTable),
		// 逾期查询
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_picked_up_due
		  ON %s (due_date)
		  WHERE status = 'picked_up'`, models.LoanTable, models.LoanTable),
		// outbox 待投递
		`CREATE INDEX IF NOT EXISTS checkout_device_syncs_pending
		  ON checkout_device_syncs (id)
		  WHERE done_at IS NULL`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return err
		}
	}
	return nil
}
