package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"hwselftest/pkg/model"
)

type gormStore struct {
	db *gorm.DB
}

// openMySQL connects and migrates, creating the database when it is missing.
func openMySQL(dsn string) (*gormStore, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") {
			return nil, err
		}
		if cerr := createDatabase(dsn); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		if db, err = gorm.Open(mysql.Open(dsn), cfg); err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	if err := db.AutoMigrate(&model.RunRecord{}); err != nil {
		return nil, err
	}
	return &gormStore{db: db}, nil
}

func createDatabase(dsn string) error {
	c, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return err
	}
	name := c.DBName
	c.DBName = ""
	db, err := sql.Open("mysql", c.FormatDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", name))
	return err
}

func (s *gormStore) insert(ctx context.Context, rec *model.RunRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *gormStore) recent(ctx context.Context, limit int) ([]model.RunRecord, error) {
	var out []model.RunRecord
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

func (s *gormStore) close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
