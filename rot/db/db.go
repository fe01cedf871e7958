package db

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/mysql"
	sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"proxyrot/rot/common/config"
	"proxyrot/rot/common/logx"
	"proxyrot/rot/common/ttime"
	"proxyrot/rot/model"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported driver")
)

var log = logx.New(logx.WithPrefix("db"))

type DB struct {
	GormDataSource *gorm.DB
	Driver         string
}

// ensureDirForFileDSN 确保 file:DSN 的目录存在（对相对/绝对路径都可）
func ensureDirForFileDSN(dsn string) error {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i] // 去掉查询参数
	}
	if p == "" || strings.HasPrefix(p, ":memory:") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(p), 0o755)
}

func OpenGorm(driver, dsn string, pool config.DBPoolCfg) (*DB, error) {
	var dial gorm.Dialector

	switch strings.ToLower(driver) {
	case "mysql":
		dial = mysql.Open(dsn)
	case "sqlite", "sqlite3":
		if err := ensureDirForFileDSN(dsn); err != nil {
			return nil, err
		}
		dial = sqlite.Open(dsn)
	default:
		return nil, ErrUnsupportedDriver
	}

	g, err := gorm.Open(dial, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logx.GormLoggerDefault(logx.GetLevelString()),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	if pool.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetimeSec > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(pool.MaxLifetimeSec) * time.Second)
	}

	return &DB{GormDataSource: g, Driver: driver}, nil
}

func Migrate(d *DB) error {
	return d.GormDataSource.AutoMigrate(&model.SessionLog{}, &model.AdminUser{})
}

// EnsureAdmin 首次启动种一个 admin/admin（bcrypt），提示尽快改密
func EnsureAdmin(d *DB) error {
	var n int64
	if err := d.GormDataSource.Model(&model.AdminUser{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("admin"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u := model.AdminUser{
		Username:       "admin",
		Password:       string(hash),
		CreateDateTime: ttime.Now(),
		UpdateDateTime: ttime.Now(),
	}
	if err := d.GormDataSource.Create(&u).Error; err != nil {
		return err
	}
	log.Warnf("seeded default admin account 'admin'/'admin', change it with `proxyrot newpass`")
	return nil
}

// ResetAdminPassword 给 newpass 子命令用
func ResetAdminPassword(d *DB, pass string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	res := d.GormDataSource.Model(&model.AdminUser{}).
		Where("username = ?", "admin").
		Updates(map[string]any{"password": string(hash), "update_date_time": ttime.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		hashStr := string(hash)
		return d.GormDataSource.Create(&model.AdminUser{
			Username: "admin", Password: hashStr,
			CreateDateTime: ttime.Now(), UpdateDateTime: ttime.Now(),
		}).Error
	}
	return nil
}
