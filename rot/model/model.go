package model

import (
	"proxyrot/rot/common/ttime"
)

type SessionLog struct {
	Id       int64  `gorm:"column:id" json:"id"`
	Time     int64  `gorm:"column:time;index" json:"time"` // 毫秒
	Client   string `gorm:"column:client" json:"client"`
	Upstream string `gorm:"column:upstream" json:"upstream"`
	Protocol string `gorm:"column:protocol" json:"protocol"`
	Up       int64  `gorm:"column:up" json:"up"`
	Down     int64  `gorm:"column:down" json:"down"`
	Dur      int64  `gorm:"column:dur" json:"dur"` // 毫秒
	Status   string `gorm:"column:status" json:"status"` // ok / 失败原因
}

func (SessionLog) TableName() string { return "session_log" }

type AdminUser struct {
	Id             int64             `gorm:"column:id" json:"id"`
	Username       string            `gorm:"column:username;uniqueIndex" json:"username"`
	Password       string            `gorm:"column:password" json:"-"` // bcrypt
	CreateDateTime *ttime.TimeFormat `gorm:"column:create_date_time" json:"create_date_time"`
	UpdateDateTime *ttime.TimeFormat `gorm:"column:update_date_time" json:"update_date_time"`
}

func (AdminUser) TableName() string { return "admin_user" }
