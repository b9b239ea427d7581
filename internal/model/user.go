package model

import "time"

// User 身份面：扇出核心只消费封禁状态，注册/密码等由外部身份服务负责
type User struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Username  string `gorm:"type:varchar(64);uniqueIndex"`
	Banned    bool   `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }
