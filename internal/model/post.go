package model

import "time"

// Post 内容主体（扇出管线只关心 id/author/时间，正文透传）
type Post struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AuthorID  string    `gorm:"type:varchar(36);index:idx_post_author" json:"author_id"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

func (Post) TableName() string { return "posts" }
