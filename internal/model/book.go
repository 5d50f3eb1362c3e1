package model

import "time"

// Book 表示馆藏图书。
//
// ISBN 与 RFID 标签在整个馆藏中唯一。Image / File 为对象存储中的公开 URL，
// ImageKey / FileKey 为对应的存储键，用于回滚与删除，不对外输出。
type Book struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Title           string    `gorm:"type:varchar(255);not null" json:"title"`
	Author          string    `gorm:"type:varchar(255);not null;index" json:"author"`
	ISBN            string    `gorm:"column:isbn;type:varchar(32);uniqueIndex;not null" json:"isbn"`
	Genre           string    `gorm:"type:varchar(100);not null;index" json:"genre"`
	PublicationYear int       `gorm:"not null" json:"publicationYear"`
	RFIDTag         string    `gorm:"column:rfid_tag;type:varchar(64);uniqueIndex;not null" json:"rfidTag"`
	IsPremium       bool      `gorm:"not null" json:"isPremium"`
	Publisher       string    `gorm:"type:varchar(255);not null" json:"publisher"`
	Language        string    `gorm:"type:varchar(64);not null" json:"language"`
	Edition         string    `gorm:"type:varchar(64)" json:"edition,omitempty"`
	Quantity        int       `gorm:"not null" json:"quantity"`
	Availability    bool      `gorm:"not null" json:"availability"`
	Image           string    `gorm:"type:varchar(512);not null" json:"image"`
	File            string    `gorm:"type:varchar(512)" json:"file,omitempty"`
	ImageKey        string    `gorm:"type:varchar(255)" json:"-"`
	FileKey         string    `gorm:"type:varchar(255)" json:"-"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
