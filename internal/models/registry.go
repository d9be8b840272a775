package models

import "time"

// PostIndex maps a globally unique post id to the full path of its document.
type PostIndex struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	Path      string    `json:"path" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (PostIndex) TableName() string { return "post_index" }

// UsernameReservation holds a display name for one user (PostgreSQL)
type UsernameReservation struct {
	Name      string    `json:"name" gorm:"primaryKey;size:50"`
	UID       string    `json:"uid" gorm:"uniqueIndex;size:128;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (UsernameReservation) TableName() string { return "username_reservations" }
