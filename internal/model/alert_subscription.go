package model

import "time"

// AlertSubscription holds a browser push subscription for a driver's
// paired device. HOS warnings and limit alerts are delivered through it.
type AlertSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	DriverID  string    `gorm:"index;size:64;not null"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}
