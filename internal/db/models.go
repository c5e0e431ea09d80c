package db

import "time"

const (
	ProtocolOutline = "outline"
	ProtocolVless   = "vless"
)

// Protocols lists every supported backend protocol.
var Protocols = []string{ProtocolOutline, ProtocolVless}

type User struct {
	TelegramID         string `gorm:"primaryKey"`
	SubscriptionStatus string
	UsedTrialPeriod    bool
	Keys               []Key `gorm:"foreignKey:UserTelegramID"`
}

type Server struct {
	ID             uint `gorm:"primaryKey"`
	IP             string
	Password       string
	APIURL         string
	CertSHA256     string
	ActiveKeyCount int  `gorm:"default:0"`
	SetupComplete  bool `gorm:"default:false"` // VPN software installed, server may receive keys
	ProtocolType   string
}

type Key struct {
	KeyID               string `gorm:"primaryKey"` // issued by the backend server, not generated locally
	UserTelegramID      string `gorm:"index"`
	ServerID            uint
	ProtocolType        string
	Name                string
	StartDate           time.Time
	ExpirationDate      time.Time
	UsedBytesLastPeriod int64
	NotifiedExpiring    bool `gorm:"default:false"` // уведомление о скором окончании
}
