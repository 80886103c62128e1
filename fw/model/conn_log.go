package model

import "fmt"

// ConnLog is one blocked/accepted connection record, batched into daily
// tables in the log DB.
type ConnLog struct {
	Id         int64  `gorm:"column:id"`
	Time       int64  `gorm:"column:time"` // millis
	AppPath    string `gorm:"column:app_path"`
	Pid        int32  `gorm:"column:pid"`
	Blocked    bool   `gorm:"column:blocked"`
	RemoteAddr string `gorm:"column:remote_addr"`
	RemotePort int    `gorm:"column:remote_port"`
	Protocol   string `gorm:"column:protocol"`
}

func ConnTable(day string) string {
	return fmt.Sprintf("conn_log_%s", day) // e.g. 20260831
}
