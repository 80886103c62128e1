package model

import (
	"github.com/dashke/fort/fw/common/ttime"
)

// App is one persisted firewall rule for a program path or wildcard pattern.
// AppId 0 means not yet persisted. EndTime is unix milliseconds, 0 = the rule
// never auto-expires. GroupIndex and Alerted are join products, not columns
// of the app table itself.
type App struct {
	AppId        int64  `gorm:"column:app_id" json:"app_id"`
	AppGroupId   int64  `gorm:"column:app_group_id" json:"-"`
	OriginPath   string `gorm:"column:origin_path" json:"origin_path"`
	Path         string `gorm:"column:path" json:"path"`
	Name         string `gorm:"column:name" json:"name"`
	IsWildcard   bool   `gorm:"column:is_wildcard" json:"is_wildcard"`
	UseGroupPerm bool   `gorm:"column:use_group_perm" json:"use_group_perm"`
	ApplyChild   bool   `gorm:"column:apply_child" json:"apply_child"`
	KillChild    bool   `gorm:"column:kill_child" json:"kill_child"`
	LanOnly      bool   `gorm:"column:lan_only" json:"lan_only"`
	LogBlocked   bool   `gorm:"column:log_blocked" json:"log_blocked"`
	LogConn      bool   `gorm:"column:log_conn" json:"log_conn"`
	Blocked      bool   `gorm:"column:blocked" json:"blocked"`
	KillProcess  bool   `gorm:"column:kill_process" json:"kill_process"`
	AcceptZones  uint32 `gorm:"column:accept_zones" json:"accept_zones"`
	RejectZones  uint32 `gorm:"column:reject_zones" json:"reject_zones"`
	EndTime      int64  `gorm:"column:end_time" json:"end_time"`

	GroupIndex int  `gorm:"column:group_index" json:"group_index"`
	Alerted    bool `gorm:"column:alerted" json:"alerted"`

	CreateDateTime *ttime.TimeFormat `gorm:"column:create_date_time" json:"create_date_time"`
	UpdateDateTime *ttime.TimeFormat `gorm:"column:update_date_time" json:"-"`
}

func (App) TableName() string { return "app" }

// LogEntryBlocked is one observed blocked connection, the raw material for
// auto-created (alerted) rules.
type LogEntryBlocked struct {
	Path       string
	Blocked    bool
	Pid        int32
	RemoteAddr string
	RemotePort int
	Time       int64 // unix millis
}
