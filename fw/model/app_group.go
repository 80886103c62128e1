package model

import (
	"github.com/dashke/fort/fw/common/ttime"
)

// AppGroup is an ordered collection of rules sharing default enablement.
// OrderIndex 0 is the seeded "Main" group auto-created rules land in.
type AppGroup struct {
	AppGroupId int64  `gorm:"column:app_group_id" json:"app_group_id"`
	OrderIndex int    `gorm:"column:order_index" json:"order_index"`
	Name       string `gorm:"column:name" json:"name"`
	Enabled    bool   `gorm:"column:enabled" json:"enabled"`

	CreateDateTime *ttime.TimeFormat `gorm:"column:create_date_time" json:"create_date_time"`
	UpdateDateTime *ttime.TimeFormat `gorm:"column:update_date_time" json:"-"`
}

func (AppGroup) TableName() string { return "app_group" }
