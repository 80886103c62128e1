package model

import (
	"github.com/dashke/fort/fw/common/ttime"
)

// Zone is a named network zone referenced by the accept/reject bitsets.
// ZoneId is the bit position + 1, so at most 32 zones exist.
type Zone struct {
	ZoneId       int64  `gorm:"column:zone_id" json:"zone_id"`
	Name         string `gorm:"column:name" json:"name"`
	Enabled      bool   `gorm:"column:enabled" json:"enabled"`
	SourceURL    string `gorm:"column:source_url" json:"source_url"`
	AddressCount int    `gorm:"column:address_count" json:"address_count"`

	CreateDateTime *ttime.TimeFormat `gorm:"column:create_date_time" json:"create_date_time"`
	UpdateDateTime *ttime.TimeFormat `gorm:"column:update_date_time" json:"-"`
}

func (Zone) TableName() string { return "zone" }
