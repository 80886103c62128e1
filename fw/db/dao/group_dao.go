package dao

import (
	"errors"

	"gorm.io/gorm"

	"github.com/dashke/fort/fw/model"
)

var ErrGroupNotFound = errors.New("app group not found")

// GetGroupByIndex resolves a rule's group reference. Every mutating rule
// operation fails fast when the group does not exist.
func GetGroupByIndex(g *gorm.DB, orderIndex int) (*model.AppGroup, error) {
	var grp model.AppGroup
	err := g.Model(&model.AppGroup{}).Where("order_index = ?", orderIndex).Take(&grp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return &grp, nil
}

func ListGroups(g *gorm.DB) ([]model.AppGroup, error) {
	var groups []model.AppGroup
	if err := g.Model(&model.AppGroup{}).Order("order_index").Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}
