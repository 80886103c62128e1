package dao

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
	"gorm.io/gorm"

	"github.com/dashke/fort/fw/model"
)

func ListZones(g *gorm.DB) ([]model.Zone, error) {
	var zones []model.Zone
	if err := g.Model(&model.Zone{}).Order("zone_id").Find(&zones).Error; err != nil {
		return nil, err
	}
	return zones, nil
}

func GetZoneById(g *gorm.DB, zoneId int64) (*model.Zone, error) {
	var z model.Zone
	if err := g.Model(&model.Zone{}).Where("zone_id = ?", zoneId).Take(&z).Error; err != nil {
		return nil, err
	}
	return &z, nil
}

var (
	ErrZoneNotFound = errors.New("zone not found")
	ErrTooManyZones = errors.New("too many zones")
)

// CreateZone persists a new zone. Zone ids double as bit positions in the
// per-rule accept/reject sets, so at most 32 zones can ever exist.
func CreateZone(g *gorm.DB, z *model.Zone) error {
	var cnt int64
	if err := g.Model(&model.Zone{}).Count(&cnt).Error; err != nil {
		return err
	}
	if cnt >= 32 {
		return ErrTooManyZones
	}
	return g.Create(z).Error
}

func UpdateZoneEnabled(g *gorm.DB, zoneId int64, enabled bool) error {
	tx := g.Model(&model.Zone{}).Where("zone_id = ?", zoneId).
		Update("enabled", enabled)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrZoneNotFound
	}
	return nil
}

func UpdateZoneAddressCount(g *gorm.DB, zoneId int64, count int) error {
	tx := g.Model(&model.Zone{}).Where("zone_id = ?", zoneId).
		Update("address_count", count)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrZoneNotFound
	}
	return nil
}

// ParseZoneHosts turns one address-list text (one entry per line, '#'
// comments) into normalized, deduplicated entries.
func ParseZoneHosts(text string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		h, err := NormalizeZoneHost(line)
		if err != nil {
			return nil, fmt.Errorf("bad entry %q: %w", line, err)
		}
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out, nil
}

// NormalizeZoneHost canonicalizes hostname entries from zone sources:
// lower-case, trailing dot stripped, IDNA -> ASCII. IP/CIDR entries pass
// through unchanged.
func NormalizeZoneHost(s string) (string, error) {
	s = strings.TrimSpace(strings.ToLower(strings.TrimSuffix(s, ".")))
	if s == "" {
		return "", nil
	}
	if strings.ContainsAny(s, ":/") || !strings.ContainsAny(s, "abcdefghijklmnopqrstuvwxyz") {
		return s, nil
	}
	return idna.ToASCII(s)
}
