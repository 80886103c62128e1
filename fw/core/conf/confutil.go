package conf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dashke/fort/fw/common"
	"github.com/dashke/fort/fw/model"
)

// Driver blob layout, little endian throughout:
//
//	full conf:  magic u32 | version u16 | flags u16 | group bits u32 |
//	            group count u16 | zone count u16 | app count u32 | app entries
//	app entry:  flags u16 | group index u16 | accept zones u32 |
//	            reject zones u32 | end time i64 | path len u16 | path | pad to 4
const (
	confMagic   = 0x46574346 // "FCWF"
	confVersion = 1

	maxAppPathLen = 1024
)

// App entry flag bits.
const (
	appFlagBlocked = 1 << iota
	appFlagWildcard
	appFlagUseGroupPerm
	appFlagApplyChild
	appFlagKillChild
	appFlagLanOnly
	appFlagLogBlocked
	appFlagLogConn
	appFlagKillProcess
	appFlagAlerted
	appFlagNew
)

// Conf flag bits (the "onlyFlags" subset).
const (
	confFlagFilterEnabled = 1 << iota
	confFlagBlockTraffic
	confFlagAllowAllNew
	confFlagLogBlocked
	confFlagLogConn
)

var (
	ErrEmptyAppPath   = errors.New("app path is empty")
	ErrTooManyGroups  = errors.New("too many app groups")
	ErrAppPathTooLong = fmt.Errorf("app path longer than %d bytes", maxAppPathLen)
)

// ConfFlags is the boolean subset of the configuration the driver can take
// on its own, without a rule-set rebuild.
type ConfFlags struct {
	FilterEnabled bool
	BlockTraffic  bool
	AllowAllNew   bool
	LogBlocked    bool
	LogConn       bool
}

// ConfSnapshot is everything a full driver rebuild encodes.
type ConfSnapshot struct {
	Flags  ConfFlags
	Groups []model.AppGroup
	Zones  []model.Zone
	Apps   []model.App
}

// ConfWriter serializes rule state into driver-consumable buffers and
// tracks which filesystem volumes the encoded paths touch.
type ConfWriter struct {
	driveMask uint32
}

// DriveMask is the union of volume bits referenced by the paths encoded
// since the writer was created.
func (w *ConfWriter) DriveMask() uint32 { return w.driveMask }

func (w *ConfWriter) WriteFlags(f ConfFlags) ([]byte, error) {
	var b bytes.Buffer
	putU32(&b, confMagic)
	putU16(&b, confVersion)
	putU16(&b, packConfFlags(f))
	return b.Bytes(), nil
}

func (w *ConfWriter) WriteConf(s *ConfSnapshot) ([]byte, error) {
	if len(s.Groups) > 16 {
		return nil, ErrTooManyGroups
	}

	var b bytes.Buffer
	putU32(&b, confMagic)
	putU16(&b, confVersion)
	putU16(&b, packConfFlags(s.Flags))

	var groupBits uint32
	for _, g := range s.Groups {
		if g.Enabled && g.OrderIndex < 32 {
			groupBits |= 1 << uint(g.OrderIndex)
		}
	}
	putU32(&b, groupBits)
	putU16(&b, uint16(len(s.Groups)))
	putU16(&b, uint16(len(s.Zones)))
	putU32(&b, uint32(len(s.Apps)))

	for i := range s.Apps {
		entry, err := w.WriteAppEntry(&s.Apps[i], false)
		if err != nil {
			return nil, fmt.Errorf("app %d (%s): %w", s.Apps[i].AppId, s.Apps[i].Path, err)
		}
		b.Write(entry)
	}

	return b.Bytes(), nil
}

// WriteAppEntry encodes a single rule. Concrete rules must carry a path;
// wildcard rules carry their pattern text instead.
func (w *ConfWriter) WriteAppEntry(app *model.App, isNew bool) ([]byte, error) {
	path := app.Path
	if app.IsWildcard {
		path = app.OriginPath
	}
	if path == "" {
		return nil, ErrEmptyAppPath
	}
	if len(path) > maxAppPathLen {
		return nil, ErrAppPathTooLong
	}

	var b bytes.Buffer
	putU16(&b, packAppFlags(app, isNew))
	putU16(&b, uint16(app.GroupIndex))
	putU32(&b, app.AcceptZones)
	putU32(&b, app.RejectZones)
	putI64(&b, app.EndTime)
	putU16(&b, uint16(len(path)))
	b.WriteString(path)
	for b.Len()%4 != 0 {
		b.WriteByte(0)
	}

	if !app.IsWildcard {
		w.driveMask |= common.DriveBit(app.Path)
	}

	return b.Bytes(), nil
}

func packAppFlags(app *model.App, isNew bool) uint16 {
	var f uint16
	set := func(on bool, bit uint16) {
		if on {
			f |= bit
		}
	}
	set(app.Blocked, appFlagBlocked)
	set(app.IsWildcard, appFlagWildcard)
	set(app.UseGroupPerm, appFlagUseGroupPerm)
	set(app.ApplyChild, appFlagApplyChild)
	set(app.KillChild, appFlagKillChild)
	set(app.LanOnly, appFlagLanOnly)
	set(app.LogBlocked, appFlagLogBlocked)
	set(app.LogConn, appFlagLogConn)
	set(app.KillProcess, appFlagKillProcess)
	set(app.Alerted, appFlagAlerted)
	set(isNew, appFlagNew)
	return f
}

func packConfFlags(f ConfFlags) uint16 {
	var v uint16
	set := func(on bool, bit uint16) {
		if on {
			v |= bit
		}
	}
	set(f.FilterEnabled, confFlagFilterEnabled)
	set(f.BlockTraffic, confFlagBlockTraffic)
	set(f.AllowAllNew, confFlagAllowAllNew)
	set(f.LogBlocked, confFlagLogBlocked)
	set(f.LogConn, confFlagLogConn)
	return v
}

func putU16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func putU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func putI64(b *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	b.Write(tmp[:])
}
