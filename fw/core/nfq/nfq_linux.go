//go:build linux

package nfq

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/florianl/go-nfqueue"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/dashke/fort/fw/common/logx"
	"github.com/dashke/fort/fw/core/conf"
	"github.com/dashke/fort/fw/db/dao"
	"github.com/dashke/fort/fw/model"
)

var log = logx.New(logx.WithPrefix("nfq"))

const (
	ipprotoTCP = 6
	ipprotoUDP = 17
)

type Capture struct {
	qnum  uint16
	rules RuleLookup
	flags func() conf.ConfFlags

	// both optional
	onBlocked func(entry *model.LogEntryBlocked)
	onConn    func(cl *model.ConnLog)
}

func NewCapture(qnum uint16, rules RuleLookup, flags func() conf.ConfFlags,
	onBlocked func(entry *model.LogEntryBlocked),
	onConn func(cl *model.ConnLog)) *Capture {
	return &Capture{
		qnum:      qnum,
		rules:     rules,
		flags:     flags,
		onBlocked: onBlocked,
		onConn:    onConn,
	}
}

type p5 struct {
	Proto            string
	SrcIP, DstIP     string
	SrcPort, DstPort uint16
}

// Run attaches to the queue and issues verdicts until ctx is done.
func (c *Capture) Run(ctx context.Context) error {
	q, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      c.qnum,
		MaxQueueLen:  32768,
		Copymode:     nfqueue.NfQnlCopyPacket,
		MaxPacketLen: 0xffff,
		ReadTimeout:  time.Second,
	})
	if err != nil {
		log.Errorf("nfqueue.Open(queue=%d) failed: %v", c.qnum, err)
		return err
	}

	cb := func(a nfqueue.Attribute) int {
		if a.Payload == nil || a.PacketID == nil {
			return 0
		}
		p, ok := parse5Tuple(*a.Payload)
		if !ok {
			_ = q.SetVerdict(*a.PacketID, nfqueue.NfAccept)
			return 0
		}

		verdict := nfqueue.NfAccept
		if c.decideBlocked(p) {
			verdict = nfqueue.NfDrop
		}
		_ = q.SetVerdict(*a.PacketID, verdict)
		return 0
	}

	var lastIdleLog time.Time
	errCb := func(e error) int {
		if e == nil {
			return 0
		}
		es := strings.ToLower(e.Error())
		if strings.Contains(es, "timeout") || strings.Contains(es, "i/o timeout") {
			if time.Since(lastIdleLog) > time.Minute {
				log.Debugf("NFQUEUE idle (no packet within %s)", time.Second)
				lastIdleLog = time.Now()
			}
			return 0
		}
		log.Errorf("NFQUEUE callback error: %v", e)
		return 0
	}

	if err := q.RegisterWithErrorFunc(ctx, cb, errCb); err != nil {
		_ = q.Close()
		log.Errorf("NFQUEUE register failed: %v", err)
		return err
	}
	log.Infof("NFQUEUE started on queue=%d", c.qnum)

	<-ctx.Done()
	_ = q.Close()
	log.Debugf("NFQUEUE closed")
	return ctx.Err()
}

// decideBlocked resolves the local endpoint to a program path and applies
// that program's rule, or the new-program policy when none exists.
func (c *Capture) decideBlocked(p p5) bool {
	fl := c.flags()
	if !fl.FilterEnabled {
		return false
	}

	pid := pidByLocalPort(p.Proto, p.SrcPort)
	path := exePath(pid)

	var (
		app       *model.App
		lookupErr error
	)
	if path != "" {
		app, lookupErr = c.rules.FindAppByPath(path)
		if lookupErr != nil && !errors.Is(lookupErr, dao.ErrAppNotFound) {
			log.Warnf("rule lookup for %s failed: %v", path, lookupErr)
		}
	}
	blocked, logBlocked, logConn := decideVerdict(fl, app, lookupErr)

	nowMs := time.Now().UnixMilli()
	if blocked && logBlocked && c.onBlocked != nil {
		c.onBlocked(&model.LogEntryBlocked{
			Path:       path,
			Blocked:    true,
			Pid:        pid,
			RemoteAddr: p.DstIP,
			RemotePort: int(p.DstPort),
			Time:       nowMs,
		})
	}
	if logConn && c.onConn != nil {
		c.onConn(&model.ConnLog{
			Time:       nowMs,
			AppPath:    path,
			Pid:        pid,
			Blocked:    blocked,
			RemoteAddr: p.DstIP,
			RemotePort: int(p.DstPort),
			Protocol:   p.Proto,
		})
	}
	return blocked
}

func pidByLocalPort(proto string, port uint16) int32 {
	conns, err := gnet.Connections(proto)
	if err != nil {
		log.Warnf("connection table read failed: %v", err)
		return 0
	}
	for _, cn := range conns {
		if cn.Laddr.Port == uint32(port) {
			return cn.Pid
		}
	}
	return 0
}

func exePath(pid int32) string {
	if pid <= 0 {
		return ""
	}
	pr, err := process.NewProcess(pid)
	if err != nil {
		return ""
	}
	exe, err := pr.Exe()
	if err != nil {
		return ""
	}
	return exe
}

func parse5Tuple(b []byte) (p p5, ok bool) {
	if len(b) < 1 {
		return p, false
	}
	switch b[0] >> 4 {
	case 4:
		if len(b) < 20 {
			return p, false
		}
		l4 := b[9]
		src := net.IP(b[12:16])
		dst := net.IP(b[16:20])
		p.SrcIP, p.DstIP = src.String(), dst.String()

		off := int(b[0]&0x0f) * 4
		if len(b) < off+4 {
			return p, false
		}

		switch l4 {
		case ipprotoTCP:
			p.Proto = "tcp"
		case ipprotoUDP:
			p.Proto = "udp"
		default:
			return p, false
		}
		p.SrcPort = binary.BigEndian.Uint16(b[off : off+2])
		p.DstPort = binary.BigEndian.Uint16(b[off+2 : off+4])
		return p, true

	case 6:
		// basic IPv6 header only; packets with extension headers pass unparsed
		if len(b) < 44 {
			return p, false
		}
		l4 := b[6]
		src := net.IP(b[8:24])
		dst := net.IP(b[24:40])
		p.SrcIP, p.DstIP = src.String(), dst.String()

		switch l4 {
		case ipprotoTCP:
			p.Proto = "tcp"
		case ipprotoUDP:
			p.Proto = "udp"
		default:
			return p, false
		}
		p.SrcPort = binary.BigEndian.Uint16(b[40:42])
		p.DstPort = binary.BigEndian.Uint16(b[42:44])
		return p, true
	}
	return p, false
}
