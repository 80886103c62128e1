package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCfg(t *testing.T, text string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeCfg(t, `
db:
  master:
    dsn: "file:`+dir+`/conf.db"
  log:
    dsn: "file:`+dir+`/log.db"
logging:
  level: debug
`)

	c, usedPath, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if usedPath != p {
		t.Fatalf("used %s, want %s", usedPath, p)
	}

	if c.DB.Master.Driver != "sqlite" || c.DB.Master.DSN == "" {
		t.Fatalf("master db defaults missing: %+v", c.DB.Master)
	}
	if c.Admin.Username != "admin" || c.Admin.TokenTTL != 120 {
		t.Fatalf("admin defaults missing: %+v", c.Admin)
	}
	if c.API.Addr != "127.0.0.1:14580" {
		t.Fatalf("api addr = %s", c.API.Addr)
	}
	if c.Driver.Device != "/dev/fortfw" {
		t.Fatalf("driver device = %s", c.Driver.Device)
	}
	if c.Logging.Level != "debug" {
		t.Fatalf("level = %s, want value from file", c.Logging.Level)
	}
	if !c.Ini.FilterEnabled {
		t.Fatal("filter must be enabled by default")
	}
	if c.Ini.AllowAllNew || c.Ini.BlockTraffic {
		t.Fatalf("policy defaults wrong: %+v", c.Ini)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	p := writeCfg(t, `
db:
  master:
    driver: mysql
    dsn: "user:pass@tcp(127.0.0.1:3306)/fort"
  log:
    dsn: "file:`+t.TempDir()+`/log.db"
api:
  addr: 0.0.0.0:8080
nfq:
  enable: true
  queue_num: 7
`)

	c, _, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.DB.Master.Driver != "mysql" {
		t.Fatalf("driver = %s", c.DB.Master.Driver)
	}
	if c.API.Addr != "0.0.0.0:8080" {
		t.Fatalf("addr = %s", c.API.Addr)
	}
	if !c.Nfq.Enable || c.Nfq.QueueNum != 7 {
		t.Fatalf("nfq = %+v", c.Nfq)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Skip("system-wide /etc/fort/config.yaml present")
	}
}
