package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dashke/fort/fw/common"
	"github.com/dashke/fort/fw/common/logx"
)

type DBPoolCfg struct {
	MaxOpen        int `yaml:"max_open"`
	MaxIdle        int `yaml:"max_idle"`
	MaxLifetimeSec int `yaml:"max_lifetime_sec"`
}

type DBCfg struct {
	Driver string    `yaml:"driver"`
	DSN    string    `yaml:"dsn"`
	Pool   DBPoolCfg `yaml:"pool"`
	Enable bool      `yaml:"enable"`
}

type DualDBCfg struct {
	Master DBCfg `yaml:"master"`
	Log    DBCfg `yaml:"log"`
}

type AdminAuth struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	JWTSecret    string `yaml:"jwt_secret"`
	TokenTTL     int    `yaml:"token_ttl"` // minutes
}

type DriverCfg struct {
	Enable bool   `yaml:"enable"`
	Device string `yaml:"device"`
}

type NfqCfg struct {
	Enable   bool   `yaml:"enable"`
	QueueNum uint16 `yaml:"queue_num"`
}

type InfluxDB2Config struct {
	BaseURL            string `yaml:"base_url"`
	Token              string `yaml:"token"`
	Org                string `yaml:"org"`
	Bucket             string `yaml:"bucket"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type IniCfg struct {
	PurgeOnStart  bool `yaml:"purge_on_start"` // drop rules for programs gone from disk
	FilterEnabled bool `yaml:"filter_enabled"` // off: every connection passes
	BlockTraffic  bool `yaml:"block_traffic"`  // panic switch: block everything
	AllowAllNew   bool `yaml:"allow_all_new"`  // off: programs without a rule are blocked and alerted
	LogBlocked    bool `yaml:"log_blocked"`
	LogConn       bool `yaml:"log_conn"`
}

type APICfg struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	DB      DualDBCfg       `yaml:"db"`
	Admin   AdminAuth       `yaml:"admin"`
	Driver  DriverCfg       `yaml:"driver"`
	Nfq     NfqCfg          `yaml:"nfq"`
	Influx  InfluxDB2Config `yaml:"influx"`
	Logging Logging         `yaml:"logging"`
	Ini     IniCfg          `yaml:"ini"`
	API     APICfg          `yaml:"api"`
}

var log = logx.New(logx.WithPrefix("config"))

// ====== default DSNs (used when the config leaves them empty) ======

func defaultSQLiteDSNs() (masterDSN, logDSN string) {
	base := "/var/lib/fort"
	if common.IsDesktop() {
		base = "./lib"
	}

	// connection pragmas are the db layer's concern, not the DSN default's
	master := filepath.ToSlash(filepath.Join(base, "conf.db"))
	logDB := filepath.ToSlash(filepath.Join(base, "log.db"))

	return "file:" + master, "file:" + logDB
}

// ensureDirForFileDSN makes the directory of a file: DSN exist.
func ensureDirForFileDSN(dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return os.MkdirAll(filepath.Dir(p), 0o755)
}

func Load(p string) (*Config, string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		p = "/etc/fort/config.yaml"
		b, err = os.ReadFile(p)
		if err != nil {
			log.Errorf("no config file found (tried given path and %s)", p)
			return nil, p, err
		}
	}

	var c Config
	c.Ini.FilterEnabled = true // yaml only overrides what it names
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, p, err
	}

	if c.DB.Master.Driver == "" {
		c.DB.Master.Driver = "sqlite"
	}
	if c.DB.Log.Driver == "" {
		c.DB.Log.Driver = "sqlite"
	}
	masterDSN, logDSN := defaultSQLiteDSNs()
	if c.DB.Master.DSN == "" {
		c.DB.Master.DSN = masterDSN
	}
	if c.DB.Log.DSN == "" {
		c.DB.Log.DSN = logDSN
	}
	if err := ensureDirForFileDSN(c.DB.Master.DSN); err != nil {
		return nil, p, err
	}
	if err := ensureDirForFileDSN(c.DB.Log.DSN); err != nil {
		return nil, p, err
	}

	if c.Admin.Username == "" {
		c.Admin.Username = "admin"
	}
	if c.Admin.TokenTTL <= 0 {
		c.Admin.TokenTTL = 60 * 2
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:14580"
	}
	if c.Driver.Device == "" {
		c.Driver.Device = "/dev/fortfw"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	return &c, p, nil
}
