package config

import (
	"fmt"
	"os"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SysConfig system level configuration
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// WebConfig admin web api configuration
type WebConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// DBConfig database configuration
type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// LogConfig logger configuration
type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// SessionConfig automation session configuration
type SessionConfig struct {
	// StorageRoot is the directory under which per-account session
	// storage locations are created.
	StorageRoot string `yaml:"storage_root" json:"storage_root"`
	// QRExpirySeconds is the nominal lifetime of an issued QR code.
	QRExpirySeconds int `yaml:"qr_expiry_seconds" json:"qr_expiry_seconds"`
}

type AppConfig struct {
	System   SysConfig     `yaml:"system" json:"system"`
	Web      WebConfig     `yaml:"web" json:"web"`
	Database DBConfig      `yaml:"database" json:"database"`
	Logger   LogConfig     `yaml:"logger" json:"logger"`
	Session  SessionConfig `yaml:"session" json:"session"`
}

func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "wahub",
			Location: "Asia/Shanghai",
			Workdir:  "/var/wahub",
			Debug:    true,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 1816,
		},
		Database: DBConfig{
			Type:     "postgres",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "wahub",
			User:     "postgres",
			MaxConn:  100,
			IdleConn: 10,
		},
		Logger: LogConfig{
			Mode:       "development",
			FileEnable: true,
			Filename:   "/var/wahub/wahub.log",
		},
		Session: SessionConfig{
			StorageRoot:     "/var/wahub/sessions",
			QRExpirySeconds: 20,
		},
	}
}

// LoadConfig reads the yaml configuration file and applies environment
// overrides. A missing file is not an error; defaults are used.
func LoadConfig(cfile string) *AppConfig {
	cfg := DefaultAppConfig()
	if cfile != "" {
		data, err := os.ReadFile(cfile)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "config: parse %s failed: %v\n", cfile, err)
			}
		}
	}
	setEnvValue("WAHUB_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvValue("WAHUB_SYSTEM_DEBUG", &cfg.System.Debug)
	setEnvValue("WAHUB_WEB_HOST", &cfg.Web.Host)
	setEnvInt("WAHUB_WEB_PORT", &cfg.Web.Port)
	setEnvValue("WAHUB_DB_TYPE", &cfg.Database.Type)
	setEnvValue("WAHUB_DB_HOST", &cfg.Database.Host)
	setEnvInt("WAHUB_DB_PORT", &cfg.Database.Port)
	setEnvValue("WAHUB_DB_NAME", &cfg.Database.Name)
	setEnvValue("WAHUB_DB_USER", &cfg.Database.User)
	setEnvValue("WAHUB_DB_PWD", &cfg.Database.Passwd)
	setEnvValue("WAHUB_SESSION_STORAGE_ROOT", &cfg.Session.StorageRoot)
	return cfg
}

func setEnvValue[T string | bool](name string, val *T) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	switch p := any(val).(type) {
	case *string:
		*p = v
	case *bool:
		*p = cast.ToBool(v)
	}
}

func setEnvInt(name string, val *int) {
	if v, ok := os.LookupEnv(name); ok {
		*val = cast.ToInt(v)
	}
}
