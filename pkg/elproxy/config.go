// Package elproxy runs the elproxy server.
package elproxy

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/ini.v1"
)

// Config contains the configuration for elproxy. The env struct tag contains
// the environment variable name and the default value if missing, or empty
// (if not ?=). All string arrays are comma-separated.
type Config struct {
	// The interface address to listen on for proxy clients. Empty means all
	// interfaces.
	BindAddress string `env:"ELPROXY_BIND_ADDRESS"`

	// The TCP port to listen on for proxy clients.
	Port int `env:"ELPROXY_PORT?=8100"`

	// The shared proxy password. Lowercase ASCII is folded to uppercase when
	// computing the client response, so the password is effectively
	// case-insensitive. Required.
	Password string `env:"ELPROXY_PASSWORD"`

	// The external interface address exposed to EchoLink peers on behalf of
	// the client in slot 0. Peer sockets are bound to it.
	ExternalBindAddress string `env:"ELPROXY_EXTERNAL_BIND_ADDRESS"`

	// Additional external interface addresses (comma-separated). Each one
	// defines an extra slot. Requires ExternalBindAddress to be set to a
	// specific address.
	ExternalBindAddressAdd []string `env:"ELPROXY_EXTERNAL_BIND_ADDRESS_ADD"`

	// Optional regular expressions limiting the callsigns allowed to use the
	// proxy. A callsign is accepted iff it does not match the deny pattern
	// and matches the allow pattern, when each is present.
	CallsAllowed string `env:"ELPROXY_CALLS_ALLOWED"`
	CallsDenied  string `env:"ELPROXY_CALLS_DENIED"`

	// Peer TCP connect timeout.
	DialTimeout time.Duration `env:"ELPROXY_DIAL_TIMEOUT=10s"`

	// The EchoLink proxy directory registration endpoint. If not provided,
	// the proxy is not announced.
	RegURL string `env:"ELPROXY_REG_URL"`

	// The proxy name and comment shown in the directory listing.
	RegName    string `env:"ELPROXY_REG_NAME"`
	RegComment string `env:"ELPROXY_REG_COMMENT"`

	// The public host[:port] advertised to clients via the directory. If not
	// provided, ExternalBindAddress and Port are used.
	RegPublicAddr string `env:"ELPROXY_REG_PUBLIC_ADDR"`

	// The interval between periodic directory announcements.
	RegInterval time.Duration `env:"ELPROXY_REG_INTERVAL=10m"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"ELPROXY_LOG_LEVEL=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"ELPROXY_LOG_STDOUT=true"`

	// Whether to use pretty logs.
	LogStdoutPretty bool `env:"ELPROXY_LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"ELPROXY_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"ELPROXY_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"ELPROXY_LOG_FILE_LEVEL=info"`

	// The storage to use for the session log:
	//  - memory
	//  - memory:N (retain the last N sessions)
	//  - sqlite3:/path/to/sessions.db
	//  - none
	StorageSessions string `env:"ELPROXY_STORAGE_SESSIONS=memory"`

	// The directory to write per-session frame traces to, if provided.
	CaptureDir string `env:"ELPROXY_CAPTURE_DIR"`

	// Whether to gzip frame traces.
	CaptureGzip bool `env:"ELPROXY_CAPTURE_GZIP"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// envParsers converts env var strings into config field values, keyed by the
// field's type. Parsers that can meaningfully default must accept "".
var envParsers = map[reflect.Type]func(string) (any, error){
	reflect.TypeOf(""): func(v string) (any, error) {
		return v, nil
	},
	reflect.TypeOf(0): func(v string) (any, error) {
		if v == "" {
			return 0, nil
		}
		return strconv.Atoi(v)
	},
	reflect.TypeOf(false): func(v string) (any, error) {
		if v == "" {
			return false, nil
		}
		return strconv.ParseBool(v)
	},
	reflect.TypeOf([]string(nil)): func(v string) (any, error) {
		if v == "" {
			return []string{}, nil
		}
		return strings.Split(v, ","), nil
	},
	reflect.TypeOf(zerolog.Level(0)): func(v string) (any, error) {
		return zerolog.ParseLevel(v)
	},
	reflect.TypeOf(time.Duration(0)): func(v string) (any, error) {
		return time.ParseDuration(v)
	},
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values will
// not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	vars := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok && (strings.HasPrefix(k, "ELPROXY_") || k == "NOTIFY_SOCKET") {
			vars[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	ct := cv.Type()
	for i := 0; i < ct.NumField(); i++ {
		tag, ok := ct.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, val, _ := strings.Cut(tag, "=")
		// a trailing ? on the key allows the var to be set to an empty value
		// instead of falling back to the default
		emptyOK := strings.HasSuffix(key, "?")
		key = strings.TrimSuffix(key, "?")

		if v, exists := vars[key]; exists {
			if v != "" || emptyOK {
				val = v
			}
			delete(vars, key)
		} else if incremental {
			continue
		}

		parse, ok := envParsers[ct.Field(i).Type]
		if !ok {
			return fmt.Errorf("unhandled type %s (%s)", ct.Field(i).Type, tag)
		}
		v, err := parse(val)
		if err != nil {
			return fmt.Errorf("env %s: parse %q: %w", key, val, err)
		}
		cv.Field(i).Set(reflect.ValueOf(v))
	}

	for key, val := range vars {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// iniKeys maps configuration file keys to the equivalent environment
// variables.
var iniKeys = map[string]string{
	"Password":                        "ELPROXY_PASSWORD",
	"BindAddress":                     "ELPROXY_BIND_ADDRESS",
	"Port":                            "ELPROXY_PORT",
	"ExternalBindAddress":             "ELPROXY_EXTERNAL_BIND_ADDRESS",
	"AdditionalExternalBindAddresses": "ELPROXY_EXTERNAL_BIND_ADDRESS_ADD",
	"CallsignAllowList":               "ELPROXY_CALLS_ALLOWED",
	"CallsignDenyList":                "ELPROXY_CALLS_DENIED",
	"DialTimeout":                     "ELPROXY_DIAL_TIMEOUT",
	"RegistrationURL":                 "ELPROXY_REG_URL",
	"RegistrationName":                "ELPROXY_REG_NAME",
	"RegistrationComment":             "ELPROXY_REG_COMMENT",
	"RegistrationInterval":            "ELPROXY_REG_INTERVAL",
	"PublicAddress":                   "ELPROXY_REG_PUBLIC_ADDR",
	"LogLevel":                        "ELPROXY_LOG_LEVEL",
	"LogFile":                         "ELPROXY_LOG_FILE",
	"SessionStorage":                  "ELPROXY_STORAGE_SESSIONS",
	"CaptureDirectory":                "ELPROXY_CAPTURE_DIR",
	"CaptureGzip":                     "ELPROXY_CAPTURE_GZIP",
}

// EnvFromINI converts an INI configuration file into the equivalent
// environment variable list for UnmarshalEnv.
func EnvFromINI(name string) ([]string, error) {
	f, err := ini.Load(name)
	if err != nil {
		return nil, err
	}
	var es []string
	for _, key := range f.Section(ini.DefaultSection).Keys() {
		ev, ok := iniKeys[key.Name()]
		if !ok {
			return nil, fmt.Errorf("unknown configuration key %q", key.Name())
		}
		es = append(es, ev+"="+key.Value())
	}
	return es, nil
}
