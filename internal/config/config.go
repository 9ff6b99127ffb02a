// Package config loads the supervisor configuration: struct defaults, then
// the YAML file, then VIGIL_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/turtacn/vigil/internal/resource"
	"github.com/turtacn/vigil/pkg/consts"
	verrors "github.com/turtacn/vigil/pkg/errors"
	"github.com/turtacn/vigil/pkg/protocol"
)

// EnvPrefix marks environment variables that override top level settings,
// e.g. VIGIL_LOG_LEVEL or VIGIL_METRICS_ADDR.
const EnvPrefix = "VIGIL_"

// childContract lists variables we set for supervised processes. A vigil
// running under another vigil must not read them as configuration.
var childContract = map[string]bool{
	consts.EnvInheritedFDs:  true,
	consts.EnvListenAddrs:   true,
	consts.EnvGroup:         true,
	consts.EnvGeneration:    true,
	consts.EnvSlot:          true,
	consts.EnvAckToken:      true,
	consts.EnvControlSock:   true,
	consts.EnvLiveCheckFile: true,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func defaultConfig() *protocol.Config {
	return &protocol.Config{
		ControlSock: consts.DefaultControlSock,
		LogLevel:    "info",
		StateDir:    consts.DefaultStateDir,
		Tick:        consts.DefaultTick,
	}
}

func envTransform(key string) string {
	if childContract[key] {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
}

// Load reads the configuration at path. The result has every default applied
// and has passed validation; callers treat it as immutable.
func Load(path string) (*protocol.Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, verrors.New(verrors.ErrCodeConfigInvalid, "Load", path, err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &protocol.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{DecoderConfig: decoderConfig()}); err != nil {
		return nil, verrors.New(verrors.ErrCodeConfigInvalid, "Load", "unmarshal", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func decoderConfig() *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsHook,
			mapstructure.StringToTimeDurationHookFunc()),
		WeaklyTypedInput: true,
	}
}

// secondsHook reads a unitless duration as seconds, so "live_check_timeout: 5"
// means five seconds. Values with a unit ("250ms", "1m") are left to the
// duration parser.
func secondsHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	var secs float64
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		secs = float64(reflect.ValueOf(data).Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		secs = float64(reflect.ValueOf(data).Uint())
	case reflect.Float32, reflect.Float64:
		secs = reflect.ValueOf(data).Float()
	case reflect.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(reflect.ValueOf(data).String()), 64)
		if err != nil {
			return data, nil
		}
		secs = f
	default:
		return data, nil
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return nil, fmt.Errorf("invalid duration %v", data)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// ApplyDefaults fills unset per group fields. Lists cannot carry struct
// defaults through koanf, so groups are completed here.
func ApplyDefaults(cfg *protocol.Config) {
	if cfg.Tick == 0 {
		cfg.Tick = consts.DefaultTick
	}
	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		if g.NumProcesses == 0 {
			g.NumProcesses = 1
		}
		if g.Restart == "" {
			g.Restart = consts.RestartNone
		}
		if g.RespawnInterval == 0 {
			g.RespawnInterval = consts.DefaultRespawnInterval
		}
		if g.Ack == "" {
			g.Ack = consts.AckTimer
		}
		if g.AckTimeout == 0 {
			g.AckTimeout = consts.DefaultAckTimeout
		}
		if g.AckScope == "" {
			g.AckScope = consts.AckScopeProcess
		}
		if g.GracefulTimeout == 0 {
			g.GracefulTimeout = consts.DefaultGracefulTimeout
		}
		if g.LiveCheckTimeout > 0 && g.LiveCheckTolerance == 0 {
			g.LiveCheckTolerance = g.LiveCheckTimeout
		}
		if g.UpgraderTimeout == 0 {
			g.UpgraderTimeout = consts.DefaultUpgraderTimeout
		}
	}
}

// Validate checks struct tags and the rules that span several groups.
func Validate(cfg *protocol.Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return verrors.New(verrors.ErrCodeConfigInvalid, "Validate", strings.Join(msgs, "; "), err)
		}
		return verrors.New(verrors.ErrCodeConfigInvalid, "Validate", "invalid configuration", err)
	}

	names := make(map[string]bool)
	owners := make(map[string]string)
	for _, g := range cfg.Groups {
		if names[g.Name] {
			return verrors.New(verrors.ErrCodeConfigInvalid, "Validate", fmt.Sprintf("duplicate group %q", g.Name), nil)
		}
		names[g.Name] = true

		for _, addr := range g.Sockets {
			network, address := resource.ParseAddress(addr)
			key := network + "://" + address
			if other, ok := owners[key]; ok {
				return verrors.New(verrors.ErrCodeConfigInvalid, "Validate",
					fmt.Sprintf("socket %s is used by both %q and %q", addr, other, g.Name), nil)
			}
			owners[key] = g.Name
		}

		if g.UpgraderActiveSec > 0 && len(g.Upgrader) == 0 {
			return verrors.New(verrors.ErrCodeConfigInvalid, "Validate",
				fmt.Sprintf("group %q sets upgrader_active_sec without an upgrader", g.Name), nil)
		}
	}
	return nil
}

// Personal.AI order the ending
