package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is an in memory representation of the node configuration file
type Config struct {
	Datastore *DatastoreConfig `toml:"datastore"`
	Sync      *SyncConfig      `toml:"sync"`
	State     *StateConfig     `toml:"state"`
	Log       *LogConfig       `toml:"log"`
}

// Duration is a time.Duration written as a string ("1m30s") in toml.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DatastoreConfig holds all the configuration options for the datastore.
type DatastoreConfig struct {
	Type string `toml:"type"`
	Path string `toml:"path"`
}

const (
	DatastoreBadger = "badgerds"
	DatastoreMemory = "memory"
)

func newDefaultDatastoreConfig() *DatastoreConfig {
	return &DatastoreConfig{
		Type: DatastoreBadger,
		Path: "badger",
	}
}

// SyncConfig bounds the work the syncer may take on.
type SyncConfig struct {
	// MaxConcurrentSyncs is the number of sync targets worked on at once.
	MaxConcurrentSyncs int `toml:"maxConcurrentSyncs"`
	// FetchMaxAttempts bounds the retries of a single fetch.
	FetchMaxAttempts int      `toml:"fetchMaxAttempts"`
	FetchBackoffMin  Duration `toml:"fetchBackoffMin"`
	FetchBackoffMax  Duration `toml:"fetchBackoffMax"`
	// MaxLookback is the number of ancestors fetched per request while
	// walking back to a known tipset.
	MaxLookback int `toml:"maxLookback"`
	// RetentionDepth is the distance below the head at which forks stop
	// being tracked.
	RetentionDepth     int `toml:"retentionDepth"`
	BadTipSetCacheSize int `toml:"badTipSetCacheSize"`
}

func newDefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		MaxConcurrentSyncs: 4,
		FetchMaxAttempts:   5,
		FetchBackoffMin:    Duration(200 * time.Millisecond),
		FetchBackoffMax:    Duration(10 * time.Second),
		MaxLookback:        50,
		RetentionDepth:     900,
		BadTipSetCacheSize: 1 << 15,
	}
}

// StateConfig holds the state manager limits and cache sizes.
type StateConfig struct {
	// MaxChainDepth is the number of uncomputed ancestors a state
	// computation may walk before giving up.
	MaxChainDepth      int `toml:"maxChainDepth"`
	StateCacheSize     int `toml:"stateCacheSize"`
	ExecTraceCacheSize int `toml:"execTraceCacheSize"`
}

func newDefaultStateConfig() *StateConfig {
	return &StateConfig{
		MaxChainDepth:      2000,
		StateCacheSize:     2048,
		ExecTraceCacheSize: 16,
	}
}

type LogConfig struct {
	Level string `toml:"level"`
}

func newDefaultLogConfig() *LogConfig {
	return &LogConfig{Level: "info"}
}

// NewDefaultConfig returns a config object with all the fields filled out to
// their default values
func NewDefaultConfig() *Config {
	return &Config{
		Datastore: newDefaultDatastoreConfig(),
		Sync:      newDefaultSyncConfig(),
		State:     newDefaultStateConfig(),
		Log:       newDefaultLogConfig(),
	}
}

// Validate rejects values the node cannot run with.
func (cfg *Config) Validate() error {
	switch cfg.Datastore.Type {
	case DatastoreBadger, DatastoreMemory:
	default:
		return fmt.Errorf("unknown datastore type %q", cfg.Datastore.Type)
	}
	if cfg.Sync.MaxConcurrentSyncs < 1 {
		return fmt.Errorf("sync.maxConcurrentSyncs must be positive, got %d", cfg.Sync.MaxConcurrentSyncs)
	}
	if cfg.Sync.FetchMaxAttempts < 1 {
		return fmt.Errorf("sync.fetchMaxAttempts must be positive, got %d", cfg.Sync.FetchMaxAttempts)
	}
	if cfg.Sync.FetchBackoffMin > cfg.Sync.FetchBackoffMax {
		return fmt.Errorf("sync.fetchBackoffMin %s exceeds sync.fetchBackoffMax %s",
			time.Duration(cfg.Sync.FetchBackoffMin), time.Duration(cfg.Sync.FetchBackoffMax))
	}
	if cfg.Sync.MaxLookback < 1 {
		return fmt.Errorf("sync.maxLookback must be positive, got %d", cfg.Sync.MaxLookback)
	}
	if cfg.State.MaxChainDepth < 1 {
		return fmt.Errorf("state.maxChainDepth must be positive, got %d", cfg.State.MaxChainDepth)
	}
	if cfg.State.StateCacheSize < 1 || cfg.State.ExecTraceCacheSize < 1 || cfg.Sync.BadTipSetCacheSize < 1 {
		return errors.New("cache sizes must be positive")
	}
	return nil
}

// WriteFile writes the config to the given filepath.
func (cfg *Config) WriteFile(file string) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(*cfg); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// ReadFile reads a config file from disk. Missing keys keep their defaults.
func ReadFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck

	cfg := NewDefaultConfig()
	if _, err := toml.DecodeReader(f, cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", file)
	}

	return cfg, nil
}

// traverseConfig contains the shared traversal logic for getting and setting
// config values.  It uses reflection to find the sub-struct referenced by `key`
// and applies a processing function to the referenced struct
func (cfg *Config) traverseConfig(key string,
	f func(reflect.Value, string) (interface{}, error)) (interface{}, error) {
	v := reflect.Indirect(reflect.ValueOf(cfg))
	keyTags := strings.Split(key, ".")
OUTER:
	for j, keyTag := range keyTags {
		switch v.Type().Kind() {
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				tomlTag := strings.Split(
					v.Type().Field(i).Tag.Get("toml"),
					",")[0]
				if tomlTag == keyTag {
					v = v.Field(i)
					if j == len(keyTags)-1 {
						return f(v, key)
					}
					v = reflect.Indirect(v) // only attempt one dereference
					continue OUTER
				}
			}
		case reflect.Array, reflect.Slice:
			i64, err := strconv.ParseUint(keyTag, 0, 0)
			if err != nil {
				return nil, fmt.Errorf("non-integer key into slice")
			}
			i := int(i64)
			if i > v.Len()-1 {
				return nil, fmt.Errorf("key into slice out of range")
			}
			v = v.Index(i)
			if j == len(keyTags)-1 {
				return f(v, key)
			}
			v = reflect.Indirect(v)
			continue OUTER
		}

		return nil, fmt.Errorf("key: %s invalid for config", key)
	}
	return nil, fmt.Errorf("empty key is invalid")
}

// prependKey includes the TOML key in the tomlVal blob. Ordinary tables
// require "[key]\n" prepended, all others "k = ".
func prependKey(tomlVal string, key string, fieldT reflect.Type) string {
	ks := strings.Split(key, ".")
	k := ks[len(ks)-1]
	fieldK := fieldT.Kind()
	if fieldK == reflect.Ptr {
		fieldK = fieldT.Elem().Kind()
	}

	if fieldK == reflect.Struct {
		tomlVal = strings.TrimSpace(tomlVal)
		// inline table
		if strings.HasPrefix(tomlVal, "{") {
			return fmt.Sprintf("%s=%s", k, tomlVal)
		}
		return fmt.Sprintf("[%s]\n%s", k, tomlVal)
	}
	return fmt.Sprintf("%s=%s", k, tomlVal)
}

// fieldToSet decodes tomlVal into a fresh value of the field's type.
func fieldToSet(key string, tomlVal string, fieldT reflect.Type) (reflect.Value, error) {
	tomlValKey := prependKey(tomlVal, key, fieldT)
	ks := strings.Split(key, ".")
	k := ks[len(ks)-1]

	field := reflect.StructField{
		Name: "Field",
		Type: fieldT,
		Tag:  reflect.StructTag("toml:" + "\"" + k + "\""),
	}
	recvT := reflect.StructOf([]reflect.StructField{field})
	valToRecv := reflect.New(recvT)

	md, err := toml.Decode(tomlValKey, valToRecv.Interface())
	if err != nil {
		return valToRecv, errors.Wrapf(err, "input could not be marshaled to sub-config at: %s", key)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return valToRecv, fmt.Errorf("unknown keys %v for sub-config at: %s", undecoded, key)
	}
	return valToRecv.Elem().Field(0), nil
}

// Set sets the config sub-struct referenced by `key`, e.g. 'sync.maxLookback'
// or 'datastore', to the toml value encoded in tomlVal.
func (cfg *Config) Set(key string, tomlVal string) error {
	f := func(v reflect.Value, key string) (interface{}, error) {
		setT := v.Type()
		recvT := setT
		if setT.Kind() == reflect.Ptr {
			recvT = setT.Elem()
		}

		valToSet, err := fieldToSet(key, tomlVal, recvT)
		if err != nil {
			return nil, err
		}
		if setT.Kind() == reflect.Ptr {
			valToSet = valToSet.Addr()
		}

		v.Set(valToSet)
		return v.Interface(), nil
	}

	_, err := cfg.traverseConfig(key, f)
	return err
}

// Get gets the config sub-struct referenced by `key`, e.g. 'datastore.path'
func (cfg *Config) Get(key string) (interface{}, error) {
	f := func(v reflect.Value, key string) (interface{}, error) {
		return v.Interface(), nil
	}

	return cfg.traverseConfig(key, f)
}
