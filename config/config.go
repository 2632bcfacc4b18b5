package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// C is a loaded configuration. Keys are addressed with dots, nic.ip is the ip
// key of the nic map.
type C struct {
	path        string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, a single file or a directory of yaml files. Files in a
// directory are merged in lexical order, later files win and lists are
// appended.
func (c *C) Load(path string) error {
	raw, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}

	m, err := merge(raw)
	if err != nil {
		return err
	}

	c.path = path
	c.Settings = m
	return nil
}

// LoadString loads one or more yaml documents given as strings, merged the way
// Load merges files.
func (c *C) LoadString(raw ...string) error {
	if len(raw) == 0 || (len(raw) == 1 && raw[0] == "") {
		return errors.New("empty configuration")
	}

	m, err := merge(raw)
	if err != nil {
		return err
	}

	c.Settings = m
	return nil
}

// RegisterReloadCallback stores a function to be called after every reload.
// Callbacks decide for themselves whether anything they care about changed,
// HasChanged helps with that. They must return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true until the first reload.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the value under k differs between the settings
// before and after the last reload. The values are compared serialized, so a
// reordered map counts as a change. An empty k compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load whenever the process
// receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig re-reads the path given to Load and runs the reload callbacks.
// A config that fails to load is logged and the current settings are kept.
func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := c.snapshot()
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}

	c.oldSettings = old
	c.runCallbacks()
}

// ReloadConfigString is ReloadConfig for configs given as strings.
func (c *C) ReloadConfigString(raw ...string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := c.snapshot()
	if err := c.LoadString(raw...); err != nil {
		return err
	}

	c.oldSettings = old
	c.runCallbacks()
	return nil
}

func (c *C) snapshot() map[string]any {
	m := make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		m[k] = v
	}
	return m
}

func (c *C) runCallbacks() {
	for _, f := range c.callbacks {
		f(c)
	}
}

// GetString returns the value of k formatted as a string, or d if k is unset.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetStringSlice returns the list under k as strings, or d if k is unset or not
// a list.
func (c *C) GetStringSlice(k string, d []string) []string {
	rv, ok := c.Get(k).([]any)
	if !ok {
		return d
	}

	v := make([]string, len(rv))
	for i := range rv {
		v[i] = fmt.Sprintf("%v", rv[i])
	}

	return v
}

// GetInt returns k as an int, or d if unset or invalid. Strings may carry a 0x,
// 0o or 0b prefix.
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, "")
	if r == "" {
		return d
	}

	v, err := strconv.ParseInt(r, 0, strconv.IntSize)
	if err != nil {
		return d
	}

	return int(v)
}

// GetUint32 returns k as a uint32, or d if unset, invalid or out of range.
func (c *C) GetUint32(k string, d uint32) uint32 {
	return getUnsigned(c, k, d, math.MaxUint32)
}

// GetUint16 returns k as a uint16, or d if unset, invalid or out of range.
func (c *C) GetUint16(k string, d uint16) uint16 {
	return getUnsigned(c, k, d, math.MaxUint16)
}

// GetUint8 returns k as a uint8, or d if unset, invalid or out of range.
func (c *C) GetUint8(k string, d uint8) uint8 {
	return getUnsigned(c, k, d, math.MaxUint8)
}

func getUnsigned[T uint8 | uint16 | uint32](c *C, k string, d T, limit uint64) T {
	r := c.GetInt(k, -1)
	if r < 0 || uint64(r) > limit {
		return d
	}
	return T(r)
}

// GetBool returns k as a bool, or d if unset or invalid. y, yes, n and no are
// accepted in any case.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, strconv.FormatBool(d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

// AsBool interprets a value from a map or list the way GetBool does. ok is
// false when v is not a recognizable bool.
func AsBool(v any) (value bool, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(x) {
		case "y", "yes", "true":
			return true, true
		case "n", "no", "false":
			return false, true
		}
	}

	return false, false
}

// GetDuration returns k parsed by time.ParseDuration, or d if unset or invalid.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// GetAddr returns k as an IP address. Unlike the other getters a value that is
// present but invalid is an error, so that a typo does not silently become the
// default.
func (c *C) GetAddr(k string, d netip.Addr) (netip.Addr, error) {
	r := c.GetString(k, "")
	if r == "" {
		return d, nil
	}

	v, err := netip.ParseAddr(r)
	if err != nil {
		return d, fmt.Errorf("%s: %w", k, err)
	}
	return v, nil
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}

func merge(raw []string) (map[string]any, error) {
	var m map[string]any

	for _, r := range raw {
		var nm map[string]any
		if err := yaml.Unmarshal([]byte(r), &nm); err != nil {
			return nil, err
		}
		if nm == nil {
			nm = make(map[string]any)
		}

		// Lists from separate files are appended, sim.peers may be split up
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, err
		}
		m = nm
	}

	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}
