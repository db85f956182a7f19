// Package rtpconfig реализует фасад конфигурации (§4.11, компонент K):
// типизированное хранилище свойств с тремя слоями (неизменяемые defaults,
// мутабельный store, defaults-файл; Get ищет ключ в порядке store →
// defaults-файл → defaults), событиями veto/changed и стратегией
// персистентности.
//
// Грунтовано на слоистом паттерне teacher'а *Config/Default*Config
// (pkg/rtp/session_manager.go: SessionManagerConfig/DefaultSessionManagerConfig)
// и на facebook-time/ptp/ptp4u/server/config.go (gopkg.in/yaml.v2 для
// defaults-файла, StaticConfig/DynamicConfig как прообраз immutable/mutable
// расслоения). Слежение за изменением файла — через github.com/fsnotify/fsnotify
// (как в other_examples/ausocean-av), что приводит в действие changed-listener
// путь без опроса.
package rtpconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "gopkg.in/yaml.v2"
)

// Env surface читаемый при старте (§6).
const (
	EnvConfigFileName            = "CONFIG_FILE_NAME"
	EnvConfigFileIsReadOnly       = "CONFIG_FILE_IS_READ_ONLY"
	EnvSCHomeDirLocation          = "SC_HOME_DIR_LOCATION"
	EnvSCHomeDirName              = "SC_HOME_DIR_NAME"
	EnvDisableNackTermination     = "DISABLE_NACK_TERMINATION"
	EnvRemoveRTPHeaderExtensions  = "REMOVE_RTP_HEADER_EXTENSIONS"
	EnvFECBufSize                 = "FEC_BUF_SIZE"
	EnvMediaBufSize               = "MEDIA_BUF_SIZE"
)

// DefaultHomeDirName — имя домашней директории по умолчанию (§6: "Default
// name = .sip-communicator").
const DefaultHomeDirName = ".sip-communicator"

// VetoListener проверяет предстоящее изменение key: oldValue/newValue равны
// nil, если ключ отсутствует/удаляется. Возврат ошибки отменяет мутацию.
type VetoListener func(key string, oldValue, newValue *string) error

// ChangeListener уведомляется после успешного коммита.
type ChangeListener func(key string, oldValue, newValue *string)

// Config — типизированный фасад свойств (§4.11).
type Config struct {
	mu sync.RWMutex

	defaults     map[string]string // immutable, заданы при создании
	fileDefaults map[string]string // загружены из defaults-файла
	store        map[string]string // мутабельный верхний слой

	// immutableFile — ключи fileDefaults, отмеченные ведущей "*" в
	// properties-файле (§6: "optional leading * on a key marking that
	// default as immutable"). Set() отклоняет изменение таких ключей.
	immutableFile map[string]bool

	systemKeys map[string]bool

	vetoListeners   map[string][]VetoListener
	changeListeners map[string][]ChangeListener

	path     string // путь к defaults-файлу, "" если не настроен
	format   fileFormat
	readOnly bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type fileFormat int

const (
	formatProperties fileFormat = iota
	formatYAML
)

// New создаёт фасад с заданными immutable defaults. Defaults не могут быть
// удалены через Set(key, nil) — запись null лишь снимает верхний слой, после
// чего чтение снова находит значение из defaults (§4.11: "immutable defaults
// re-surface on the next read").
func New(defaults map[string]string) *Config {
	d := make(map[string]string, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Config{
		defaults:        d,
		fileDefaults:    map[string]string{},
		store:           map[string]string{},
		immutableFile:   map[string]bool{},
		systemKeys:      map[string]bool{},
		vetoListeners:   map[string][]VetoListener{},
		changeListeners: map[string][]ChangeListener{},
	}
}

// DefaultRelayConfig возвращает immutable defaults, соответствующие env
// surface §6.
func DefaultRelayConfig() map[string]string {
	return map[string]string{
		EnvConfigFileName:           "rtprelay.properties",
		EnvConfigFileIsReadOnly:     "false",
		EnvSCHomeDirName:            DefaultHomeDirName,
		EnvDisableNackTermination:   "false",
		EnvRemoveRTPHeaderExtensions: "false",
		EnvFECBufSize:               "32",
		EnvMediaBufSize:             "64",
	}
}

// NewFromEnvironment строит фасад с DefaultRelayConfig() как immutable
// defaults, затем для любого присутствующего в окружении ключа из env
// surface делает его system property и Set()'ит текущее значение (§6).
func NewFromEnvironment() *Config {
	c := New(DefaultRelayConfig())
	for key := range DefaultRelayConfig() {
		c.MarkSystemProperty(key)
		if v, ok := os.LookupEnv(key); ok {
			val := v
			_ = c.Set(key, &val)
		}
	}
	return c
}

// HomeDir вычисляет домашнюю директорию по SC_HOME_DIR_LOCATION/SC_HOME_DIR_NAME
// (§6).
func HomeDir() string {
	name := os.Getenv(EnvSCHomeDirName)
	if name == "" {
		name = DefaultHomeDirName
	}
	if loc := os.Getenv(EnvSCHomeDirLocation); loc != "" {
		return filepath.Join(loc, name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, name)
}

// Get читает значение по three-layer lookup: store → fileDefaults → defaults.
func (c *Config) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.store[key]; ok {
		return v, true
	}
	if v, ok := c.fileDefaults[key]; ok {
		return v, true
	}
	v, ok := c.defaults[key]
	return v, ok
}

// GetBool, GetInt, GetDuration — типизированные обёртки над Get.
func (c *Config) GetBool(key string, fallback bool) bool {
	v, ok := c.Get(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func (c *Config) GetInt(key string, fallback int) int {
	v, ok := c.Get(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (c *Config) GetDuration(key string, fallback time.Duration) time.Duration {
	v, ok := c.Get(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// MarkSystemProperty помечает key как системное: последующие успешные Set
// дополнительно зеркалятся в os.Setenv (§4.11: "a key marked system also
// mirrors into the process environment").
func (c *Config) MarkSystemProperty(key string) {
	c.mu.Lock()
	c.systemKeys[key] = true
	c.mu.Unlock()
}

// AddVetoListener/AddChangeListener регистрируют слушателей для key.
func (c *Config) AddVetoListener(key string, l VetoListener) {
	c.mu.Lock()
	c.vetoListeners[key] = append(c.vetoListeners[key], l)
	c.mu.Unlock()
}

func (c *Config) AddChangeListener(key string, l ChangeListener) {
	c.mu.Lock()
	c.changeListeners[key] = append(c.changeListeners[key], l)
	c.mu.Unlock()
}

// Set применяет значение через veto → commit → changed (§4.11). value=nil
// удаляет ключ из мутабельного слоя (defaults re-surface на следующем Get).
func (c *Config) Set(key string, value *string) error {
	old, oldOk := c.Get(key)
	var oldPtr *string
	if oldOk {
		o := old
		oldPtr = &o
	}

	c.mu.RLock()
	immutable := c.immutableFile[key]
	vetoers := append([]VetoListener(nil), c.vetoListeners[key]...)
	c.mu.RUnlock()
	if immutable {
		return fmt.Errorf("rtpconfig: ключ %q помечен immutable в defaults-файле (ведущий *)", key)
	}
	for _, v := range vetoers {
		if err := v(key, oldPtr, value); err != nil {
			return fmt.Errorf("rtpconfig: изменение %q отклонено: %w", key, err)
		}
	}

	c.mu.Lock()
	if value == nil {
		delete(c.store, key)
	} else {
		c.store[key] = *value
	}
	isSystem := c.systemKeys[key]
	readOnly := c.readOnly
	c.mu.Unlock()

	if isSystem {
		if value == nil {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, *value)
		}
	}

	next, nextOk := c.Get(key)
	var nextPtr *string
	if nextOk {
		n := next
		nextPtr = &n
	}

	// Idempotent configuration (§8 п.10): changed fires only if the
	// effective value actually moved.
	if oldOk != nextOk || (oldOk && nextOk && old != next) {
		c.mu.RLock()
		listeners := append([]ChangeListener(nil), c.changeListeners[key]...)
		c.mu.RUnlock()
		for _, l := range listeners {
			l(key, oldPtr, nextPtr)
		}
		if !readOnly && c.path != "" {
			if err := c.persist(); err != nil {
				return fmt.Errorf("rtpconfig: не удалось сохранить %q: %w", c.path, err)
			}
		}
	}
	return nil
}

// LoadDefaultsFile загружает defaults-файл, выбирая формат по расширению
// (§4.11/§6 называют XML-компаньон форматом персистентности наряду с
// key=value; этот фасад реализует key=value и YAML, см. DESIGN.md). .yml/.yaml
// используют yaml.v2, остальное — key=value построчный текст с опциональным
// ведущим "*" на ключе, отмечающим запись как immutable (§6).
func (c *Config) LoadDefaultsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("rtpconfig: чтение %q: %w", path, err)
	}

	var parsed map[string]string
	immutable := map[string]bool{}
	format := formatProperties
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		format = formatYAML
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("rtpconfig: разбор YAML %q: %w", path, err)
		}
	default:
		parsed, immutable = parseProperties(data)
	}

	c.mu.Lock()
	c.path = path
	c.format = format
	c.fileDefaults = parsed
	c.immutableFile = immutable
	c.mu.Unlock()
	return nil
}

// SetReadOnly переключает подавление записи персистентности (env
// CONFIG_FILE_IS_READ_ONLY, §6).
func (c *Config) SetReadOnly(ro bool) {
	c.mu.Lock()
	c.readOnly = ro
	c.mu.Unlock()
}

// parseProperties разбирает key=value построчный текст (§6). Ключ с ведущим
// "*" помечен immutable; звёздочка снимается перед использованием ключа.
func parseProperties(data []byte) (map[string]string, map[string]bool) {
	out := map[string]string{}
	immutable := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		isImmutable := strings.HasPrefix(key, "*")
		if isImmutable {
			key = strings.TrimSpace(strings.TrimPrefix(key, "*"))
		}
		out[key] = strings.TrimSpace(line[idx+1:])
		if isImmutable {
			immutable[key] = true
		}
	}
	return out, immutable
}

// formatProps сериализует m в key=value построчный текст, восстанавливая
// ведущий "*" для ключей из immutable (round-trip §6).
func formatProps(m map[string]string, immutable map[string]bool) []byte {
	var b strings.Builder
	for k, v := range m {
		if immutable[k] {
			b.WriteByte('*')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// persist пишет в c.path содержимое defaults-файла, поверх которого наложен
// мутабельный слой, в том же формате, в котором файл был загружен (YAML
// остаётся YAML, key=value — key=value с ведущими "*"). Смены формата при
// записи нет.
func (c *Config) persist() error {
	c.mu.RLock()
	path := c.path
	merged := make(map[string]string, len(c.fileDefaults)+len(c.store))
	for k, v := range c.fileDefaults {
		merged[k] = v
	}
	for k, v := range c.store {
		merged[k] = v
	}
	immutable := make(map[string]bool, len(c.immutableFile))
	for k, v := range c.immutableFile {
		immutable[k] = v
	}
	format := c.format
	c.mu.RUnlock()

	if path == "" {
		return nil
	}

	var data []byte
	var err error
	if format == formatYAML {
		data, err = yaml.Marshal(merged)
	} else {
		data = formatProps(merged, immutable)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// WatchFile запускает fsnotify-наблюдатель за defaults-файлом: запись на
// диске перезагружает fileDefaults и генерирует changed-события для каждого
// ключа, чьё значение в defaults-файле изменилось (перекрытие ключа в
// мутабельном слое при этом не учитывается).
func (c *Config) WatchFile() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("rtpconfig: WatchFile вызван до LoadDefaultsFile")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rtpconfig: fsnotify.NewWatcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("rtpconfig: watch %q: %w", path, err)
	}

	c.mu.Lock()
	c.watcher = w
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.watchLoop(w, path)
	return nil
}

func (c *Config) watchLoop(w *fsnotify.Watcher, path string) {
	base := filepath.Base(path)
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c.reload(path)
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (c *Config) reload(path string) {
	c.mu.RLock()
	before := c.fileDefaults
	c.mu.RUnlock()

	if err := c.LoadDefaultsFile(path); err != nil {
		return
	}

	c.mu.RLock()
	after := c.fileDefaults
	c.mu.RUnlock()

	changed := map[string]bool{}
	for k := range before {
		changed[k] = true
	}
	for k := range after {
		changed[k] = true
	}
	for k := range changed {
		if before[k] == after[k] {
			continue
		}
		old, oldOk := before[k]
		next, nextOk := after[k]
		var oldPtr, nextPtr *string
		if oldOk {
			oldPtr = &old
		}
		if nextOk {
			nextPtr = &next
		}
		c.mu.RLock()
		listeners := append([]ChangeListener(nil), c.changeListeners[k]...)
		c.mu.RUnlock()
		for _, l := range listeners {
			l(k, oldPtr, nextPtr)
		}
	}
}

// Close останавливает файловый наблюдатель, если он был запущен.
func (c *Config) Close() error {
	c.mu.Lock()
	w := c.watcher
	done := c.done
	c.watcher = nil
	c.mu.Unlock()
	if done != nil {
		close(done)
	}
	if w != nil {
		return w.Close()
	}
	return nil
}
