package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

//go:embed default/config.yaml
var defaultConfigData []byte

const (
	ConfigurationName  = "config.yaml"
	HostKeyName        = "host_key"
	AuthorizedKeysName = "authorized_keys"
	RecordingsDirName  = "recordings"
	EventLogName       = "events.log"
)

// Configuration for the shell and its SSH front end, loaded from a
// configuration directory. Zero values mean "use the built-in fallback" for
// everything outside the SSH block.
type Configuration struct {
	configFs afero.Fs

	// PromptTemplate understands \u, \h, \w and \$. Empty selects the
	// built-in colored prompt; the PS1 variable overrides both.
	PromptTemplate string `json:"prompt_template"`

	// HistoryFile is where accepted lines persist. Empty selects
	// ~/.marsh_history.
	HistoryFile string `json:"history_file"`

	// HistoryIndex mirrors executed commands into a SQLite index for
	// structured queries.
	HistoryIndex     bool   `json:"history_index"`
	HistoryIndexFile string `json:"history_index_file"`

	MotdPath string `json:"motd_path"`

	// RcPath is sourced before the first prompt. Empty selects ~/.marshrc.
	RcPath string `json:"rc_path"`

	// Fallbacks for when PATH or SHELL are absent from the environment.
	DefaultPath  string `json:"default_path" validate:"required"`
	DefaultShell string `json:"default_shell" validate:"required"`

	SSH SSH `json:"ssh"`
}

// SSH configures the marsh serve front end.
type SSH struct {
	Addr           string `json:"addr" validate:"required,hostname_port"`
	Banner         string `json:"banner"`
	RecordSessions bool   `json:"record_sessions"`
}

// Validate the configuration for basic semantic errors.
func (c *Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		return name
	})

	return validate.Struct(c)
}

func (c *Configuration) fs() afero.Fs {
	return c.configFs
}

// HostKeyPem returns the bytes of the SSH host key.
func (c *Configuration) HostKeyPem() ([]byte, error) {
	return afero.ReadFile(c.fs(), HostKeyName)
}

// AuthorizedKeysBytes returns the raw authorized_keys contents.
func (c *Configuration) AuthorizedKeysBytes() ([]byte, error) {
	return afero.ReadFile(c.fs(), AuthorizedKeysName)
}

// CreateRecording creates a session recording file with the given name.
func (c *Configuration) CreateRecording(name string) (afero.File, error) {
	return c.fs().Create(filepath.Join(RecordingsDirName, name))
}

// OpenEventLog opens the event log in an append only state.
func (c *Configuration) OpenEventLog() (afero.File, error) {
	return c.fs().OpenFile(EventLogName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// ReadEventLog opens the event log for reading.
func (c *Configuration) ReadEventLog() (afero.File, error) {
	return c.fs().Open(EventLogName)
}

// Defaults returns the built-in configuration. It backs the local shell when
// no configuration directory exists.
func Defaults() *Configuration {
	var out Configuration
	if err := yaml.UnmarshalStrict(defaultConfigData, &out); err != nil {
		panic(err)
	}
	return &out
}
