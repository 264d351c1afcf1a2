package model

import (
	"io"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Log destinations.
const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int        `json:"version"` // fixed 0 for now
	Workspace Workspace  `json:"workspace"`
	Execution Execution  `json:"execution"`
	Store     StoreCfg   `json:"store"`
	Metric    Metric     `json:"metric"`
	Assets    []AssetCfg `json:"assets,omitempty"`
	Verbose   bool       `json:"verbose"`
	Log       string     `json:"log"` // "stderr"|"stdout"|"discard"
}

// Workspace holds the directory layout. Log and workfile directories
// default under Root.
type Workspace struct {
	Root        string  `json:"root"`
	LogDir      *string `json:"log_dir,omitempty"`
	WorkfileDir *string `json:"workfile_dir,omitempty"`
}

func (w Workspace) Logs() string {
	if w.LogDir != nil {
		return *w.LogDir
	}
	return filepath.Join(w.Root, "logs")
}

func (w Workspace) Workfiles() string {
	if w.WorkfileDir != nil {
		return *w.WorkfileDir
	}
	return filepath.Join(w.Root, "workfiles")
}

// Execution settings of the batch driver.
type Execution struct {
	FifoMode      bool    `json:"fifo_mode"`
	DeleteWorkdir bool    `json:"delete_workdir"`
	Parallel      bool    `json:"parallel"`
	Workers       int     `json:"workers"`
	Timeout       *string `json:"timeout,omitempty"` // Go duration, per job
}

// JobTimeout parses the per-job timeout, zero when unset.
func (e Execution) JobTimeout() (time.Duration, error) {
	if e.Timeout == nil {
		return 0, nil
	}
	return time.ParseDuration(*e.Timeout)
}

// StoreCfg configures the persistent result store. Disabled means
// every job runs uncached.
type StoreCfg struct {
	Enabled bool    `json:"enabled"`
	Path    *string `json:"path,omitempty"`
}

func (s StoreCfg) DBPath(w Workspace) string {
	if s.Path != nil {
		return *s.Path
	}
	return filepath.Join(w.Root, "results.db")
}

// Metric describes the external quality-metric command and its
// identity tags.
type Metric struct {
	Type    string   `json:"type"`
	Version string   `json:"version"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// AssetCfg is one asset entry of the config file. Ref/dis dimensions
// default to the quality dimensions.
type AssetCfg struct {
	Dataset   string `json:"dataset"`
	ContentID int    `json:"content_id"`
	AssetID   int    `json:"asset_id"`
	RefPath   string `json:"ref_path"`
	DisPath   string `json:"dis_path"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`

	RefWidth  *int `json:"ref_width,omitempty"`
	RefHeight *int `json:"ref_height,omitempty"`
	DisWidth  *int `json:"dis_width,omitempty"`
	DisHeight *int `json:"dis_height,omitempty"`
}

// Asset converts the config entry into a model.Asset. Workfile paths
// are left empty, the caller allocates them under its workfile root.
func (a AssetCfg) Asset() Asset {
	wh := WH{Width: a.Width, Height: a.Height}
	asset := Asset{
		ID: AssetID{
			Dataset:   a.Dataset,
			ContentID: a.ContentID,
			AssetID:   a.AssetID,
		},
		RefPath:   a.RefPath,
		DisPath:   a.DisPath,
		QualityWH: wh,
		RefWH:     wh,
		DisWH:     wh,
	}
	if a.RefWidth != nil {
		asset.RefWH.Width = *a.RefWidth
	}
	if a.RefHeight != nil {
		asset.RefWH.Height = *a.RefHeight
	}
	if a.DisWidth != nil {
		asset.DisWH.Width = *a.DisWidth
	}
	if a.DisHeight != nil {
		asset.DisWH.Height = *a.DisHeight
	}
	return asset
}

// LoadConfig validates YAML from r against the embedded CUE schema and
// decodes it into Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}
