package spooler

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InputFileConfig is one watched glob and the partition its files go to.
type InputFileConfig struct {
	Glob       string   `yaml:"glob"`
	Partition  *int64   `yaml:"partition"`
	ErrorDir   string   `yaml:"error_dir"`
	Extensions []string `yaml:"extensions"`
}

// FilesConfig accepts either:
//  1. mapping form (preferred), keyed by partition id, "none" for no partition:
//     files:
//     12:   /srv/inbox/finance/*.pdf
//     none: {glob: /srv/inbox/**/*, error_dir: /srv/inbox-errors}
//  2. list form:
//     files:
//     - glob: /srv/inbox/finance/*.pdf
//     partition: 12
type FilesConfig struct {
	Items []InputFileConfig
}

func (f *FilesConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]InputFileConfig, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := value.Content[i]
			v := value.Content[i+1]
			partition, err := parsePartitionKey(k.Value)
			if err != nil {
				return fmt.Errorf("line %d: %w", k.Line, err)
			}

			var item InputFileConfig
			switch v.Kind {
			case yaml.ScalarNode:
				item.Glob = v.Value
			case yaml.MappingNode:
				if err := v.Decode(&item); err != nil {
					return err
				}
			default:
				return fmt.Errorf("line %d: files.%s must be a glob or a mapping", v.Line, k.Value)
			}
			item.Glob = strings.TrimSpace(item.Glob)
			if item.Glob == "" {
				continue
			}
			item.Partition = partition
			items = append(items, item)
		}
		f.Items = items
		return nil
	case yaml.SequenceNode:
		var items []InputFileConfig
		if err := value.Decode(&items); err != nil {
			return err
		}
		f.Items = items
		return nil
	case yaml.ScalarNode:
		if strings.TrimSpace(value.Value) != "" {
			f.Items = []InputFileConfig{{Glob: strings.TrimSpace(value.Value)}}
		}
		return nil
	default:
		return nil
	}
}

func parsePartitionKey(key string) (*int64, error) {
	key = strings.TrimSpace(key)
	switch strings.ToLower(key) {
	case "", "none", "default", "-":
		return nil, nil
	}
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("partition key %q is neither a positive id nor \"none\"", key)
	}
	return &id, nil
}

type DedupConfig struct {
	RemoteScanPages int           `yaml:"remote_scan_pages"`
	SyncPages       int           `yaml:"sync_pages"`
	PageSize        int           `yaml:"page_size"`
	RemoteTimeout   time.Duration `yaml:"remote_timeout"`
}

type DirectoryConfig struct {
	Files        FilesConfig   `yaml:"files"`
	After        string        `yaml:"after"`
	ProcessedDir string        `yaml:"processed_dir"`
	Timeout      time.Duration `yaml:"timeout"`
	Settle       time.Duration `yaml:"settle"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MailConfig struct {
	Maildir        string        `yaml:"maildir"`
	IncludeCur     bool          `yaml:"include_cur"`
	AllowedSenders []string      `yaml:"allowed_senders"`
	Partition      *int64        `yaml:"partition"`
	BatchSize      int           `yaml:"batch_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type FileConfig struct {
	// Database is the SQLite file holding the hash cache and ingest journal.
	Database    string `yaml:"database"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`

	Remote    MayanConfig     `yaml:"remote"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Directory DirectoryConfig `yaml:"directory"`
	Mail      MailConfig      `yaml:"mail"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Inputs converts the configured files into runner inputs.
func (d DirectoryConfig) Inputs() []InputSpec {
	out := make([]InputSpec, 0, len(d.Files.Items))
	for _, it := range d.Files.Items {
		out = append(out, InputSpec{
			Glob:       it.Glob,
			Partition:  it.Partition,
			ErrorDir:   it.ErrorDir,
			Extensions: it.Extensions,
		})
	}
	return out
}

func (d DedupConfig) Pipeline() PipelineConfig {
	return PipelineConfig{
		RemoteScanPages: d.RemoteScanPages,
		SyncPages:       d.SyncPages,
		PageSize:        d.PageSize,
		RemoteTimeout:   d.RemoteTimeout,
	}
}
