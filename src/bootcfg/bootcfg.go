// Package bootcfg reads the kernel's boot parameter file.
package bootcfg

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// / Bootcfg_t is the set of parameters the kernel accepts at boot.
type Bootcfg_t struct {
	// frames in the user pool
	Userpages int `yaml:"user_pages"`
	// command line of the init process
	Init string `yaml:"init"`
	// extra free sectors appended to the boot image device
	Freesectors int `yaml:"free_sectors"`
	// sectors held by the block cache
	Cachesectors int `yaml:"cache_sectors"`
}

// / Mkdefault returns the boot parameters used when no configuration
// / file is present.
func Mkdefault() *Bootcfg_t {
	return &Bootcfg_t{
		Userpages:    1024,
		Init:         "init",
		Freesectors:  2048,
		Cachesectors: 64,
	}
}

// / Parse decodes boot parameters from YAML, filling defaults for
// / fields the file omits.
func Parse(data []byte) (*Bootcfg_t, error) {
	cfg := Mkdefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "bootcfg: parse")
	}
	if cfg.Userpages <= 0 {
		return nil, errors.Errorf("bootcfg: bad user_pages %v", cfg.Userpages)
	}
	return cfg, nil
}

// / Load reads and parses the boot parameter file at path. A missing
// / file yields the defaults.
func Load(path string) (*Bootcfg_t, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Mkdefault(), nil
		}
		return nil, errors.Wrap(err, "bootcfg: read")
	}
	return Parse(data)
}
