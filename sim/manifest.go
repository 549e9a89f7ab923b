package sim

import (
	"os"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v3"
)

// Manifest describes a platform's starting state: its address space,
// modules that are resident from the start and modules that can be loaded
// when one of their libraries is requested.
//
//	base: 0x81000000
//	regions:
//	  LoaderTemp: 0xA0000000
//	resident:
//	  - name: SceLibKernel
//	    pinned: true
//	    libraries:
//	      - name: SceLibKernel
//	        nid: 0xCAE9ACE6
//	        functions:
//	          - nid: 0x632980D7
//	catalogue:
//	  - name: SceNet
//	    libraries:
//	      - name: SceNet
//	        functions:
//	          - nid: 0x3B2A9B0E
type Manifest struct {
	Base      uint32            `yaml:"base,omitempty"`
	Limit     uint32            `yaml:"limit,omitempty"`
	Regions   map[string]uint32 `yaml:"regions,omitempty"`
	Resident  []ModuleSpec      `yaml:"resident"`
	Catalogue []ModuleSpec      `yaml:"catalogue"`
}

// Options returns the platform options the manifest sets.
func (m *Manifest) Options() []Option {
	var opts []Option
	if m.Base != 0 {
		opts = append(opts, WithBase(m.Base))
	}
	if m.Limit != 0 {
		opts = append(opts, WithLimit(m.Limit))
	}
	for name, addr := range m.Regions {
		opts = append(opts, WithRegion(name, addr))
	}
	return opts
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "sim: parse manifest")
	}
	seen := make(map[string]bool)
	for _, spec := range append(append([]ModuleSpec(nil), m.Resident...), m.Catalogue...) {
		if spec.Name == "" {
			return nil, errors.New("sim: manifest module has no name")
		}
		if seen[spec.Name] {
			return nil, errors.Errorf("sim: manifest lists module %s twice", spec.Name)
		}
		seen[spec.Name] = true
	}
	if m.Limit != 0 && m.Limit <= m.Base {
		return nil, errors.Errorf("sim: manifest limit 0x%08X is not above base 0x%08X", m.Limit, m.Base)
	}
	return &m, nil
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "sim: read manifest")
	}
	return ParseManifest(data)
}

// Apply installs the resident modules in order and registers the catalogue.
func (m *Manifest) Apply(p *Platform) error {
	for _, spec := range m.Resident {
		if _, err := p.InstallModule(spec); err != nil {
			return err
		}
	}
	for _, spec := range m.Catalogue {
		p.Provide(spec)
	}
	return nil
}
