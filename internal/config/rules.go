package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aranea-iot/schcgw/internal/core"
	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/schc/bitio"
)

// DeviceProfile is one device's SCHC fragmentation profile from the
// rules file. The wire-layout parameters must match the peer's build.
type DeviceProfile struct {
	Name     string       `yaml:"name"`
	DeviceID uint32       `yaml:"device_id"`
	RuleID   uint32       `yaml:"rule_id"`
	Dtag     uint32       `yaml:"dtag"`
	Params   ParamsConfig `yaml:"params"`
}

// ParamsConfig mirrors schc.Params in YAML; zero fields fall back to
// the defaults so a minimal profile only names what it changes.
type ParamsConfig struct {
	RuleSizeBits   int  `yaml:"rule_size_bits"`
	DtagSizeBits   int  `yaml:"dtag_size_bits"`
	WindowSizeBits int  `yaml:"window_size_bits"`
	FcnSizeBits    int  `yaml:"fcn_size_bits"`
	MicSizeBytes   int  `yaml:"mic_size_bytes"`
	MaxWindFcn     int  `yaml:"max_wind_fcn"`
	MaxMTULength   int  `yaml:"max_mtu_length"`
	RxConns        int  `yaml:"rx_conns"`
	FragPos        int  `yaml:"frag_pos"`
	CompressBitmap bool `yaml:"compress_bitmap"`
}

type rulesFile struct {
	Devices []DeviceProfile `yaml:"devices"`
}

// ToParams merges the profile over the defaults.
func (p ParamsConfig) ToParams() schc.Params {
	out := schc.DefaultParams()
	if p.RuleSizeBits > 0 {
		out.RuleSizeBits = p.RuleSizeBits
	}
	if p.DtagSizeBits > 0 {
		out.DtagSizeBits = p.DtagSizeBits
	}
	if p.WindowSizeBits > 0 {
		out.WindowSizeBits = p.WindowSizeBits
	}
	if p.FcnSizeBits > 0 {
		out.FcnSizeBits = p.FcnSizeBits
	}
	if p.MicSizeBytes > 0 {
		out.MicSizeBytes = p.MicSizeBytes
	}
	if p.MaxWindFcn > 0 {
		out.MaxWindFcn = p.MaxWindFcn
	}
	if p.MaxMTULength > 0 {
		out.MaxMTULength = p.MaxMTULength
	}
	if p.RxConns > 0 {
		out.RxConns = p.RxConns
	}
	if p.FragPos > 0 {
		out.FragPos = p.FragPos
	}
	out.CompressBitmap = p.CompressBitmap
	return out
}

// RuleBytes renders the profile's rule id into the byte form the
// fragmenter takes, left-aligned over RuleSizeBits.
func (d DeviceProfile) RuleBytes(params schc.Params) []byte {
	buf := make([]byte, params.RuleSizeBytes())
	bitio.WriteUint(buf, 0, params.RuleSizeBits, d.RuleID)
	return buf
}

// LoadRules reads the device profiles from path, resolving a relative
// path under dataDir.
func LoadRules(dataDir, path string) (map[uint32]DeviceProfile, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(dataDir, path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading rules: %v", core.ErrConfigInvalid, err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing rules: %v", core.ErrConfigInvalid, err)
	}

	profiles := make(map[uint32]DeviceProfile, len(f.Devices))
	for i, d := range f.Devices {
		if d.DeviceID == 0 {
			return nil, fmt.Errorf("%w: device %d (%q): device_id must be non-zero", core.ErrConfigInvalid, i, d.Name)
		}
		if _, dup := profiles[d.DeviceID]; dup {
			return nil, fmt.Errorf("%w: duplicate device_id %d", core.ErrConfigInvalid, d.DeviceID)
		}
		params := d.Params.ToParams()
		if err := params.Validate(); err != nil {
			return nil, fmt.Errorf("%w: device %d (%q): %v", core.ErrConfigInvalid, d.DeviceID, d.Name, err)
		}
		if d.RuleID >= 1<<uint(params.RuleSizeBits) {
			return nil, fmt.Errorf("%w: device %d (%q): rule_id %d does not fit in %d bits",
				core.ErrConfigInvalid, d.DeviceID, d.Name, d.RuleID, params.RuleSizeBits)
		}
		profiles[d.DeviceID] = d
	}
	return profiles, nil
}
