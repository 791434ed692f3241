// Package plan defines the staged relaxation plans an operator walks
// through when isolating a Defender performance problem. Each plan is an
// ordered batch of Set-MpPreference changes; the stages move from the
// cheapest suspects (cloud-delivered protection) toward the invasive ones
// (real-time engines), and a restore plan puts the hardened baseline back.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/osiriscare/mptriage/internal/batch"
)

// Plan is a named, ordered batch of setting changes.
type Plan struct {
	Name        string
	Description string
	Changes     []batch.SettingChange
}

// Builtin returns the built-in plans in triage order.
func Builtin() []Plan {
	return []Plan{
		{
			Name:        "cloud",
			Description: "Step 1: relax cloud-delivered protection and PUA blocking",
			Changes: []batch.SettingChange{
				{Name: "CloudBlockLevel", Value: batch.IntValue(0)},
				{Name: "CloudExtendedTimeout", Value: batch.IntValue(0)},
				{Name: "EnableNetworkProtection", Value: batch.IntValue(0)},
				{Name: "PUAProtection", Value: batch.EnumValue("Disabled")},
			},
		},
		{
			Name:        "scanning",
			Description: "Step 2: relax scheduled and on-demand scan behavior",
			Changes: []batch.SettingChange{
				{Name: "DisableScanningNetworkFiles", Value: batch.BoolValue(true)},
				{Name: "DisableArchiveScanning", Value: batch.BoolValue(true)},
				{Name: "DisableEmailScanning", Value: batch.BoolValue(true)},
				{Name: "DisableCatchupFullScan", Value: batch.BoolValue(true)},
				{Name: "DisableCatchupQuickScan", Value: batch.BoolValue(true)},
				{Name: "ScanAvgCPULoadFactor", Value: batch.IntValue(20)},
			},
		},
		{
			Name:        "realtime",
			Description: "Step 3: relax real-time engines (last resort before escalating)",
			Changes: []batch.SettingChange{
				{Name: "DisableBehaviorMonitoring", Value: batch.BoolValue(true)},
				{Name: "DisableScriptScanning", Value: batch.BoolValue(true)},
				{Name: "DisableIOAVProtection", Value: batch.BoolValue(true)},
				{Name: "DisableRemovableDriveScanning", Value: batch.BoolValue(true)},
			},
		},
		{
			Name:        "restore",
			Description: "Re-apply the hardened baseline after triage",
			Changes: []batch.SettingChange{
				{Name: "CloudBlockLevel", Value: batch.IntValue(2)},
				{Name: "CloudExtendedTimeout", Value: batch.IntValue(50)},
				{Name: "EnableNetworkProtection", Value: batch.IntValue(1)},
				{Name: "PUAProtection", Value: batch.EnumValue("Enabled")},
				{Name: "DisableScanningNetworkFiles", Value: batch.BoolValue(false)},
				{Name: "DisableArchiveScanning", Value: batch.BoolValue(false)},
				{Name: "DisableEmailScanning", Value: batch.BoolValue(false)},
				{Name: "DisableCatchupFullScan", Value: batch.BoolValue(false)},
				{Name: "DisableCatchupQuickScan", Value: batch.BoolValue(false)},
				{Name: "ScanAvgCPULoadFactor", Value: batch.IntValue(50)},
				{Name: "DisableBehaviorMonitoring", Value: batch.BoolValue(false)},
				{Name: "DisableScriptScanning", Value: batch.BoolValue(false)},
				{Name: "DisableIOAVProtection", Value: batch.BoolValue(false)},
				{Name: "DisableRemovableDriveScanning", Value: batch.BoolValue(false)},
			},
		},
	}
}

// yamlPlan is the on-disk shape of a custom plan.
type yamlPlan struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Changes     []struct {
		Name  string      `yaml:"name"`
		Value interface{} `yaml:"value"`
	} `yaml:"changes"`
}

// LoadFile parses and validates one custom plan from YAML.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var yp yamlPlan
	if err := yaml.Unmarshal(data, &yp); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}

	if yp.Name == "" {
		return nil, fmt.Errorf("plan %s: name is required", path)
	}
	if len(yp.Changes) == 0 {
		return nil, fmt.Errorf("plan %s: at least one change is required", path)
	}

	p := &Plan{Name: yp.Name, Description: yp.Description}
	for i, c := range yp.Changes {
		if c.Name == "" {
			return nil, fmt.Errorf("plan %s: change %d has an empty name", path, i)
		}
		v, err := toValue(c.Value)
		if err != nil {
			return nil, fmt.Errorf("plan %s: change %s: %w", path, c.Name, err)
		}
		p.Changes = append(p.Changes, batch.SettingChange{Name: c.Name, Value: v})
	}
	return p, nil
}

// LoadDir loads every *.yaml plan in dir. A missing dir is not an error;
// most installs only use the built-ins.
func LoadDir(dir string) ([]Plan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plans dir: %w", err)
	}

	var plans []Plan
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		p, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, nil
}

// Lookup resolves a plan by name: custom plans in dir shadow built-ins.
func Lookup(name, dir string) (*Plan, error) {
	custom, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	for i := range custom {
		if custom[i].Name == name {
			return &custom[i], nil
		}
	}
	for _, p := range Builtin() {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("unknown plan %q", name)
}

// All returns built-in plans plus custom plans from dir, custom last.
func All(dir string) ([]Plan, error) {
	custom, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return append(Builtin(), custom...), nil
}

// SettingNames returns the sorted union of setting names across plans.
// The baseline capture reads exactly this set.
func SettingNames(plans []Plan) []string {
	seen := make(map[string]bool)
	for _, p := range plans {
		for _, c := range p.Changes {
			seen[c.Name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// toValue maps a decoded YAML scalar onto the tagged value union.
func toValue(raw interface{}) (batch.Value, error) {
	switch t := raw.(type) {
	case int:
		return batch.IntValue(t), nil
	case bool:
		return batch.BoolValue(t), nil
	case string:
		if t == "" {
			return batch.Value{}, fmt.Errorf("value must not be empty")
		}
		return batch.EnumValue(t), nil
	case nil:
		return batch.Value{}, fmt.Errorf("value is required")
	default:
		return batch.Value{}, fmt.Errorf("unsupported value type %T (want integer, boolean, or string)", raw)
	}
}
