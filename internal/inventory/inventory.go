// Package inventory loads the device, group and script definitions from a YAML file
// and mirrors them into the store.
package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"taskfleet/internal/core"
)

// File is the on-disk inventory document.
type File struct {
	Devices []DeviceSpec `yaml:"devices"`
	Groups  []GroupSpec  `yaml:"groups"`
	Scripts []ScriptSpec `yaml:"scripts"`

	hash uint64
}

type DeviceSpec struct {
	Name            string `yaml:"name"`
	IPAddress       string `yaml:"ip_address"`
	Vendor          string `yaml:"vendor"`
	OperatingSystem string `yaml:"operating_system"`
	OSVersion       string `yaml:"os_version"`
	Description     string `yaml:"description"`
}

type GroupSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Members     []string `yaml:"members"`
}

type ScriptSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Parallel    bool   `yaml:"parallel"`
	// Command is a text/template rendered with the task and, for parallel scripts, the device.
	Command  string `yaml:"command"`
	TimeoutS *int   `yaml:"timeout_s"`
}

// Writer is the part of the store Sync writes through.
type Writer interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	UpsertDevice(ctx context.Context, d core.Device) error
	UpsertGroup(ctx context.Context, g core.Group) error
	UpsertScript(ctx context.Context, s core.Script) error
	PruneDevices(ctx context.Context, keep []string) (int64, error)
	PruneGroups(ctx context.Context, keep []string) (int64, error)
	PruneScripts(ctx context.Context, keep []string) (int64, error)
}

// Summary counts what a Sync wrote and removed.
type Summary struct {
	Devices int
	Groups  int
	Scripts int
	Pruned  int64
}

// Load reads and validates the inventory file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates an inventory document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	f.hash = h.Sum64()
	return &f, nil
}

func (f *File) validate() error {
	devices := make(map[string]struct{}, len(f.Devices))
	for i := range f.Devices {
		d := &f.Devices[i]
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if _, dup := devices[d.Name]; dup {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d.Name)
		}
		devices[d.Name] = struct{}{}
	}
	groups := make(map[string]struct{}, len(f.Groups))
	for i := range f.Groups {
		g := &f.Groups[i]
		g.Name = strings.TrimSpace(g.Name)
		if g.Name == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if _, dup := groups[g.Name]; dup {
			return fmt.Errorf("groups[%d]: duplicate group %q", i, g.Name)
		}
		groups[g.Name] = struct{}{}
		for _, member := range g.Members {
			if _, ok := devices[member]; !ok {
				return fmt.Errorf("group %q: unknown device %q", g.Name, member)
			}
		}
	}
	scripts := make(map[string]struct{}, len(f.Scripts))
	for i := range f.Scripts {
		s := &f.Scripts[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return fmt.Errorf("scripts[%d]: name is required", i)
		}
		if _, dup := scripts[s.Name]; dup {
			return fmt.Errorf("scripts[%d]: duplicate script %q", i, s.Name)
		}
		scripts[s.Name] = struct{}{}
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("script %q: command is required", s.Name)
		}
		if s.TimeoutS != nil && *s.TimeoutS < 0 {
			return fmt.Errorf("script %q: timeout_s must be non-negative", s.Name)
		}
	}
	return nil
}

// Sync mirrors f into the store in one transaction: every listed entry is upserted by
// name and entries no longer listed are removed.
func Sync(ctx context.Context, w Writer, f *File) (Summary, error) {
	var sum Summary
	err := w.InTx(ctx, func(ctx context.Context) error {
		deviceNames := make([]string, 0, len(f.Devices))
		for _, d := range f.Devices {
			if err := w.UpsertDevice(ctx, core.Device{
				Name:            d.Name,
				IPAddress:       d.IPAddress,
				Vendor:          d.Vendor,
				OperatingSystem: d.OperatingSystem,
				OSVersion:       d.OSVersion,
				Description:     d.Description,
			}); err != nil {
				return err
			}
			deviceNames = append(deviceNames, d.Name)
		}
		n, err := w.PruneDevices(ctx, deviceNames)
		if err != nil {
			return err
		}
		sum.Pruned += n

		groupNames := make([]string, 0, len(f.Groups))
		for _, g := range f.Groups {
			if err := w.UpsertGroup(ctx, core.Group{Name: g.Name, Description: g.Description, Members: g.Members}); err != nil {
				return err
			}
			groupNames = append(groupNames, g.Name)
		}
		if n, err = w.PruneGroups(ctx, groupNames); err != nil {
			return err
		}
		sum.Pruned += n

		scriptNames := make([]string, 0, len(f.Scripts))
		for _, s := range f.Scripts {
			if err := w.UpsertScript(ctx, core.Script{
				Name:           s.Name,
				Description:    s.Description,
				Parallel:       s.Parallel,
				Command:        s.Command,
				TimeoutSeconds: s.TimeoutS,
			}); err != nil {
				return err
			}
			scriptNames = append(scriptNames, s.Name)
		}
		if n, err = w.PruneScripts(ctx, scriptNames); err != nil {
			return err
		}
		sum.Pruned += n
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("sync inventory: %w", err)
	}
	sum.Devices, sum.Groups, sum.Scripts = len(f.Devices), len(f.Groups), len(f.Scripts)
	return sum, nil
}
