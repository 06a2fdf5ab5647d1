package scsicfg

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceType is the kind of SCSI device a target emulates.
type DeviceType uint8

const (
	DeviceFixed DeviceType = iota
	DeviceRemovable
	DeviceOptical
	DeviceFloppy
)

var deviceTypeNames = map[DeviceType]string{
	DeviceFixed:     "fixed",
	DeviceRemovable: "removable",
	DeviceOptical:   "optical",
	DeviceFloppy:    "floppy",
}

func (t DeviceType) String() string {
	if s, ok := deviceTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type_%d", uint8(t))
}

// ParseDeviceType accepts a name or a decimal number.
func ParseDeviceType(s string) (DeviceType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range deviceTypeNames {
		if name == s {
			return t, nil
		}
	}
	var n uint8
	if _, err := fmt.Sscanf(strings.TrimPrefix(s, "type_"), "%d", &n); err != nil {
		return 0, fmt.Errorf("unknown device type %q", s)
	}
	return DeviceType(n), nil
}

func (t DeviceType) MarshalYAML() (any, error) { return t.String(), nil }

func (t *DeviceType) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDeviceType(node.Value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
