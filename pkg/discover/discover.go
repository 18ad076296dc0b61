// Package discover provides output formatting for the discover and show
// subcommands.
package discover

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/tphctl/pkg/tph"
	"github.com/Nativu5/tphctl/pkg/types"
)

// Status is the TPH view of one device.
type Status struct {
	Info      *types.DeviceInfo
	Desc      tph.CapabilityDescriptor
	State     tph.ControlState
	Completer tph.RequestType
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

func stTable(desc tph.CapabilityDescriptor) string {
	if desc.Location == tph.LocationCapTable {
		return fmt.Sprintf("%s (%d)", desc.Location, desc.TableSize)
	}
	return desc.Location.String()
}

func stateString(st tph.ControlState) string {
	if !st.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%s/%s", st.Mode, st.RequestType)
}

// PrintTable renders device TPH status as a human-readable table.
func PrintTable(w io.Writer, devices []Status) {
	table := tablewriter.NewTable(w)
	table.Header("PCI ADDRESS", "DRIVER", "INTERFACE", "MODES", "EXT TPH", "ST TABLE", "COMPLETER", "STATE")
	for _, s := range devices {
		ext := "no"
		if s.Desc.ExtTPH {
			ext = "yes"
		}
		table.Append(
			s.Info.PciAddress,
			orPlaceholder(s.Info.Driver, "(unknown)"),
			orPlaceholder(s.Info.IfName, "(none)"),
			s.Desc.Modes.String(),
			ext,
			stTable(s.Desc),
			s.Completer.String(),
			stateString(s.State),
		)
	}
	table.Render()
}

// PrintDetail renders a single device as a key/value table.
func PrintDetail(w io.Writer, s Status) {
	table := tablewriter.NewTable(w)
	table.Header("FIELD", "VALUE")
	rows := [][2]string{
		{"PCI address", s.Info.PciAddress},
		{"Vendor:Device", fmt.Sprintf("%s:%s", orPlaceholder(s.Info.Vendor, "?"), orPlaceholder(s.Info.DeviceID, "?"))},
		{"Driver", orPlaceholder(s.Info.Driver, "(unknown)")},
		{"Interface", orPlaceholder(s.Info.IfName, "(none)")},
		{"Link type", orPlaceholder(s.Info.LinkType, "(unknown)")},
		{"RDMA devices", orPlaceholder(strings.Join(s.Info.RdmaDevices, ", "), "(none)")},
		{"Root port", orPlaceholder(s.Info.RootPort, "(none)")},
		{"Firmware node", orPlaceholder(s.Info.FirmwareNode, "(none)")},
		{"Supported modes", s.Desc.Modes.String()},
		{"Extended TPH", fmt.Sprintf("%t", s.Desc.ExtTPH)},
		{"ST table", stTable(s.Desc)},
		{"Completer", s.Completer.String()},
		{"State", stateString(s.State)},
	}
	for _, r := range rows {
		table.Append(r[0], r[1])
	}
	table.Render()
}

// DeviceJSON is the JSON representation of a device's TPH status.
type DeviceJSON struct {
	PciAddress   string   `json:"pci_address"`
	Driver       string   `json:"driver,omitempty"`
	IfName       string   `json:"interface,omitempty"`
	RdmaDevices  []string `json:"rdma_devices,omitempty"`
	RootPort     string   `json:"root_port,omitempty"`
	FirmwareNode string   `json:"firmware_node,omitempty"`
	Modes        []string `json:"modes"`
	ExtTPH       bool     `json:"ext_tph"`
	TableLoc     string   `json:"st_table_location"`
	TableSize    uint16   `json:"st_table_size,omitempty"`
	Completer    string   `json:"completer"`
	Enabled      bool     `json:"enabled"`
	Mode         string   `json:"mode,omitempty"`
	RequestType  string   `json:"request_type,omitempty"`
}

func toJSON(s Status) DeviceJSON {
	modes := make([]string, 0, 3)
	for _, m := range s.Desc.Modes.Modes() {
		modes = append(modes, m.String())
	}
	out := DeviceJSON{
		PciAddress:   s.Info.PciAddress,
		Driver:       s.Info.Driver,
		IfName:       s.Info.IfName,
		RdmaDevices:  s.Info.RdmaDevices,
		RootPort:     s.Info.RootPort,
		FirmwareNode: s.Info.FirmwareNode,
		Modes:        modes,
		ExtTPH:       s.Desc.ExtTPH,
		TableLoc:     s.Desc.Location.String(),
		TableSize:    s.Desc.TableSize,
		Completer:    s.Completer.String(),
		Enabled:      s.State.Enabled,
	}
	if s.State.Enabled {
		out.Mode = s.State.Mode.String()
		out.RequestType = s.State.RequestType.String()
	}
	return out
}

// PrintJSON renders device TPH status as JSON.
func PrintJSON(w io.Writer, devices []Status) error {
	out := make([]DeviceJSON, 0, len(devices))
	for _, s := range devices {
		out = append(out, toJSON(s))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
