// Package doctor provides TPH readiness diagnostics.
// It checks the requester capability, root port completer support, ST table
// backing, firmware steering tag availability and link state.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/vishvananda/netlink"

	"github.com/Nativu5/tphctl/pkg/tph"
	"github.com/Nativu5/tphctl/pkg/types"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for a device or the whole host.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// Target is a device to diagnose.
type Target struct {
	Info       *types.DeviceInfo
	Controller *tph.Controller
	// MSIXEnabled is nil when the MSI-X state could not be read.
	MSIXEnabled *bool
	Firmware    types.Firmware
}

// DiagnoseDevice runs all checks on a single device.
func DiagnoseDevice(t Target) *Report {
	report := &Report{}
	addr := t.Info.PciAddress
	check := func(name string, sev Severity, format string, args ...any) {
		report.add(CheckResult{Check: name, Severity: sev, Message: fmt.Sprintf(format, args...), Device: addr})
	}

	// 1. Requester capability
	desc, err := t.Controller.Descriptor()
	if err != nil {
		if errors.Is(err, tph.ErrNotSupported) {
			check("tph_capability", Fail, "No TPH requester capability")
		} else {
			check("tph_capability", Fail, "Cannot read TPH capability: %v", err)
		}
		return report
	}
	check("tph_capability", Pass, "Modes %s, extended TPH %t", desc.Modes, desc.ExtTPH)

	// 2. No ST mode is mandatory for every TPH requester
	if desc.Modes.Has(tph.ModeNoST) {
		check("no_st_mode", Pass, "No ST mode supported")
	} else {
		check("no_st_mode", Fail, "Device does not implement the mandatory No ST mode")
	}

	// 3. Root port completer
	checkCompleter(report, t.Controller.Device(), desc, addr)

	// 4. ST table backing
	checkSTTable(report, desc, t.MSIXEnabled, addr)

	// 5. Firmware steering tags
	checkFirmware(report, t.Controller.Device(), t.Firmware, addr)

	// 6. Link state
	if t.Info.IfName != "" {
		checkLinkAttrs(report, t.Info)
	}

	// 7. Current state
	st := t.Controller.State()
	if st.Enabled {
		check("tph_state", Pass, "Enabled in %s mode with %s requests", st.Mode, st.RequestType)
	} else {
		check("tph_state", Pass, "Disabled")
	}

	return report
}

func checkCompleter(report *Report, dev types.Device, desc tph.CapabilityDescriptor, addr string) {
	comp := tph.ResolveCompleter(dev)
	switch {
	case comp == tph.RequestDisabled:
		report.add(CheckResult{
			Check:    "completer",
			Severity: Fail,
			Message:  "Root port missing or without TPH completer support",
			Device:   addr,
		})
	case comp < desc.PreferredRequestType():
		report.add(CheckResult{
			Check:    "completer",
			Severity: Warn,
			Message:  fmt.Sprintf("Root port completes %s only; device requests are limited to it", comp),
			Device:   addr,
		})
	default:
		report.add(CheckResult{
			Check:    "completer",
			Severity: Pass,
			Message:  fmt.Sprintf("Root port completer supports %s", comp),
			Device:   addr,
		})
	}
}

func checkSTTable(report *Report, desc tph.CapabilityDescriptor, msixEnabled *bool, addr string) {
	cr := CheckResult{Check: "st_table", Device: addr}
	switch desc.Location {
	case tph.LocationCapTable:
		cr.Severity = Pass
		cr.Message = fmt.Sprintf("ST table in capability with %d entries", desc.TableSize)
	case tph.LocationMSIX:
		switch {
		case msixEnabled == nil:
			cr.Severity = Warn
			cr.Message = "ST table in MSI-X table, MSI-X state unknown"
		case !*msixEnabled:
			cr.Severity = Warn
			cr.Message = "ST table in MSI-X table but MSI-X is not enabled"
		default:
			cr.Severity = Pass
			cr.Message = "ST table in MSI-X table"
		}
	case tph.LocationNone:
		cr.Severity = Warn
		cr.Message = "No ST table; only No ST and device specific modes are usable"
	default:
		cr.Severity = Fail
		cr.Message = "Reserved ST table location"
	}
	report.add(cr)
}

func checkFirmware(report *Report, dev types.Device, fw types.Firmware, addr string) {
	cr := CheckResult{Check: "firmware_st", Severity: Warn, Device: addr}
	rp, ok := dev.RootPort()
	switch {
	case fw == nil:
		cr.Message = "No firmware table configured; CPU steering tags unavailable"
	case !ok:
		cr.Message = "No root port; CPU steering tags unavailable"
	default:
		handle, ok := fw.HandleOf(rp)
		switch {
		case !ok:
			cr.Message = fmt.Sprintf("Root port %s has no firmware node", rp.Name())
		case !fw.Supports(handle, tph.FuncSteeringTag):
			cr.Message = fmt.Sprintf("%s does not implement the steering tag _DSM", handle)
		default:
			cr.Severity = Pass
			cr.Message = fmt.Sprintf("%s implements the steering tag _DSM", handle)
		}
	}
	report.add(cr)
}

// checkLinkAttrs uses netlink to inspect link state and encap type.
func checkLinkAttrs(report *Report, info *types.DeviceInfo) {
	link, err := netlink.LinkByName(info.IfName)
	if err != nil {
		report.add(CheckResult{
			Check:    "link_attrs",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot query link %s: %v", info.IfName, err),
			Device:   info.PciAddress,
		})
		return
	}

	attrs := link.Attrs()
	info.LinkType = attrs.EncapType

	sev := Warn
	if attrs.OperState == netlink.OperUp {
		sev = Pass
	}
	report.add(CheckResult{
		Check:    "link_state",
		Severity: sev,
		Message:  fmt.Sprintf("Link %s is %s (encap: %s, MTU: %d)", info.IfName, attrs.OperState, attrs.EncapType, attrs.MTU),
		Device:   info.PciAddress,
	})
}

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		table.Append(fmt.Sprintf("%s %s", marker, r.Severity), r.Check, dev, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines multiple per-device reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}
