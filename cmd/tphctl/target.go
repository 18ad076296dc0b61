package main

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/tphctl/pkg/discover"
	"github.com/Nativu5/tphctl/pkg/doctor"
	"github.com/Nativu5/tphctl/pkg/firmware"
	"github.com/Nativu5/tphctl/pkg/pcicap"
	"github.com/Nativu5/tphctl/pkg/pcisim"
	"github.com/Nativu5/tphctl/pkg/sysfs"
	"github.com/Nativu5/tphctl/pkg/tph"
	"github.com/Nativu5/tphctl/pkg/types"
	"github.com/Nativu5/tphctl/pkg/utils"
)

// target bundles an opened device with its controller.
type target struct {
	dev     types.Device
	ctrl    *tph.Controller
	fw      types.Firmware
	details *types.DeviceInfo

	closers []func() error
}

// Close releases the MSI-X mapping and the config file.
func (t *target) Close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			log.Debugf("close %s: %v", t.dev.Name(), err)
		}
	}
	t.closers = nil
}

// info returns the discovered metadata, or a minimal record for devices
// that were not discovered through sysfs.
func (t *target) info() *types.DeviceInfo {
	if t.details != nil {
		return t.details
	}
	info := &types.DeviceInfo{PciAddress: t.dev.Name()}
	if rp, ok := t.dev.RootPort(); ok {
		info.RootPort = rp.Name()
		info.FirmwareNode, _ = rp.FirmwareNode()
	}
	return info
}

func (t *target) doctorTarget() doctor.Target {
	dt := doctor.Target{Info: t.info(), Controller: t.ctrl, Firmware: t.fw}
	if pos, ok := t.dev.FindCapability(pcicap.CapIDMSIX); ok {
		if enabled, ok := pcicap.MSIXEnabled(t.dev, pos); ok {
			dt.MSIXEnabled = &enabled
		}
	}
	return dt
}

// loadFirmware returns the configured firmware table, or nil without one.
func loadFirmware() (types.Firmware, error) {
	if cfg.FirmwareTable == "" {
		return nil, nil
	}
	tbl, err := firmware.Load(cfg.FirmwareTable)
	if err != nil {
		return nil, err
	}
	return tbl, nil
}

// openTarget opens the device named by pci or ifname. withMSIX maps the
// MSI-X table so that MSI-X backed ST tables can be programmed.
func openTarget(pci, ifname string, withMSIX bool) (*target, error) {
	addr, err := sysfs.Resolve(utils.NormalizeBDF(pci), ifname)
	if err != nil {
		return nil, err
	}
	dev, err := sysfs.Open(addr)
	if err != nil {
		return nil, err
	}
	t := &target{dev: dev, closers: []func() error{dev.Close}}

	if t.fw, err = loadFirmware(); err != nil {
		t.Close()
		return nil, err
	}

	opts := tph.Options{Firmware: t.fw, Policy: cfg.Policy}
	if withMSIX {
		if msix, err := sysfs.OpenMSIX(dev); err != nil {
			log.Debugf("MSI-X table of %s unavailable: %v", addr, err)
		} else {
			opts.Interrupts = msix
			t.closers = append(t.closers, msix.Close)
		}
	}
	t.ctrl = tph.NewController(dev, opts)
	if ifname != "" {
		t.details = &types.DeviceInfo{PciAddress: addr, IfName: ifname}
		if rp, ok := dev.RootPort(); ok {
			t.details.RootPort = rp.Name()
			t.details.FirmwareNode, _ = rp.FirmwareNode()
		}
	}
	return t, nil
}

// openSynced opens a device and adopts its current TPH control state.
func openSynced(pci, ifname string, withMSIX bool) (*target, error) {
	t, err := openTarget(pci, ifname, withMSIX)
	if err != nil {
		return nil, err
	}
	if err := t.ctrl.Sync(); err != nil {
		t.Close()
		return nil, fmt.Errorf("cannot read TPH state of %s: %w", t.dev.Name(), err)
	}
	return t, nil
}

// openDump wraps a saved config space dump. The dump has no upstream
// topology, so completer and firmware lookups report nothing.
func openDump(path string) (*target, error) {
	cs, err := pcisim.LoadDump(path)
	if err != nil {
		return nil, err
	}
	dev := pcisim.NewDevice(filepath.Base(path), cs)
	t := &target{dev: dev, ctrl: tph.NewController(dev, tph.Options{Policy: cfg.Policy})}
	if t.ctrl.Supported() {
		if err := t.ctrl.Sync(); err != nil {
			log.Warnf("cannot decode TPH control of %s: %v", path, err)
		}
	}
	return t, nil
}

// deviceStatus collects the discover view of a device.
func deviceStatus(t *target, info *types.DeviceInfo) (discover.Status, error) {
	desc, err := t.ctrl.Descriptor()
	if err != nil {
		return discover.Status{}, err
	}
	if t.ctrl.Supported() && !t.ctrl.IsEnabled() {
		if err := t.ctrl.Sync(); err != nil {
			log.Warnf("cannot read TPH control of %s: %v", t.dev.Name(), err)
		}
	}
	return discover.Status{
		Info:      info,
		Desc:      desc,
		State:     t.ctrl.State(),
		Completer: tph.ResolveCompleter(t.dev),
	}, nil
}

// requestTypeFor resolves the --req flag. "auto" uses the enabled request
// type, or what Enable would negotiate.
func requestTypeFor(t *target, req string) (tph.RequestType, error) {
	if req != "auto" {
		return tph.ParseRequestType(req)
	}
	if st := t.ctrl.State(); st.Enabled {
		return st.RequestType, nil
	}
	desc, err := t.ctrl.Descriptor()
	if err != nil {
		return tph.RequestDisabled, err
	}
	rt := desc.PreferredRequestType()
	if comp := tph.ResolveCompleter(t.dev); comp < rt {
		rt = comp
	}
	if rt == tph.RequestDisabled {
		return rt, fmt.Errorf("%s: %w", t.dev.Name(), tph.ErrCompleterIncompatible)
	}
	return rt, nil
}
