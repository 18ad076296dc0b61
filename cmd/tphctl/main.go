// tphctl inspects and programs the PCIe TLP Processing Hints (TPH) requester
// capability of devices through sysfs. It negotiates the request type with
// the root port, enables a steering tag mode, writes steering tags into the
// ST table and looks up per-CPU steering tags from platform firmware.
//
// Usage:
//
//	tphctl discover
//	tphctl show --pci 0000:17:00.0
//	tphctl enable --pci 0000:17:00.0 --mode intvec
//	tphctl set-tag --pci 0000:17:00.0 --index 3 --tag 0x2a
//	tphctl set-cpu-tag --pci 0000:17:00.0 --index 3 --cpu 12
//	tphctl doctor --all
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/tphctl/pkg/config"
	"github.com/Nativu5/tphctl/pkg/discover"
	"github.com/Nativu5/tphctl/pkg/doctor"
	"github.com/Nativu5/tphctl/pkg/sysfs"
	"github.com/Nativu5/tphctl/pkg/tph"
	"github.com/Nativu5/tphctl/pkg/utils"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// cfg is the effective configuration, resolved before any subcommand runs.
var cfg = config.Default()

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var (
		configPath    string
		logLevel      string
		sysfsRoot     string
		firmwareTable string
		noTPH         bool
		forceNoST     bool
	)

	root := &cobra.Command{
		Use:   "tphctl",
		Short: "PCIe TPH steering tag tool",
		Long:  "A tool for negotiating, enabling and programming PCIe TLP Processing Hints and steering tags.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("log-level") {
				loaded.LogLevel = logLevel
			}
			if flags.Changed("sysfs-root") {
				loaded.SysfsRoot = sysfsRoot
			}
			if flags.Changed("firmware-table") {
				loaded.FirmwareTable = firmwareTable
			}
			if flags.Changed("no-tph") {
				loaded.Policy.DisableTPH = noTPH
			}
			if flags.Changed("force-no-st") {
				loaded.Policy.ForceNoST = forceNoST
			}
			if err := loaded.Validate(); err != nil {
				return err
			}

			lvl, err := log.ParseLevel(loaded.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", loaded.LogLevel, err)
			}
			log.SetLevel(lvl)
			sysfs.SetRoot(loaded.SysfsRoot)
			cfg = loaded
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default "+config.DefaultPath+" if present)")
	pf.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level (trace, debug, info, warn, error, fatal, panic)")
	pf.StringVar(&sysfsRoot, "sysfs-root", config.DefaultSysfsRoot, "sysfs mount point")
	pf.StringVar(&firmwareTable, "firmware-table", "", "YAML firmware steering tag table")
	pf.BoolVar(&noTPH, "no-tph", false, "Refuse to enable TPH on any device")
	pf.BoolVar(&forceNoST, "force-no-st", false, "Always enable TPH in No ST mode")

	root.AddCommand(
		newDiscoverCmd(),
		newShowCmd(),
		newEnableCmd(),
		newDisableCmd(),
		newSetTagCmd(),
		newCPUTagCmd(),
		newSetCPUTagCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	return root
}

// addLocatorFlags registers the mutually exclusive --pci/--ifname pair.
func addLocatorFlags(cmd *cobra.Command, pci, ifname *string) {
	cmd.Flags().StringVar(pci, "pci", "", "PCI BDF address (e.g. 0000:17:00.0)")
	cmd.Flags().StringVar(ifname, "ifname", "", "Network interface name (e.g. ens1f0np0)")
	cmd.MarkFlagsMutuallyExclusive("pci", "ifname")
}

// ──────────────────────────────────────────────
//  discover
// ──────────────────────────────────────────────

func newDiscoverCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List TPH-capable devices and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := sysfs.NewDiscoverer().DiscoverAll()
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}

			statuses := make([]discover.Status, 0, len(devices))
			for _, info := range devices {
				t, err := openTarget(info.PciAddress, "", false)
				if err != nil {
					log.Errorf("skipping %s: %v", info.PciAddress, err)
					continue
				}
				st, err := deviceStatus(t, info)
				t.Close()
				if err != nil {
					log.Errorf("skipping %s: %v", info.PciAddress, err)
					continue
				}
				statuses = append(statuses, st)
			}

			switch output {
			case "json":
				return discover.PrintJSON(cmd.OutOrStdout(), statuses)
			default:
				discover.PrintTable(cmd.OutOrStdout(), statuses)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  show
// ──────────────────────────────────────────────

func newShowCmd() *cobra.Command {
	var (
		pci    string
		ifname string
		dump   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the TPH capability and state of one device",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				t   *target
				err error
			)
			if dump != "" {
				t, err = openDump(dump)
			} else {
				t, err = openTarget(pci, ifname, false)
			}
			if err != nil {
				return err
			}
			defer t.Close()

			st, err := deviceStatus(t, t.info())
			if err != nil {
				return err
			}

			switch output {
			case "json":
				return discover.PrintJSON(cmd.OutOrStdout(), []discover.Status{st})
			default:
				discover.PrintDetail(cmd.OutOrStdout(), st)
			}
			return nil
		},
	}

	addLocatorFlags(cmd, &pci, &ifname)
	cmd.Flags().StringVar(&dump, "dump", "", "Read a saved config space dump instead of a live device")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	cmd.MarkFlagsMutuallyExclusive("dump", "pci")
	cmd.MarkFlagsMutuallyExclusive("dump", "ifname")
	cmd.MarkFlagsOneRequired("pci", "ifname", "dump")

	return cmd
}

// ──────────────────────────────────────────────
//  enable / disable
// ──────────────────────────────────────────────

func newEnableCmd() *cobra.Command {
	var (
		pci    string
		ifname string
		mode   string
	)

	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Negotiate and enable TPH in a steering tag mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := tph.ParseMode(mode)
			if err != nil {
				return err
			}
			t, err := openSynced(pci, ifname, false)
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.ctrl.Enable(m); err != nil {
				return fmt.Errorf("cannot enable TPH on %s: %w", t.dev.Name(), err)
			}
			st := t.ctrl.State()
			fmt.Fprintf(cmd.OutOrStdout(), "TPH enabled on %s: mode %s, request type %s\n",
				t.dev.Name(), st.Mode, st.RequestType)
			return nil
		},
	}

	addLocatorFlags(cmd, &pci, &ifname)
	cmd.Flags().StringVar(&mode, "mode", "intvec", "ST mode (nost|intvec|devspec)")
	cmd.MarkFlagsOneRequired("pci", "ifname")

	return cmd
}

func newDisableCmd() *cobra.Command {
	var (
		pci    string
		ifname string
	)

	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable TPH by clearing the control register",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openSynced(pci, ifname, false)
			if err != nil {
				return err
			}
			defer t.Close()

			if !t.ctrl.IsEnabled() {
				fmt.Fprintf(cmd.OutOrStdout(), "TPH already disabled on %s\n", t.dev.Name())
				return nil
			}
			if err := t.ctrl.Disable(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "TPH disabled on %s\n", t.dev.Name())
			return nil
		},
	}

	addLocatorFlags(cmd, &pci, &ifname)
	cmd.MarkFlagsOneRequired("pci", "ifname")

	return cmd
}

// ──────────────────────────────────────────────
//  set-tag
// ──────────────────────────────────────────────

func newSetTagCmd() *cobra.Command {
	var (
		pci    string
		ifname string
		index  string
		tag    string
	)

	cmd := &cobra.Command{
		Use:   "set-tag",
		Short: "Write a steering tag into an ST table entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := utils.ParseUint16(index)
			if err != nil {
				return fmt.Errorf("--index: %w", err)
			}
			val, err := utils.ParseUint16(tag)
			if err != nil {
				return fmt.Errorf("--tag: %w", err)
			}

			t, err := openSynced(pci, ifname, true)
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.ctrl.SetTag(idx, val); err != nil {
				return fmt.Errorf("cannot set ST entry %d on %s: %w", idx, t.dev.Name(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ST entry %d on %s set to %#04x\n", idx, t.dev.Name(), val)
			return nil
		},
	}

	addLocatorFlags(cmd, &pci, &ifname)
	cmd.Flags().StringVar(&index, "index", "", "ST table index (MSI-X vector number for MSI-X tables)")
	cmd.Flags().StringVar(&tag, "tag", "", "Steering tag value")
	cmd.MarkFlagsOneRequired("pci", "ifname")
	_ = cmd.MarkFlagRequired("index")
	_ = cmd.MarkFlagRequired("tag")

	return cmd
}

// ──────────────────────────────────────────────
//  cpu-tag / set-cpu-tag
// ──────────────────────────────────────────────

// cpuFlags are shared by the firmware query commands.
type cpuFlags struct {
	cpu     int
	isUID   bool
	memType string
}

func (f *cpuFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.cpu, "cpu", 0, "Logical CPU whose steering tag to use")
	cmd.Flags().BoolVar(&f.isUID, "acpi-uid", false, "Treat --cpu as an ACPI processor UID")
	cmd.Flags().StringVar(&f.memType, "mem", "volatile", "Memory type (volatile|persistent)")
}

func (f *cpuFlags) resolve() (uint32, tph.MemoryType, error) {
	mem, err := tph.ParseMemoryType(f.memType)
	if err != nil {
		return 0, 0, err
	}
	if f.cpu < 0 {
		return 0, 0, fmt.Errorf("--cpu must not be negative")
	}
	if f.isUID {
		return uint32(f.cpu), mem, nil
	}
	return sysfs.CPUToUID(f.cpu), mem, nil
}

func newCPUTagCmd() *cobra.Command {
	var (
		pci    string
		ifname string
		req    string
		cpu    cpuFlags
	)

	cmd := &cobra.Command{
		Use:   "cpu-tag",
		Short: "Query the firmware steering tag of a CPU",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, mem, err := cpu.resolve()
			if err != nil {
				return err
			}
			t, err := openSynced(pci, ifname, false)
			if err != nil {
				return err
			}
			defer t.Close()

			rt, err := requestTypeFor(t, req)
			if err != nil {
				return err
			}
			tag, err := t.ctrl.QueryCPUTag(uid, mem, rt)
			if err != nil {
				return fmt.Errorf("cannot query steering tag of CPU UID %d: %w", uid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CPU UID %d %s memory %s tag: %#04x\n", uid, mem, rt, tag)
			return nil
		},
	}

	addLocatorFlags(cmd, &pci, &ifname)
	cpu.register(cmd)
	cmd.Flags().StringVar(&req, "req", "auto", "Request type (auto|tph|ext-tph)")
	cmd.MarkFlagsOneRequired("pci", "ifname")

	return cmd
}

func newSetCPUTagCmd() *cobra.Command {
	var (
		pci    string
		ifname string
		index  string
		cpu    cpuFlags
	)

	cmd := &cobra.Command{
		Use:   "set-cpu-tag",
		Short: "Write the firmware steering tag of a CPU into an ST table entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := utils.ParseUint16(index)
			if err != nil {
				return fmt.Errorf("--index: %w", err)
			}
			uid, mem, err := cpu.resolve()
			if err != nil {
				return err
			}
			t, err := openSynced(pci, ifname, true)
			if err != nil {
				return err
			}
			defer t.Close()

			st := t.ctrl.State()
			if !st.Enabled {
				return fmt.Errorf("cannot set ST entry %d on %s: %w", idx, t.dev.Name(), tph.ErrNotEnabled)
			}
			tag, err := t.ctrl.SetCPUSteeringTag(idx, uid, mem, st.RequestType)
			if err != nil {
				return fmt.Errorf("cannot set ST entry %d on %s: %w", idx, t.dev.Name(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ST entry %d on %s set to %#04x (CPU UID %d, %s memory)\n",
				idx, t.dev.Name(), tag, uid, mem)
			return nil
		},
	}

	addLocatorFlags(cmd, &pci, &ifname)
	cpu.register(cmd)
	cmd.Flags().StringVar(&index, "index", "", "ST table index (MSI-X vector number for MSI-X tables)")
	cmd.MarkFlagsOneRequired("pci", "ifname")
	_ = cmd.MarkFlagRequired("index")

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd() *cobra.Command {
	var (
		all      bool
		pci      string
		ifname   string
		dump     string
		strict   bool
		showPass bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run TPH readiness diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pci != "" || ifname != "" || dump != "" {
				if all {
					log.Warn("--all ignored because a device was specified")
				}
				all = false
			}

			var targets []*target
			switch {
			case dump != "":
				t, err := openDump(dump)
				if err != nil {
					return err
				}
				targets = append(targets, t)
			case !all:
				t, err := openSynced(pci, ifname, false)
				if err != nil {
					return fmt.Errorf("device discovery failed: %w", err)
				}
				targets = append(targets, t)
			default: // --all
				devices, err := sysfs.NewDiscoverer().DiscoverAll()
				if err != nil {
					return fmt.Errorf("device discovery failed: %w", err)
				}
				for _, info := range devices {
					t, err := openSynced(info.PciAddress, "", false)
					if err != nil {
						log.Errorf("skipping %s: %v", info.PciAddress, err)
						continue
					}
					t.details = info
					targets = append(targets, t)
				}
			}

			// Run diagnostics on each device and merge
			var reports []*doctor.Report
			for _, t := range targets {
				reports = append(reports, doctor.DiagnoseDevice(t.doctorTarget()))
				t.Close()
			}
			merged := doctor.MergeReports(reports...)

			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), merged, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), merged, showPass)
			}

			// Exit code strategy
			if merged.HasFail {
				os.Exit(exitRuntimeError)
			}
			if strict && merged.HasWarn {
				os.Exit(exitRuntimeError)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", true, "Check all TPH-capable devices")
	addLocatorFlags(cmd, &pci, &ifname)
	cmd.Flags().StringVar(&dump, "dump", "", "Check a saved config space dump")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tphctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
