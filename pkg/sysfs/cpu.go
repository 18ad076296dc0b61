package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CPUToUID returns the ACPI processor UID of logical CPU cpu, read from the
// processor's firmware node. Without one the logical number is used.
func CPUToUID(cpu int) uint32 {
	p := filepath.Join(sysCPU, fmt.Sprintf("cpu%d", cpu), "firmware_node", "uid")
	data, err := os.ReadFile(p)
	if err != nil {
		log.Debugf("no ACPI UID for CPU %d, using logical number: %v", cpu, err)
		return uint32(cpu)
	}
	uid, err := strconv.ParseUint(strings.TrimSpace(string(data)), 0, 32)
	if err != nil {
		log.Warnf("bad ACPI UID %q for CPU %d, using logical number", strings.TrimSpace(string(data)), cpu)
		return uint32(cpu)
	}
	return uint32(uid)
}
