// Package platform identifies the host the monitor runs on.
package platform

import (
	"fmt"
	"hash/fnv"
	"os"
	"runtime"
	"strings"
)

// machineIDPaths are tried in order.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Info describes the host.
type Info struct {
	Hostname  string `json:"hostname"`
	MachineID string `json:"machine_id,omitempty"`
	ChipID    string `json:"chip_id"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
}

// Source provides the raw host facts. Tests replace it.
type Source struct {
	ReadFile func(name string) ([]byte, error)
	Hostname func() (string, error)
}

// System reads the real host.
var System = Source{ReadFile: os.ReadFile, Hostname: os.Hostname}

// Detect returns the info of the running host.
func Detect() Info {
	return System.Detect()
}

// Detect collects host facts. ChipID is a 16 digit upper-case hex id taken
// from the machine id, or hashed from the hostname when there is none.
func (s Source) Detect() Info {
	info := Info{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
	}

	if name, err := s.Hostname(); err == nil {
		info.Hostname = name
	}
	for _, path := range machineIDPaths {
		data, err := s.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			info.MachineID = id
			break
		}
	}

	info.ChipID = chipID(info.MachineID, info.Hostname)
	return info
}

func chipID(machineID, hostname string) string {
	if len(machineID) >= 16 {
		return strings.ToUpper(machineID[:16])
	}
	h := fnv.New64a()
	h.Write([]byte(machineID + hostname))
	return fmt.Sprintf("%016X", h.Sum64())
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%s/%s, chip %s)", i.Hostname, i.OS, i.Arch, i.ChipID)
}
