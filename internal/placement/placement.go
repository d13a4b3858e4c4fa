package placement

import (
	"fmt"
	"strings"
)

// Device is where one stage of the force calculation runs.
type Device int

const (
	CPU Device = iota
	GPU
)

func (d Device) String() string {
	if d == GPU {
		return "gpu"
	}
	return "cpu"
}

func parseDevice(s string) (Device, error) {
	switch s {
	case "cpu":
		return CPU, nil
	case "gpu":
		return GPU, nil
	}
	return CPU, fmt.Errorf("unknown device %q", s)
}

// Key identifies one placement configuration. The zero value is not valid;
// use Auto or a Key returned by Enumerate/ParseKey.
type Key struct {
	auto   bool
	NB     Device
	PME    Device
	PMEFFT Device
	Bonded Device
	Update Device
}

// Auto is the control configuration that leaves placement to the engine.
var Auto = Key{auto: true}

func (k Key) IsAuto() bool { return k.auto }

// String returns the canonical form, also used as a directory name.
func (k Key) String() string {
	if k.auto {
		return "auto"
	}
	return fmt.Sprintf("nb-%s_pme-%s_pmefft-%s_bonded-%s_update-%s",
		k.NB, k.PME, k.PMEFFT, k.Bonded, k.Update)
}

// Flags returns the engine placement flags. Auto has none.
func (k Key) Flags() []string {
	if k.auto {
		return nil
	}
	return []string{
		"-nb", k.NB.String(),
		"-pme", k.PME.String(),
		"-pmefft", k.PMEFFT.String(),
		"-bonded", k.Bonded.String(),
		"-update", k.Update.String(),
	}
}

// Admissible reports whether the engine accepts this placement. A stage can
// only be offloaded when the stages it depends on are offloaded too.
func (k Key) Admissible() bool {
	if k.auto {
		return true
	}
	switch {
	case k.Update == GPU && k.PME == CPU && k.NB == CPU:
		return false
	case k.Bonded == GPU && k.NB == CPU:
		return false
	case k.PMEFFT == GPU && k.PME == CPU:
		return false
	case k.PME == GPU && k.NB == CPU:
		return false
	}
	return true
}

// All returns the 32 raw placement tuples in enumeration order, admissible
// or not.
func All() []Key {
	keys := make([]Key, 0, 32)
	for i := 0; i < 32; i++ {
		keys = append(keys, Key{
			NB:     Device(i >> 4 & 1),
			PME:    Device(i >> 3 & 1),
			PMEFFT: Device(i >> 2 & 1),
			Bonded: Device(i >> 1 & 1),
			Update: Device(i & 1),
		})
	}
	return keys
}

// Enumerate returns Auto followed by every admissible tuple. The order is
// deterministic and is the tie-break order used when ranking.
func Enumerate() []Key {
	keys := []Key{Auto}
	for _, k := range All() {
		if k.Admissible() {
			keys = append(keys, k)
		}
	}
	return keys
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	if s == "auto" {
		return Auto, nil
	}
	parts := strings.Split(s, "_")
	if len(parts) != 5 {
		return Key{}, fmt.Errorf("invalid configuration %q", s)
	}
	names := [5]string{"nb", "pme", "pmefft", "bonded", "update"}
	var devs [5]Device
	for i, p := range parts {
		name, dev, ok := strings.Cut(p, "-")
		if !ok || name != names[i] {
			return Key{}, fmt.Errorf("invalid configuration %q: expected %s-<device>", s, names[i])
		}
		d, err := parseDevice(dev)
		if err != nil {
			return Key{}, fmt.Errorf("invalid configuration %q: %w", s, err)
		}
		devs[i] = d
	}
	return Key{NB: devs[0], PME: devs[1], PMEFFT: devs[2], Bonded: devs[3], Update: devs[4]}, nil
}
