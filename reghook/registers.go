package reghook

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Register is a set of registers to render, one bit each
type Register uint32

const (
	EAX Register = 1 << iota
	EBX
	ECX
	EDX
	ESI
	EDI
	EBP
	ESP
	EFlags

	NoRegisters  Register = 0
	AllRegisters          = EAX | EBX | ECX | EDX | ESI | EDI | EBP | ESP | EFlags
)

var registerNames = []struct {
	reg  Register
	name string
}{
	{EAX, "eax"}, {EBX, "ebx"}, {ECX, "ecx"}, {EDX, "edx"},
	{ESP, "esp"}, {EBP, "ebp"}, {ESI, "esi"}, {EDI, "edi"},
	{EFlags, "efl"},
}

func (r Register) String() string {
	if r == NoRegisters {
		return "none"
	}
	var names []string
	for _, rn := range registerNames {
		if r&rn.reg != 0 {
			names = append(names, rn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseRegisters reads a comma separated list such as "eax,ecx", or "all".
// "eflags" is accepted for efl.
func ParseRegisters(s string) (Register, error) {
	var mask Register
	for _, field := range strings.Split(s, ",") {
		field = strings.ToLower(strings.TrimSpace(field))
		switch field {
		case "":
			continue
		case "all":
			mask |= AllRegisters
			continue
		case "eflags":
			field = "efl"
		}

		found := false
		for _, rn := range registerNames {
			if rn.name == field {
				mask |= rn.reg
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Errorf("unknown register %q", field)
		}
	}
	return mask, nil
}

// Format renders the sequence number and the registers in mask.
// An empty mask renders all of them.
func (c CapturedRegisters) Format(mask Register) string {
	if mask == NoRegisters {
		mask = AllRegisters
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d", c.Sequence)
	for _, rn := range registerNames {
		if mask&rn.reg != 0 {
			fmt.Fprintf(&sb, " %s=%08x", rn.name, c.value(rn.reg))
		}
	}
	return sb.String()
}

func (c CapturedRegisters) value(r Register) uint32 {
	switch r {
	case EAX:
		return c.EAX
	case EBX:
		return c.EBX
	case ECX:
		return c.ECX
	case EDX:
		return c.EDX
	case ESI:
		return c.ESI
	case EDI:
		return c.EDI
	case EBP:
		return c.EBP
	case ESP:
		return c.ESP
	case EFlags:
		return c.EFlags
	}
	return 0
}
