package process

import "strings"

// ProcessID represents a unique identifier for a process
type ProcessID int

// DefaultMainModule is the image ResolveRelative resolves against unless configured otherwise
const DefaultMainModule = "run.exe"

// ModuleInfo describes one image loaded in the target
type ModuleInfo struct {
	Name string               // Module file name (e.g. kernel32.dll)
	Path string               // Full path of the image on disk
	Base ProcessMemoryAddress // Load address
	Size ProcessMemorySize    // Size of the mapped image
}

// Contains reports whether addr lies within the module image
func (m ModuleInfo) Contains(addr ProcessMemoryAddress) bool {
	return addr >= m.Base && addr < m.Base+ProcessMemoryAddress(m.Size)
}

// MatchName compares module names the way the loader does, ignoring case
func (m ModuleInfo) MatchName(name string) bool {
	return strings.EqualFold(m.Name, name)
}
