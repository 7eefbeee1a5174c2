package process_blob

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gohook/process"
	"gohook/process/memory_map"
)

// DefaultMaxRegionSize is the largest region Capture copies
const DefaultMaxRegionSize = 64 * 1024 * 1024

type dumpMetadata struct {
	PID        process.ProcessID    `json:"pid"`
	MainModule string               `json:"main_module"`
	Modules    []process.ModuleInfo `json:"modules"`
}

// Capture copies the readable regions and the module list of proc into a new blob.
// Regions larger than maxRegionSize or failing to read are skipped.
func Capture(proc process.Process, maxRegionSize uint) (*ProcessBlob, error) {
	if maxRegionSize == 0 {
		maxRegionSize = DefaultMaxRegionSize
	}

	if err := proc.UpdateMemoryMap(); err != nil {
		return nil, fmt.Errorf("failed to update memory map: %w", err)
	}

	mm, err := proc.GetMemoryMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory map: %w", err)
	}

	modules, err := proc.Modules()
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}

	blob := NewProcessBlob(proc.GetPID())
	for _, module := range modules {
		blob.AddModule(module)
	}

	for _, item := range mm {
		if !item.IsReadable() || item.Size > maxRegionSize {
			continue
		}

		data, err := proc.ReadMemory(process.ProcessMemoryAddress(item.Address), process.ProcessMemorySize(item.Size))
		if err != nil {
			continue // Region may have been released since the map was taken
		}

		blob.Map(process.ProcessMemoryAddress(item.Address), data, process.ProcessMemoryProtection(item.Protection))
	}

	return blob, nil
}

// Save writes the blob to dirname as metadata, a memory map and one file per region
func (p *ProcessBlob) Save(dirname string) error {
	if err := os.MkdirAll(dirname, 0755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}

	p.mu.Lock()
	metadata := dumpMetadata{
		PID:        p.pid,
		MainModule: p.mainModule,
		Modules:    append([]process.ModuleInfo(nil), p.modules...),
	}
	p.mu.Unlock()

	if err := writeJSON(filepath.Join(dirname, "metadata.json"), metadata); err != nil {
		return err
	}

	mm, err := p.GetMemoryMap()
	if err != nil {
		return err
	}

	if err := writeJSON(filepath.Join(dirname, "process_memory_map.json"), mm); err != nil {
		return err
	}

	for _, item := range mm {
		data, err := p.Peek(process.ProcessMemoryAddress(item.Address), process.ProcessMemorySize(item.Size))
		if err != nil {
			return fmt.Errorf("failed to read region 0x%x: %w", item.Address, err)
		}

		if err := os.WriteFile(blobFilename(dirname, item), data, 0644); err != nil {
			return fmt.Errorf("failed to write blob: %w", err)
		}
	}

	return nil
}

// Load reads a dump written by Save
func Load(dirname string) (*ProcessBlob, error) {
	var metadata dumpMetadata
	if err := readJSON(filepath.Join(dirname, "metadata.json"), &metadata); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var mm []memory_map.MemoryMapItem
	if err := readJSON(filepath.Join(dirname, "process_memory_map.json"), &mm); err != nil {
		return nil, fmt.Errorf("failed to read memory map: %w", err)
	}

	blob := NewProcessBlob(metadata.PID)
	if metadata.MainModule != "" {
		blob.SetMainModule(metadata.MainModule)
	}
	for _, module := range metadata.Modules {
		blob.AddModule(module)
	}

	memory_map.Sort(mm)
	for _, item := range mm {
		filename := blobFilename(dirname, item)
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			continue // Blob not saved (e.g. too large or not readable)
		}

		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read blob %s: %w", filename, err)
		}

		blob.Map(process.ProcessMemoryAddress(item.Address), data, process.ProcessMemoryProtection(item.Protection))
	}

	return blob, nil
}

func blobFilename(dirname string, item memory_map.MemoryMapItem) string {
	return filepath.Join(dirname, fmt.Sprintf("blob_0x%x_%d.bin", item.Address, item.Size))
}

func writeJSON(filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(filename), err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(filename), err)
	}
	return nil
}

func readJSON(filename string, v interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
