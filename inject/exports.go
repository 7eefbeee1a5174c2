package inject

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/Binject/debug/pe"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"gohook/config"
	"gohook/diag"
	"gohook/process"
)

// Forwarder chains longer than this are treated as broken
const maxForwardDepth = 4

// Header bytes read to find SizeOfImage
const peHeaderProbe = 0x1000

// Index of the export table in the data directory
const exportDirectoryIndex = 0

// IMAGE_NT_OPTIONAL_HDR32_MAGIC
const optionalHeader32Magic = 0x10B

var (
	ErrExportNotFound = errors.New("export not found")
	ErrBadImage       = errors.New("not a 32-bit PE image")
)

// Resolver finds entry points inside the target
type Resolver interface {
	Resolve(module, symbol string) (process.ProcessMemoryAddress, error)
}

// ImageSource is what export resolution reads from the target
type ImageSource interface {
	GetPID() process.ProcessID
	Modules() ([]process.ModuleInfo, error)
	ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error)
}

// ExportResolver parses export tables of modules mapped in the target.
// Resolved addresses are cached per pid, module base and symbol.
type ExportResolver struct {
	proc  ImageSource
	cache *lru.Cache
	log   *diag.Scoped
}

var _ Resolver = (*ExportResolver)(nil)

func NewExportResolver(proc ImageSource, cacheSize int, logger diag.Logger) (*ExportResolver, error) {
	if cacheSize <= 0 {
		cacheSize = config.DefaultExportCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create export cache")
	}
	return &ExportResolver{
		proc:  proc,
		cache: cache,
		log:   diag.NewScoped(logger, diag.Core),
	}, nil
}

// Resolve returns the address of symbol exported by module.
// Under WOW64 the 64-bit copy of a system module is skipped.
func (r *ExportResolver) Resolve(module, symbol string) (process.ProcessMemoryAddress, error) {
	return r.resolve(module, symbol, 0)
}

// ResolveAny tries modules in order and returns the first hit with the module it came from
func ResolveAny(r Resolver, modules []string, symbol string) (process.ProcessMemoryAddress, string, error) {
	var lastErr error
	for _, module := range modules {
		addr, err := r.Resolve(module, symbol)
		if err == nil {
			return addr, module, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrExportNotFound
	}
	return 0, "", errors.Wrapf(lastErr, "resolve %s in %s", symbol, strings.Join(modules, ", "))
}

func (r *ExportResolver) resolve(module, symbol string, depth int) (process.ProcessMemoryAddress, error) {
	if depth > maxForwardDepth {
		return 0, errors.Wrapf(ErrExportNotFound, "forwarder chain too deep at %s!%s", module, symbol)
	}

	modules, err := r.proc.Modules()
	if err != nil {
		return 0, errors.Wrap(err, "list modules")
	}

	found := false
	var lastErr error
	for _, m := range modules {
		if !m.MatchName(module) {
			continue
		}
		found = true

		key := fmt.Sprintf("%d/%X/%s", r.proc.GetPID(), uint64(m.Base), symbol)
		if v, ok := r.cache.Get(key); ok {
			return v.(process.ProcessMemoryAddress), nil
		}

		addr, forward, err := r.lookup(m, symbol)
		if err != nil {
			lastErr = err
			continue
		}

		if forward != "" {
			fwdModule, fwdSymbol, err := splitForwarder(forward)
			if err != nil {
				return 0, err
			}
			r.log.Debugf("%s!%s forwards to %s!%s", module, symbol, fwdModule, fwdSymbol)
			addr, err = r.resolve(fwdModule, fwdSymbol, depth+1)
			if err != nil {
				return 0, err
			}
		}

		r.cache.Add(key, addr)
		r.log.Debugf("resolved %s!%s at %s", module, symbol, addr.ToString())
		return addr, nil
	}

	if !found {
		return 0, errors.Wrapf(process.ErrModuleNotFound, "module %s", module)
	}
	return 0, lastErr
}

// lookup parses the export table of one mapped image.
// A non-empty forward string means the export lives in another module.
func (r *ExportResolver) lookup(m process.ModuleInfo, symbol string) (addr process.ProcessMemoryAddress, forward string, err error) {
	reader := &remoteImage{proc: r.proc, base: m.Base}
	size, err := reader.sizeOfImage()
	if err != nil {
		return 0, "", errors.Wrapf(err, "%s", m.Name)
	}
	reader.size = size

	// The parser panics on some malformed images
	defer func() {
		if p := recover(); p != nil {
			addr, forward, err = 0, "", errors.Wrapf(ErrBadImage, "%s at %s: parser panic: %v", m.Name, m.Base.ToString(), p)
		}
	}()

	f, err := pe.NewFileFromMemory(reader)
	if err != nil {
		return 0, "", errors.Wrapf(ErrBadImage, "%s at %s: %v", m.Name, m.Base.ToString(), err)
	}
	defer f.Close()

	oh, ok := f.OptionalHeader.(*pe.OptionalHeader32)
	if !ok || oh.NumberOfRvaAndSizes == 0 {
		return 0, "", errors.Wrapf(ErrExportNotFound, "%s has no export directory", m.Name)
	}
	dir := oh.DataDirectory[exportDirectoryIndex]

	exports, err := f.Exports()
	if err != nil {
		return 0, "", errors.Wrapf(err, "parse exports of %s", m.Name)
	}

	for _, e := range exports {
		if e.Name != symbol {
			continue
		}
		if e.VirtualAddress >= dir.VirtualAddress && e.VirtualAddress < dir.VirtualAddress+dir.Size {
			fwd, err := reader.cString(e.VirtualAddress)
			if err != nil {
				return 0, "", errors.Wrapf(err, "read forwarder of %s!%s", m.Name, symbol)
			}
			return 0, fwd, nil
		}
		return m.Base + process.ProcessMemoryAddress(e.VirtualAddress), "", nil
	}

	return 0, "", errors.Wrapf(ErrExportNotFound, "%s!%s", m.Name, symbol)
}

// splitForwarder turns "NTDLL.RtlAllocateHeap" into ntdll.dll and RtlAllocateHeap
func splitForwarder(forward string) (string, string, error) {
	dot := strings.LastIndexByte(forward, '.')
	if dot <= 0 || dot == len(forward)-1 {
		return "", "", errors.Errorf("malformed forwarder %q", forward)
	}
	module, symbol := forward[:dot], forward[dot+1:]
	if strings.HasPrefix(symbol, "#") {
		return "", "", errors.Errorf("ordinal forwarder %q not supported", forward)
	}
	if !strings.Contains(module, ".") {
		module += ".dll"
	}
	return strings.ToLower(module), symbol, nil
}

// remoteImage is an io.ReaderAt over an image mapped in the target
type remoteImage struct {
	proc ImageSource
	base process.ProcessMemoryAddress
	size uint32
}

// sizeOfImage checks the headers describe a PE32 i386 image and returns SizeOfImage
func (m *remoteImage) sizeOfImage() (uint32, error) {
	header, err := m.proc.ReadMemory(m.base, peHeaderProbe)
	if err != nil {
		return 0, errors.Wrapf(err, "read image header at %s", m.base.ToString())
	}
	if header[0] != 'M' || header[1] != 'Z' {
		return 0, errors.Wrapf(ErrBadImage, "no MZ signature at %s", m.base.ToString())
	}
	peOffset := binary.LittleEndian.Uint32(header[0x3C:])
	if uint64(peOffset)+24+60 > peHeaderProbe {
		return 0, errors.Wrapf(ErrBadImage, "PE offset 0x%X too large", peOffset)
	}
	if string(header[peOffset:peOffset+4]) != "PE\x00\x00" {
		return 0, errors.Wrapf(ErrBadImage, "no PE signature at %s", m.base.ToString())
	}
	// FileHeader.Machine follows the signature, the optional header magic follows the 20 byte FileHeader
	if machine := binary.LittleEndian.Uint16(header[peOffset+4:]); machine != pe.IMAGE_FILE_MACHINE_I386 {
		return 0, errors.Wrapf(ErrBadImage, "machine 0x%X at %s", machine, m.base.ToString())
	}
	if magic := binary.LittleEndian.Uint16(header[peOffset+24:]); magic != optionalHeader32Magic {
		return 0, errors.Wrapf(ErrBadImage, "optional header magic 0x%X at %s", magic, m.base.ToString())
	}
	// OptionalHeader starts 24 bytes past the signature, SizeOfImage is at +56
	return binary.LittleEndian.Uint32(header[peOffset+24+56:]), nil
}

func (m *remoteImage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(m.size) {
		return 0, io.EOF
	}
	n := len(p)
	if rest := int64(m.size) - off; int64(n) > rest {
		n = int(rest)
	}
	data, err := m.proc.ReadMemory(m.base+process.ProcessMemoryAddress(off), process.ProcessMemorySize(n))
	if err != nil {
		return 0, err
	}
	copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *remoteImage) cString(rva uint32) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 64)
	for off := int64(rva); sb.Len() < 256; off += int64(len(buf)) {
		n, err := m.ReadAt(buf, off)
		for _, b := range buf[:n] {
			if b == 0 {
				return sb.String(), nil
			}
			sb.WriteByte(b)
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.Errorf("unterminated string at RVA 0x%X", rva)
}
