package diag

import "sync"

// Filter forwards entries that pass a global switch, a minimum severity and a per-category switch.
// Categories start enabled.
type Filter struct {
	next Logger

	mu       sync.RWMutex
	enabled  bool
	min      Severity
	disabled map[Category]bool
}

func NewFilter(next Logger, min Severity) *Filter {
	return &Filter{
		next:     next,
		enabled:  true,
		min:      min,
		disabled: make(map[Category]bool),
	}
}

// SetEnabled is the global switch
func (f *Filter) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *Filter) SetMinSeverity(min Severity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.min = min
}

func (f *Filter) SetCategory(category Category, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if enabled {
		delete(f.disabled, category)
	} else {
		f.disabled[category] = true
	}
}

// Allows reports whether an entry with this severity and category would be forwarded
func (f *Filter) Allows(severity Severity, category Category) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled && severity >= f.min && !f.disabled[category]
}

func (f *Filter) Log(e Entry) {
	if f.Allows(e.Severity, e.Category) {
		f.next.Log(e)
	}
}
