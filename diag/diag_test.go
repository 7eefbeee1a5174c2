package diag

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *recorder) Log(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) all() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

func TestScoped(t *testing.T) {
	rec := &recorder{}
	s := NewScoped(rec, Hooks).WithBot("bot-1")
	s.Infof("installed at 0x%X", 0x401000)
	s.WithCategory(Memory).Errorf("boom")

	entries := rec.all()
	require.Len(t, entries, 2)
	assert.Equal(t, Info, entries[0].Severity)
	assert.Equal(t, Hooks, entries[0].Category)
	assert.Equal(t, "bot-1", entries[0].BotID)
	assert.Equal(t, "installed at 0x401000", entries[0].Message)
	assert.Equal(t, Memory, entries[1].Category)
	assert.Contains(t, entries[1].String(), "[ERROR] [Memory] [bot-1] boom")
}

func TestNilScopedDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		NewScoped(nil, Core).Debugf("nothing")
	})
}

func TestFilter(t *testing.T) {
	rec := &recorder{}
	f := NewFilter(rec, Info)
	s := NewScoped(f, Core)

	s.Debugf("dropped by severity")
	s.Infof("kept")

	f.SetCategory(Core, false)
	s.Warnf("dropped by category")
	f.SetCategory(Core, true)

	f.SetEnabled(false)
	s.Errorf("dropped globally")
	f.SetEnabled(true)

	f.SetMinSeverity(Debug)
	s.Debugf("kept too")

	entries := rec.all()
	require.Len(t, entries, 2)
	assert.Equal(t, "kept", entries[0].Message)
	assert.Equal(t, "kept too", entries[1].Message)
}

func TestHubNeverBlocks(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Log(Entry{Message: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub blocked on a full subscriber")
	}

	assert.Len(t, ch, 2)
	assert.Equal(t, uint64(8), h.Dropped())

	cancel()
	cancel()
	assert.Equal(t, 0, h.Subscribers())
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, 2, n, "buffered entries survive cancel")
}

func TestStructured(t *testing.T) {
	var buf bytes.Buffer
	s := NewStructured(&buf, Info, logrus.Fields{"layer": "hooks"})

	s.Log(Entry{Time: time.Now(), Severity: Debug, Category: Hooks, Message: "hidden"})
	s.Log(Entry{Time: time.Now(), Severity: Warning, Category: Hooks, BotID: "b7", Message: "restore failed"})

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "restore failed")
	assert.Contains(t, out, "category=Hooks")
	assert.Contains(t, out, "bot=b7")
	assert.Contains(t, out, "layer=hooks")
}

func TestParse(t *testing.T) {
	s, err := ParseSeverity("Warn")
	require.NoError(t, err)
	assert.Equal(t, Warning, s)
	_, err = ParseSeverity("loud")
	assert.Error(t, err)

	c, err := ParseCategory("hooks")
	require.NoError(t, err)
	assert.Equal(t, Hooks, c)
	_, err = ParseCategory("gui")
	assert.Error(t, err)
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi(a, nil, b)
	m.Log(Entry{Message: "both"})
	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
	assert.Equal(t, Logger(a), Multi(a))
}

func TestConsoleLineMarksErrors(t *testing.T) {
	warn := consoleLine(Entry{Severity: Warning, Category: Hooks, BotID: "bot1", Message: "slow"})
	assert.NotContains(t, warn, "[ERROR]")
	assert.Contains(t, warn, "["+Hooks.String()+"] [bot1] slow")

	failed := consoleLine(Entry{Severity: Error, Category: Memory, Message: "write failed"})
	assert.Contains(t, failed, "[ERROR]")
	assert.Contains(t, failed, "["+Memory.String()+"] write failed")
}
