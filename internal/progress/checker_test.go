package progress

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Report
	}{
		{
			"empty document",
			"# Plan\n\nJust prose here.\n",
			Report{},
		},
		{
			"mixed checkboxes",
			"- [ ] write parser\n- [x] set up repo\n- [X] add CI\n* [ ] docs\n+ [x] release\n",
			Report{Total: 5, Completed: 3, Remaining: 2},
		},
		{
			"indented items count",
			"- [ ] parent\n  - [x] child\n",
			Report{Total: 2, Completed: 1, Remaining: 1},
		},
		{
			"inline optional tag excluded",
			"- [ ] required step\n- [ ] polish animations (optional)\n",
			Report{Total: 1, Remaining: 1, Optional: 1},
		},
		{
			"optional section excluded until same-level heading",
			"## Required\n- [ ] a\n## Optional extras\n- [ ] b\n- [x] c\n## More required\n- [ ] d\n",
			Report{Total: 2, Remaining: 2, Optional: 2},
		},
		{
			"deeper heading stays inside optional section",
			"## Optional\n### Details\n- [ ] nested\n## Back\n- [ ] real\n",
			Report{Total: 1, Remaining: 1, Optional: 1},
		},
		{
			"cjk optional marker",
			"## 可选任务\n- [ ] 打磨\n## 必选\n- [ ] 核心\n",
			Report{Total: 1, Remaining: 1, Optional: 1},
		},
		{
			"checkbox needs text",
			"- [ ]\n- [ ] real one\n",
			Report{Total: 1, Remaining: 1},
		},
		{
			"all done",
			"- [x] a\n- [x] b\n",
			Report{Total: 2, Completed: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.content))
		})
	}
}

func TestReportString(t *testing.T) {
	assert.Equal(t, "no tasks found in document", Report{}.String())
	assert.Equal(t, "3/10 completed (7 remaining)",
		Report{Total: 10, Completed: 3, Remaining: 7}.String())
	assert.Equal(t, "3/10 completed (7 remaining, 5 optional excluded)",
		Report{Total: 10, Completed: 3, Remaining: 7, Optional: 5}.String())
}

func TestReportHasRemaining(t *testing.T) {
	assert.True(t, Report{Remaining: 1}.HasRemaining())
	assert.False(t, Report{Total: 2, Completed: 2}.HasRemaining())
}

func TestCheckerMissingDoc(t *testing.T) {
	c := NewChecker()
	_, err := c.Check(filepath.Join(t.TempDir(), "nope.md"))
	assert.ErrorIs(t, err, ErrDocMissing)
}

func TestCheckerReadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "PLAN.md")
	require.NoError(t, os.WriteFile(doc, []byte("- [ ] a\n- [x] b\n"), 0o644))

	c := NewChecker()
	rep, err := c.Check(doc)
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 2, Completed: 1, Remaining: 1}, rep)

	// A write bumps the mtime past the scan time, so the cache is bypassed.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(doc, []byte("- [x] a\n- [x] b\n"), 0o644))
	rep, err = c.Check(doc)
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 2, Completed: 2}, rep)
}

func TestCheckerCacheServesUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "PLAN.md")
	require.NoError(t, os.WriteFile(doc, []byte("- [ ] a\n"), 0o644))

	c := NewChecker()
	_, err := c.Check(doc)
	require.NoError(t, err)

	// Freeze the clock so the TTL cannot expire between the two calls.
	frozen := time.Now()
	c.now = func() time.Time { return frozen }

	rep, err := c.Check(doc)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Remaining)
}

func TestCheckerInvalidate(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "PLAN.md")
	require.NoError(t, os.WriteFile(doc, []byte("- [ ] a\n"), 0o644))

	c := NewChecker()
	_, err := c.Check(doc)
	require.NoError(t, err)

	c.Invalidate(doc)
	assert.Empty(t, c.cache)

	_, err = c.Check(doc)
	require.NoError(t, err)
	c.Invalidate("")
	assert.Empty(t, c.cache)
}

func TestWatcherInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "PLAN.md")
	require.NoError(t, os.WriteFile(doc, []byte("- [ ] a\n"), 0o644))

	c := NewChecker()
	w, err := NewWatcher(c)
	require.NoError(t, err)
	defer w.Close()

	changed := make(chan struct{}, 1)
	require.NoError(t, w.Watch(doc, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(doc, []byte("- [x] a\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification received")
	}

	rep, err := c.Check(doc)
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 1, Completed: 1}, rep)
}

func TestWatcherUnwatch(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "PLAN.md")
	require.NoError(t, os.WriteFile(doc, []byte("- [ ] a\n"), 0o644))

	c := NewChecker()
	w, err := NewWatcher(c)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Watch(doc, nil))
	w.Unwatch(doc)

	w.mu.Lock()
	assert.Empty(t, w.watched)
	w.mu.Unlock()
}
