package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

const progressWidth = 40

// ProgressBar draws transfer progress on one line.
type ProgressBar struct {
	mu      sync.Mutex
	w       io.Writer
	title   string
	total   int64
	current int64
}

// NewProgressBar creates a bar for a transfer of total bytes. A total
// of zero draws a byte counter instead of a bar.
func NewProgressBar(w io.Writer, title string, total int64) *ProgressBar {
	return &ProgressBar{w: w, title: title, total: total}
}

// Add advances the bar by n bytes.
func (p *ProgressBar) Add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current += n
	p.render()
}

// Current returns the bytes recorded so far.
func (p *ProgressBar) Current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Finish draws the final state and ends the line.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.render()
	fmt.Fprintln(p.w)
}

func (p *ProgressBar) render() {
	if p.total <= 0 {
		fmt.Fprintf(p.w, "\r%s %s", p.title, FormatBytes(p.current))
		return
	}

	ratio := float64(p.current) / float64(p.total)
	if ratio > 1 {
		ratio = 1
	}
	filled := int(progressWidth * ratio)
	fmt.Fprintf(p.w, "\r%s [%s%s] %3.0f%% (%s/%s)",
		p.title,
		strings.Repeat("█", filled),
		strings.Repeat("░", progressWidth-filled),
		ratio*100,
		FormatBytes(p.current),
		FormatBytes(p.total),
	)
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
