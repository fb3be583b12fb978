package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/llava-go/llava/format"
)

// Bar tracks the fraction of a model's weights that have been loaded.
type Bar struct {
	message string
	total   int64

	mu       sync.Mutex
	fraction float64
	started  time.Time
}

// NewBar returns a bar for loading total bytes.
func NewBar(message string, total int64) *Bar {
	return &Bar{message: message, total: total, started: time.Now()}
}

// Set records progress as a fraction in [0, 1]. Values outside the range
// are clamped.
func (b *Bar) Set(fraction float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fraction = math.Min(math.Max(float64(fraction), 0), 1)
}

func (b *Bar) percent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fraction * 100
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = 80
	}

	return b.render(termWidth)
}

func (b *Bar) render(width int) string {
	percent := b.percent()

	var pre, mid, suf strings.Builder
	if b.message != "" {
		pre.WriteString(strings.TrimSpace(b.message))
		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(percent))

	loaded := int64(float64(b.total) * percent / 100)
	fmt.Fprintf(&suf, "(%s/%s) %s", format.HumanBytes(loaded), format.HumanBytes(b.total), formatDuration(time.Since(b.started)))

	// 2 boundary characters and 1 space
	f := width - pre.Len() - suf.Len() - 3
	if f > 0 {
		n := int(float64(f) * percent / 100)
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		mid.WriteString(strings.Repeat(" ", f-n))
		mid.WriteString("▏ ")
	}

	return pre.String() + mid.String() + suf.String()
}
