package host

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

var indicatorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#28a745")).
	Bold(true)

// Indicator tracks the number of open previews and, when enabled, reports
// it whenever it changes.
type Indicator struct {
	enabled bool
	logger  *log.Logger

	mu    sync.Mutex
	count int
}

// NewIndicator returns an indicator; a disabled one always reports "".
func NewIndicator(enabled bool, logger *log.Logger) *Indicator {
	return &Indicator{enabled: enabled, logger: logger}
}

// Update records a new count. It is safe to call from the preview event loop.
func (i *Indicator) Update(count int) {
	i.mu.Lock()
	changed := i.count != count
	i.count = count
	i.mu.Unlock()

	if changed && i.enabled && count > 0 {
		i.logger.Info(indicatorStyle.Render("● " + formatCount(count)))
	}
}

// Text is the indicator label, or "" when hidden.
func (i *Indicator) Text() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.enabled || i.count == 0 {
		return ""
	}
	return formatCount(i.count)
}

func formatCount(n int) string {
	if n == 1 {
		return "1 render"
	}
	return fmt.Sprintf("%d renders", n)
}
