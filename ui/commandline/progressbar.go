// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// Metric is a named value displayed along the progress bar.
type Metric struct {
	Name, Value string
}

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
var maxUpdateFrequency = time.Millisecond * 200

type progressBarUpdate struct {
	step    int
	metrics []Metric
}

// ProgressBar displays the progression of a loop of steps (e.g.: the batches of an epoch), with a table of
// metrics above it.
//
// Updates are drawn asynchronously, so a loop faster than the terminal is not slowed down: intermediary
// updates are dropped.
type ProgressBar struct {
	numSteps     int
	lastStep     int
	writer       io.Writer
	bar          *progressbar.ProgressBar
	start        time.Time
	output       *termenv.Output
	statsStyle   lipgloss.Style
	statsTable   *lgtable.Table
	linesPrinted int

	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	extraMetricFns   []ExtraMetricFn
}

// NewProgressBar creates a progress bar of numSteps steps written to w, and starts drawing it.
// Call Done when the loop finishes.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func NewProgressBar(w io.Writer, numSteps int, unit string, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		numSteps:       max(numSteps, 1),
		writer:         w,
		start:          time.Now(),
		output:         termenv.NewOutput(w),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		updates:        make(chan progressBarUpdate, 100), // Large buffer so things are not blocked.
		extraMetricFns: extraMetrics,
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(unit),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(w),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.draw()
	return pBar
}

// Update reports that step steps are completed, with the current metrics. Steps going backwards are ignored.
func (pBar *ProgressBar) Update(step int, metrics ...Metric) {
	if step <= pBar.lastStep {
		return
	}
	pBar.lastStep = step
	pBar.updates <- progressBarUpdate{step: step, metrics: metrics}
}

// Done stops the progress bar, waiting for the pending updates to be drawn.
func (pBar *ProgressBar) Done() {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.output.ShowCursor()
	_, _ = fmt.Fprintln(pBar.writer)
}

// draw runs on its own goroutine until the updates channel is closed.
func (pBar *ProgressBar) draw() {
	defer pBar.asyncUpdatesDone.Done()
	drawnStep := 0
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Step", fmt.Sprintf("%s of %s", humanizeInt(update.step), humanizeInt(pBar.numSteps)))
		if update.step > 0 {
			pBar.statsTable.Row("Mean step duration",
				FormatDuration(time.Since(pBar.start)/time.Duration(update.step)))
		}
		for _, metric := range update.metrics {
			pBar.statsTable.Row(metric.Name, metric.Value)
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.output.HideCursor()
		if pBar.linesPrinted > 0 {
			pBar.output.CursorPrevLine(pBar.linesPrinted)
		}
		stats := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(pBar.writer, stats)
		_ = pBar.bar.Add(update.step - drawnStep) // Prints progress bar line.
		drawnStep = update.step
		_, _ = fmt.Fprintln(pBar.writer)
		pBar.linesPrinted = strings.Count(stats, "\n") + 2
		pBar.output.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func humanizeInt[I interface {
	uint64 | uint32 | uint16 | uint8 | int64 | int32 | int16 | int8 | int
}](nI I) string {
	n := int(nI)
	str := fmt.Sprintf("%d", n)
	result := make([]byte, 0, len(str)+len(str)/3)
	strLen := len(str)
	for i := strLen - 1; i >= 0; i-- {
		if (strLen-i-1)%3 == 0 && i < strLen-1 {
			result = append([]byte{'_'}, result...)
		}
		result = append([]byte{str[i]}, result...)
	}
	return string(result)
}
