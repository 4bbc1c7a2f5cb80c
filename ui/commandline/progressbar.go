// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressBar displays the progress of a loop of steps (e.g. gradient descent), along with a table of metrics.
//
// On a terminal the table is redrawn asynchronously in place. When the output is not a terminal (or
// colors are disabled), the metrics are appended to the progress bar line instead.
type ProgressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	suffix           string
	plain            bool
	metricNames      []string

	muDurations   sync.Mutex
	lastStepTime  time.Time
	stepDurations []time.Duration

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount  int
	metrics []string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the default writer for the enclosed progressbar.ProgressBar.
// This ensures that the progress bar and its suffix are written in the same write operation.
func (pBar *ProgressBar) Write(data []byte) (n int, err error) {
	n, err = os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	_, err = os.Stdout.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

// NewProgressBar creates and displays a progress bar for numSteps steps. metricNames are the titles of the
// metrics passed to Update, in the same order.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func NewProgressBar(numSteps int, metricNames []string, extraMetrics ...ExtraMetricFn) *ProgressBar {
	output := termenv.NewOutput(os.Stdout)
	pBar := &ProgressBar{
		numSteps:       numSteps,
		plain:          output.Profile == termenv.Ascii,
		metricNames:    slices.Clone(metricNames),
		extraMetricFns: extraMetrics,
		lastStepTime:   time.Now(),
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(!pBar.plain),
		progressbar.OptionEnableColorCodes(!pBar.plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	if pBar.plain {
		return pBar
	}

	pBar.isFirstOutput = true
	pBar.termenv = output
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return pBar
}

// drawUpdates asynchronously draws the updates: this is handy if the loop is faster than the terminal.
func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Step", update.metrics[0])
		pBar.statsTable.Row("Median step duration", FormatDuration(pBar.MedianStepDuration()))
		for ii, name := range pBar.metricNames {
			pBar.statsTable.Row(name, update.metrics[1+ii])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := len(update.metrics) + 2 + 2 + len(pBar.extraMetricFns)
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Update reports that steps up to step (exclusive) are finished, with the current values of the metrics.
func (pBar *ProgressBar) Update(step int, metrics ...string) {
	if pBar.bar.IsFinished() {
		return
	}
	amount := step - pBar.lastStepReported
	if amount <= 0 {
		return
	}
	pBar.recordDuration(amount)

	if pBar.plain {
		parts := make([]string, 0, len(metrics)+1)
		parts = append(parts, fmt.Sprintf(" [step=%d]", step))
		for ii, value := range metrics {
			parts = append(parts, fmt.Sprintf(" [%s=%s]", pBar.metricNames[ii], value))
		}
		parts = append(parts, "        ")
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add(amount) // Triggers print, see [ProgressBar.Write] method.
	} else {
		pBar.suffix = "\033[J"
		update := progressBarUpdate{
			amount:  amount,
			metrics: make([]string, 0, len(pBar.metricNames)+1),
		}
		update.metrics = append(update.metrics, fmt.Sprintf("%s of %s", humanizeInt(step), humanizeInt(pBar.numSteps)))
		for ii := range pBar.metricNames {
			value := ""
			if ii < len(metrics) {
				value = metrics[ii]
			}
			update.metrics = append(update.metrics, value)
		}
		pBar.updates <- update
	}
	pBar.lastStepReported = step
}

// recordDuration splits the time since the last update among amount steps.
func (pBar *ProgressBar) recordDuration(amount int) {
	pBar.muDurations.Lock()
	defer pBar.muDurations.Unlock()
	now := time.Now()
	perStep := now.Sub(pBar.lastStepTime) / time.Duration(amount)
	pBar.lastStepTime = now
	pBar.stepDurations = append(pBar.stepDurations, perStep)
}

// MedianStepDuration returns the median of the step durations measured so far.
func (pBar *ProgressBar) MedianStepDuration() time.Duration {
	pBar.muDurations.Lock()
	defer pBar.muDurations.Unlock()
	if len(pBar.stepDurations) == 0 {
		return 0
	}
	sorted := slices.Clone(pBar.stepDurations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Done waits for the pending updates to be displayed and finishes the progress bar.
func (pBar *ProgressBar) Done() {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
}

// humanizeInt formats an integer with thousands separators.
func humanizeInt[I interface {
	uint64 | uint32 | uint16 | uint8 | int64 | int32 | int16 | int8 | int
}](n I) string {
	return humanize.Comma(int64(n))
}
