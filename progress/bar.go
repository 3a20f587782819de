package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/YTianZHU/unilm/format"
)

type Stats struct {
	rate      float64 // steps per second
	value     int64
	remaining time.Duration
}

// Bar renders training progress as completed steps out of a target, with
// the current loss, the step rate and a remaining-time estimate.
type Bar struct {
	message      string
	messageWidth int

	maxValue     int64
	initialValue int64
	currentValue int64

	loss    float64
	hasLoss bool

	started time.Time

	stats   Stats
	statted time.Time
}

func NewBar(message string, maxValue, initialValue int64) *Bar {
	return &Bar{
		message:      message,
		messageWidth: -1,
		maxValue:     maxValue,
		initialValue: initialValue,
		currentValue: initialValue,
		started:      time.Now(),
	}
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = defaultTermWidth
	}

	var pre, mid, suf strings.Builder

	if b.message != "" {
		message := strings.TrimSpace(b.message)
		if b.messageWidth > 0 && len(message) > b.messageWidth {
			message = message[:b.messageWidth]
		}

		fmt.Fprintf(&pre, "%s", message)
		if b.messageWidth-pre.Len() >= 0 {
			pre.WriteString(strings.Repeat(" ", b.messageWidth-pre.Len()))
		}

		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))

	fmt.Fprintf(&suf, "(%s/%s steps", format.HumanNumber(uint64(b.currentValue)), format.HumanNumber(uint64(b.maxValue)))

	if b.hasLoss {
		fmt.Fprintf(&suf, ", loss %.4f", b.loss)
	}

	stats := b.Stats()
	if stats.value > b.initialValue && stats.value < b.maxValue {
		fmt.Fprintf(&suf, ", %s", format.HumanRate(stats.rate))
	}

	fmt.Fprintf(&suf, ")")

	elapsed := time.Since(b.started)
	var timing string
	if stats.value > b.initialValue && stats.value < b.maxValue {
		timing = fmt.Sprintf("[%s:%s]", format.HumanDuration(elapsed), format.HumanDuration(stats.remaining))
	}

	// 44 is the maximum width for the stats on the right of the progress bar
	if suf.Len() < 44 {
		suf.WriteString(strings.Repeat(" ", 44-suf.Len()-len(timing)))
	}

	suf.WriteString(timing)

	// add 3 extra spaces: 2 boundary characters and 1 space at the end
	f := termWidth - pre.Len() - suf.Len() - 3
	n := int(float64(f) * b.percent() / 100)

	if f > 0 {
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		if f-n > 0 {
			mid.WriteString(strings.Repeat(" ", f-n))
		}
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}

func (b *Bar) Set(value int64) {
	if value >= b.maxValue {
		value = b.maxValue
	}

	b.currentValue = value
}

// SetLoss updates the loss shown next to the step count.
func (b *Bar) SetLoss(loss float64) {
	b.loss = loss
	b.hasLoss = true
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue) / float64(b.maxValue) * 100
	}

	return 0
}

func (b *Bar) Stats() Stats {
	if time.Since(b.statted) < time.Second {
		return b.stats
	}

	switch {
	case b.statted.IsZero():
		b.stats = Stats{
			value:     b.initialValue,
			rate:      0,
			remaining: 0,
		}
	case b.currentValue >= b.maxValue:
		b.stats = Stats{
			value:     b.maxValue,
			rate:      0,
			remaining: 0,
		}
	default:
		elapsed := time.Since(b.statted).Seconds()
		rate := float64(b.currentValue-b.stats.value) / elapsed
		var remaining time.Duration
		if rate > 0 {
			remaining = time.Duration(float64(b.maxValue-b.currentValue) / rate * float64(time.Second))
		} else {
			remaining = time.Duration(math.MaxInt64)
		}

		b.stats = Stats{
			value:     b.currentValue,
			rate:      rate,
			remaining: remaining,
		}
	}

	b.statted = time.Now()

	return b.stats
}
