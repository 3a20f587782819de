package format

import (
	"fmt"
	"time"
)

// HumanNumber renders large counts (parameter totals, dataset sizes) in a
// compact form, e.g. 676M or 1.3B.
func HumanNumber(b uint64) string {
	const (
		Thousand = 1000
		Million  = Thousand * 1000
		Billion  = Million * 1000
	)

	switch {
	case b >= Billion:
		return fmt.Sprintf("%s%s", decimalPlace(float64(b)/Billion), "B")
	case b >= Million:
		return fmt.Sprintf("%s%s", decimalPlace(float64(b)/Million), "M")
	case b >= Thousand:
		return fmt.Sprintf("%s%s", decimalPlace(float64(b)/Thousand), "K")
	default:
		return fmt.Sprintf("%d", b)
	}
}

func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}

// HumanDuration renders an elapsed or remaining training time, keeping at
// most two leading units so log lines stay short.
func HumanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	switch {
	case d >= 100*time.Hour:
		return "99h+"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// HumanRate renders a steps-per-second figure, switching to seconds-per-step
// below one.
func HumanRate(stepsPerSecond float64) string {
	if stepsPerSecond <= 0 {
		return "0 it/s"
	}
	if stepsPerSecond >= 1 {
		return fmt.Sprintf("%.2f it/s", stepsPerSecond)
	}
	return fmt.Sprintf("%.2f s/it", 1/stepsPerSecond)
}
