package trader

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ScheduleFor returns a schedule whose ticks fall on wall-clock boundaries of the trading
// frequency (every 5m fires at :00, :05, ...). Frequencies that do not divide the next unit up
// fall back to a constant delay.
func ScheduleFor(freq time.Duration) (cron.Schedule, error) {
	if freq < time.Second {
		return nil, fmt.Errorf("trading frequency %s is below one second", freq)
	}
	var expr string
	switch {
	case freq == 24*time.Hour:
		expr = "0 0 0 * * *"
	case freq%time.Hour == 0 && 24%int(freq/time.Hour) == 0:
		expr = fmt.Sprintf("0 0 */%d * * *", int(freq/time.Hour))
	case freq%time.Minute == 0 && freq < time.Hour && 60%int(freq/time.Minute) == 0:
		expr = fmt.Sprintf("0 */%d * * * *", int(freq/time.Minute))
	case freq < time.Minute && 60%int(freq/time.Second) == 0 && freq%time.Second == 0:
		expr = fmt.Sprintf("*/%d * * * * *", int(freq/time.Second))
	default:
		return cron.Every(freq), nil
	}
	return specParser.Parse(expr)
}
