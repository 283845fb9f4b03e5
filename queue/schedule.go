package queue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next processor tick after a given time.
type Schedule interface {
	Next(time.Time) time.Time
}

type cronSchedule struct {
	schedule cron.Schedule
}

func (cs *cronSchedule) Next(t time.Time) time.Time {
	return cs.schedule.Next(t)
}

// ParseSchedule parses the processor interval setting. Supports:
//   - Cron expressions: "*/1 * * * *" (5-field) or "0 */1 * * * *" (6-field)
//   - Descriptors: "@every 30s"
//   - Go duration strings: "30s", "5m"
func ParseSchedule(spec string) (Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("processor interval is empty")
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return &cronSchedule{schedule: sched}, nil
	}

	duration, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse processor interval as cron expression or duration: %w", err)
	}
	return &cronSchedule{schedule: cron.ConstantDelaySchedule{Delay: duration}}, nil
}
