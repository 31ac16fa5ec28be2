package scheduler

import "github.com/robfig/cron/v3"

// CronParser wraps robfig/cron for schedule-only usage.
type CronParser struct {
	parser cron.Parser
}

// NewCronParser creates a parser supporting standard 5-field cron with descriptors.
func NewCronParser() *CronParser {
	return &CronParser{
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// Parse returns the schedule for a cron expression.
func (p *CronParser) Parse(expression string) (cron.Schedule, error) {
	return p.parser.Parse(expression)
}
