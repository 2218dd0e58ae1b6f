package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field crontab expressions only.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var reSingleValue = regexp.MustCompile(`^\d{1,2}$`)

// customSpec is a parsed CUSTOM cron expression.
//
// Only the minute and hour fields drive the default daily placement; the full
// schedule is kept for definitions that honor the day-of-week field.
type customSpec struct {
	Expr     string
	Minute   int
	Hour     int
	Schedule cron.Schedule
}

// parseCustom parses "minute hour dom month dow". An optional "cron:" prefix
// is accepted. Minute and hour must be single numeric values.
func parseCustom(raw string) (customSpec, error) {
	expr := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(expr), "cron:") {
		expr = strings.TrimSpace(expr[len("cron:"):])
	}
	if expr == "" {
		return customSpec{}, fmt.Errorf("%w: cron expression required", ErrInvalidDefinition)
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return customSpec{}, fmt.Errorf("%w: cron expression %q must have 5 fields, got %d", ErrInvalidDefinition, raw, len(fields))
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return customSpec{}, fmt.Errorf("%w: cron expression %q: %v", ErrInvalidDefinition, raw, err)
	}
	if !reSingleValue.MatchString(fields[0]) || !reSingleValue.MatchString(fields[1]) {
		return customSpec{}, fmt.Errorf("%w: cron expression %q: minute and hour must be single values", ErrInvalidDefinition, raw)
	}

	// Ranges were checked by the parser.
	minute, _ := strconv.Atoi(fields[0])
	hour, _ := strconv.Atoi(fields[1])
	return customSpec{Expr: expr, Minute: minute, Hour: hour, Schedule: sched}, nil
}
