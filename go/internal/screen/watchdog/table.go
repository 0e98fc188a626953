package watchdog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Timing is one row of the table.
type Timing struct {
	Interval time.Duration `yaml:"interval"`
	Grace    time.Duration `yaml:"grace"`
}

// Table maps rule names to their timings.
type Table map[string]Timing

// DefaultTable returns the built-in timings.
func DefaultTable() Table {
	return builtin()
}

// ParseTable decodes a YAML table. Rows missing from data keep their default timings.
func ParseTable(data []byte) (Table, error) {
	var doc struct {
		Watchdogs Table `yaml:"watchdogs"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse watchdog table: %w", err)
	}
	t := DefaultTable()
	for name, row := range doc.Watchdogs {
		base, known := t[name]
		if !known {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRule, name)
		}
		if row.Interval > 0 {
			base.Interval = row.Interval
		}
		if row.Grace > 0 {
			base.Grace = row.Grace
		}
		t[name] = base
	}
	return t, nil
}

// LoadTable reads a YAML table from path.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchdog table: %w", err)
	}
	return ParseTable(data)
}

// Timing returns the row for name.
func (t Table) Timing(name string) Timing {
	return t[name]
}

func builtin() Table {
	return Table{
		RuleIdleWithWaiters:   {Interval: 5 * time.Second},
		RuleStuckInResult:     {Interval: 2 * time.Second, Grace: 12 * time.Second},
		RuleStuckInSpin:       {Interval: 15 * time.Second, Grace: 60 * time.Second},
		RuleSpinResultTimeout: {Interval: time.Second, Grace: 20 * time.Second},
	}
}
