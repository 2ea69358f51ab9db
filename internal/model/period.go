package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Period is a calendar month, serialized as "YYYY-MM".
type Period struct {
	Year  int
	Month int
}

// ParsePeriod parses a "YYYY-MM" string.
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "-")
	if len(parts) != 2 || len(parts[0]) != 4 || len(parts[1]) != 2 {
		return Period{}, eris.Errorf("period: invalid %q (want YYYY-MM)", s)
	}
	y, err := strconv.Atoi(parts[0])
	if err != nil {
		return Period{}, eris.Wrapf(err, "period: invalid year in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return Period{}, eris.Wrapf(err, "period: invalid month in %q", s)
	}
	if m < 1 || m > 12 {
		return Period{}, eris.Errorf("period: month out of range in %q", s)
	}
	return Period{Year: y, Month: m}, nil
}

// MustPeriod is ParsePeriod for literals; it panics on malformed input.
func MustPeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// IsZero reports whether p is the zero Period.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// index returns months since year 0, used for ordering and arithmetic.
func (p Period) index() int {
	return p.Year*12 + (p.Month - 1)
}

// AddMonths returns p shifted by n months (n may be negative).
func (p Period) AddMonths(n int) Period {
	i := p.index() + n
	return Period{Year: i / 12, Month: i%12 + 1}
}

// Before reports whether p is strictly earlier than q.
func (p Period) Before(q Period) bool { return p.index() < q.index() }

// After reports whether p is strictly later than q.
func (p Period) After(q Period) bool { return p.index() > q.index() }

// MonthsSince returns the signed number of months from q to p.
func (p Period) MonthsSince(q Period) int { return p.index() - q.index() }

// MarshalJSON encodes the zero Period as "".
func (p Period) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(p.String())
}

func (p *Period) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return eris.Wrap(err, "period: unmarshal")
	}
	if s == "" {
		*p = Period{}
		return nil
	}
	parsed, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(text []byte) error {
	parsed, err := ParsePeriod(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
