package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// DateTime is a DATE or DATE-TIME property value together with the zone it
// was expressed in.
type DateTime struct {
	Time     time.Time
	TZID     string
	DateOnly bool
	Floating bool // local time without TZID, resolved in the default location
}

// ID converts the value into an occurrence id
func (d DateTime) ID() ID {
	if d.DateOnly {
		return NewDateID(d.Time)
	}
	return ID{Time: d.Time, TZID: d.TZID}
}

// DateTimeFromID converts an occurrence id back into a property value
func DateTimeFromID(id ID) DateTime {
	return DateTime{Time: id.Time, TZID: id.TZID, DateOnly: id.DateOnly}
}

// ParseDateTime parses a DATE or DATE-TIME property. Values with a TZID the
// loader does not know are resolved in def and keep their TZID.
func ParseDateTime(prop *ical.Prop, locs LocationLoader, def *time.Location) (DateTime, error) {
	if prop == nil {
		return DateTime{}, fmt.Errorf("missing date-time property")
	}
	values, err := parseDateTimeValues(prop.Value, prop.Params, locs, def)
	if err != nil {
		return DateTime{}, fmt.Errorf("invalid %s: %w", prop.Name, err)
	}
	if len(values) != 1 {
		return DateTime{}, fmt.Errorf("invalid %s: expected one value, got %d", prop.Name, len(values))
	}
	return values[0], nil
}

// ParseDateTimeList parses every value of repeated, comma separated
// properties such as EXDATE and RDATE. Unparseable entries are skipped.
func ParseDateTimeList(props []ical.Prop, locs LocationLoader, def *time.Location) []DateTime {
	var out []DateTime
	for _, prop := range props {
		for _, part := range strings.Split(prop.Value, ",") {
			values, err := parseDateTimeValues(part, prop.Params, locs, def)
			if err != nil {
				continue
			}
			out = append(out, values...)
		}
	}
	return out
}

func parseDateTimeValues(value string, params ical.Params, locs LocationLoader, def *time.Location) ([]DateTime, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty value")
	}
	if def == nil {
		def = time.UTC
	}
	if locs == nil {
		locs = SystemLocations
	}

	isDateOnly := strings.EqualFold(params.Get(ical.ParamValue), "DATE") || !strings.Contains(value, "T")
	tzid := params.Get(ical.ParamTimezoneID)
	loc := def
	if tzid != "" {
		if l, err := locs.LoadLocation(tzid); err == nil {
			loc = l
		}
	}

	if isDateOnly {
		t, err := time.ParseInLocation(dateOnlyLayout, value, loc)
		if err != nil {
			return nil, err
		}
		return []DateTime{{Time: t, DateOnly: true}}, nil
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(utcLayout, value)
		if err != nil {
			return nil, err
		}
		return []DateTime{{Time: t}}, nil
	}

	t, err := time.ParseInLocation(localLayout, value, loc)
	if err != nil {
		return nil, err
	}
	return []DateTime{{Time: t, TZID: tzid, Floating: tzid == ""}}, nil
}

// FormatDateTime renders a value as a property with the given name
func FormatDateTime(name string, d DateTime) *ical.Prop {
	prop := ical.NewProp(name)
	switch {
	case d.DateOnly:
		prop.Params.Set(ical.ParamValue, "DATE")
		prop.Value = d.Time.Format(dateOnlyLayout)
	case d.TZID != "":
		prop.Params.Set(ical.ParamTimezoneID, d.TZID)
		prop.Value = d.Time.Format(localLayout)
	case d.Floating:
		prop.Value = d.Time.Format(localLayout)
	default:
		prop.Value = d.Time.UTC().Format(utcLayout)
	}
	return prop
}

// FormatDateTimeList renders several values of the same kind as one property
func FormatDateTimeList(name string, values []DateTime) *ical.Prop {
	if len(values) == 0 {
		return nil
	}
	prop := FormatDateTime(name, values[0])
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, FormatDateTime(name, v).Value)
	}
	prop.Value = strings.Join(parts, ",")
	return prop
}
