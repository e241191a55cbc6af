/*
Package server groups the scheduling core of a CalDAV/iTIP calendar backend.
The packages below it keep one consistent server-side view of recurring
events, attendee participation and alarm state while clients and mail
gateways deliver conflicting representations of the same data.

# Basic Usage

Wire a store, an interpreter and the state machine, then feed every incoming
scheduling message through Analyze and Apply:

	engine := recurrence.NewEngineWithConfig(recurrence.DefaultEngineConfig)
	defer engine.Close()

	store := series.NewStore(engine)
	interp := itip.NewInterpreter(store, itip.WithResolver(directory))
	machine := scheduling.New(store, interp)

	obj, err := schedule.Parse(raw)
	if err != nil {
		return err
	}
	for _, msg := range itip.MessagesFromObject(obj, "", "mailto:bob@example.com") {
		a, err := interp.Analyze(ctx, msg).Get()
		if err != nil {
			return err
		}
		res, err := machine.Apply(ctx, a).Get()
		if err != nil {
			return err
		}
		deliver(res.Notifications)
	}

# Packages

  - recurrence - occurrence ids, rrule-go expansion and its result cache
  - schedule - the scheduling object model on top of go-ical
  - identity - calendar user addresses, aliases and the static directory
  - series - the recurrence and exception store, the only mutable state
  - itip - turns a message into an Analysis without side effects
  - scheduling - applies analyses and local organizer edits, one commit each
  - alarm - merges client alarm state with the stored one
  - freebusy - busy time per attendee and VFREEBUSY rendering
  - config - YAML configuration for all of the above

# Error Handling

Every rejection is an *schederr.Error carrying the series UID, the recurrence
id when there is one, and a kind that callers test with errors.Is:

	if errors.Is(err, schederr.ErrStaleSequence) {
		// the client holds an older version of the event
	}

A rejected message never changes the store. Commits are all-or-nothing per
series, and writers to different series never wait for each other.

# Testing

The identity package ships a testify mock resolver, and series.WithClock pins
the modification timestamps:

	func TestMyScheduling(t *testing.T) {
		store := series.NewStore(nil, series.WithClock(func() time.Time { return fixed }))
		machine := scheduling.New(store, itip.NewInterpreter(store))
		// ...
	}

See cmd/caldora-itip for a complete replay tool.
*/
package server
