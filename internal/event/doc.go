// Package event is the observability surface of the session runtime: a
// synchronous pub-sub bus carrying lifecycle transitions, attach/detach
// notifications and resource-leak reports.
//
// The TUI subscribes to refresh its session list; tests subscribe to
// assert on transition order.
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeSessionTransition, func(e event.Event) {
//	    t := e.(event.SessionTransitionEvent)
//	    fmt.Println(t.SessionID, t.From, "->", t.To)
//	})
//
// Handlers run on the publisher's goroutine, in registration order, with
// type-specific handlers before wildcard ones. A panicking handler is
// recovered and logged so the remaining handlers still run.
package event
