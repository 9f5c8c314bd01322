// Package harness runs scripted multi-user sessions against real engines.
//
// A scenario is a YAML file naming the users, the conversations they
// watch, a list of steps and a list of assertions on the final state.
// Every user gets a full engine.Engine; all of them share one in-process
// memory.Broker and one testutil.ManualClock, so a run is deterministic:
// the harness drives every loop itself and only moves time on an advance
// step.
//
// Steps are user intents (send, keystroke, place, accept, ...), clock
// advances, and faults injected into the broker or a user's synthetic
// media engine. After each step the harness records which lines of each
// user's state digest changed. The resulting trace is what golden files
// pin down:
//
//	[1 +0s] step amy: send c1 "hi"
//	[1 +0s] state amy: conv c1: [amy:"hi"(sent)] unread=0 typing=[]
//	[1 +0s] state bob: conv c1: [amy:"hi"(sent)] unread=1 typing=[]
//
// The same runner backs `parley simulate`.
package harness
