package call

import (
	"context"

	"github.com/looplab/fsm"
)

// Machine events. The table in newMachine is the complete set of legal
// transitions; everything the manager does goes through fire.
const (
	evDial      = "dial"
	evOfferSent = "offer_sent"
	evAnswered  = "answered"
	evRing      = "ring"
	evAccept    = "accept"
	evConnected = "connected"
	evTerminate = "terminate"
	evFinish    = "finish"
)

var liveStates = []string{
	string(StateDialing),
	string(StateRingingRemote),
	string(StateRingingLocal),
	string(StateConnecting),
	string(StateActive),
}

type machine struct {
	fsm *fsm.FSM
}

func newMachine(onEnter func(ev string, from, to State)) *machine {
	return &machine{fsm: fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateDialing)},
			{Name: evOfferSent, Src: []string{string(StateDialing)}, Dst: string(StateRingingRemote)},
			{Name: evAnswered, Src: []string{string(StateDialing), string(StateRingingRemote)}, Dst: string(StateConnecting)},
			{Name: evRing, Src: []string{string(StateIdle)}, Dst: string(StateRingingLocal)},
			{Name: evAccept, Src: []string{string(StateRingingLocal)}, Dst: string(StateConnecting)},
			{Name: evConnected, Src: []string{string(StateConnecting)}, Dst: string(StateActive)},
			{Name: evTerminate, Src: liveStates, Dst: string(StateTerminating)},
			{Name: evFinish, Src: []string{string(StateTerminating)}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(e.Event, State(e.Src), State(e.Dst))
				}
			},
		},
	)}
}

func (m *machine) current() State { return State(m.fsm.Current()) }

func (m *machine) can(ev string) bool { return m.fsm.Can(ev) }

// fire applies ev. An illegal event returns an error and leaves the state
// unchanged.
func (m *machine) fire(ev string) error {
	return m.fsm.Event(context.Background(), ev)
}
