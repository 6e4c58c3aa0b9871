package sip

import (
	"context"
	"net"

	"github.com/looplab/fsm"
)

// Dialog states
const (
	StateNone        = "none"
	StateRinging     = "ringing"
	StateEstablished = "established"
	StateTerminated  = "terminated"
)

// Dialog events
const (
	EventInvite = "invite"
	EventAck    = "ack"
	EventBye    = "bye"
)

// TransitionFunc observes every dialog state change
type TransitionFunc func(callID, from, to string)

// Dialog is one call leg identified by Call-ID.
// All fields are guarded by the engine's dialog table mutex.
type Dialog struct {
	callID      string
	fromTag     string
	toTag       string
	peer        *net.UDPAddr
	inviteCSeq  int
	rtpPort     int
	established bool

	// okResponse is re-sent on INVITE retransmissions
	okResponse []byte

	stateMachine *fsm.FSM
}

// DialogInfo is a read-only snapshot of a dialog
type DialogInfo struct {
	CallID      string
	FromTag     string
	ToTag       string
	Peer        string
	InviteCSeq  int
	RTPPort     int
	Established bool
	State       string
}

func newDialog(callID, fromTag, toTag string, peer *net.UDPAddr, cseq int, onTransition TransitionFunc) *Dialog {
	d := &Dialog{
		callID:     callID,
		fromTag:    fromTag,
		toTag:      toTag,
		peer:       peer,
		inviteCSeq: cseq,
	}

	d.stateMachine = fsm.NewFSM(
		StateNone,
		fsm.Events{
			{Name: EventInvite, Src: []string{StateNone}, Dst: StateRinging},
			{Name: EventAck, Src: []string{StateRinging}, Dst: StateEstablished},
			{Name: EventBye, Src: []string{StateNone, StateRinging, StateEstablished}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if onTransition != nil {
					onTransition(d.callID, e.Src, e.Dst)
				}
			},
		},
	)

	return d
}

// fire applies an event if the current state allows it
func (d *Dialog) fire(event string) bool {
	if !d.stateMachine.Can(event) {
		return false
	}
	return d.stateMachine.Event(context.Background(), event) == nil
}

func (d *Dialog) state() string {
	return d.stateMachine.Current()
}

func (d *Dialog) info() DialogInfo {
	peer := ""
	if d.peer != nil {
		peer = d.peer.String()
	}
	return DialogInfo{
		CallID:      d.callID,
		FromTag:     d.fromTag,
		ToTag:       d.toTag,
		Peer:        peer,
		InviteCSeq:  d.inviteCSeq,
		RTPPort:     d.rtpPort,
		Established: d.established,
		State:       d.state(),
	}
}
