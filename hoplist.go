package tunnel

// HopList is the ordered hops of one circuit. Hop 0 is the first relay; when
// conflux is in use, the last hop is the join point. Hops are only ever
// appended: destroying the list is the only way a hop goes away.
type HopList struct {
	hops []*Hop
}

// Hop returns the hop at position num, or nil if the circuit is shorter.
func (l *HopList) Hop(num HopNum) *Hop {
	if int(num) >= len(l.hops) {
		return nil
	}
	return l.hops[num]
}

// Push appends a hop.
func (l *HopList) Push(hop *Hop) {
	l.hops = append(l.hops, hop)
}

// Len returns the number of hops.
func (l *HopList) Len() int {
	return len(l.hops)
}

// IsEmpty reports whether the list has no hops.
func (l *HopList) IsEmpty() bool {
	return len(l.hops) == 0
}

// ReadyStreamCommands runs one fairness pass over every hop and returns the
// resulting commands, at most one per hop. For each hop whose congestion
// window permits sending, the hop's stream map picks the next ready stream
// round-robin; a stream whose writer is done yields a CloseStreamCmd instead
// of a SendCmd. A hop with an exhausted window contributes nothing this pass;
// it resumes once a SENDME refills the window.
//
// Draining only one message per hop per pass bounds the latency of control
// message processing between passes, at some cost to bulk throughput.
//
// This locks every hop's stream map in turn. Callers must guarantee a single
// scheduler: never run two passes concurrently, and never call this while
// holding any hop's map (for example from HasStreams or NOpenStreams).
func (l *HopList) ReadyStreamCommands() ([]CircuitCmd, error) {
	var cmds []CircuitCmd
	for i, hop := range l.hops {
		if !hop.ccontrol.CanSend() {
			// Nothing that counts toward windows may be sent on this hop.
			// Messages exempt from windows could in principle still go out,
			// but finding them would mean an extra scan per pass, and
			// SENDME-driven wakeup makes the stall short-lived.
			continue
		}
		hopNum := HopNum(i)

		m := hop.smap.Lock()
		id, msg, ok := m.PollReady()
		if !ok {
			hop.smap.Unlock()
			continue
		}
		if msg == nil {
			hop.smap.Unlock()
			cmds = append(cmds, CloseStreamCmd{
				Hop:      hopNum,
				StreamID: id,
				Behavior: DefaultCloseStreamBehavior(),
				Reason:   TerminateStreamTargetClosed,
			})
			continue
		}
		taken, err := m.TakeReadyMsg(id)
		if err != nil {
			hop.smap.Unlock()
			return nil, err
		}
		ent, entOK := m.GetOpen(id)
		hop.smap.Unlock()
		if !entOK {
			return nil, internalErrorf("ready stream %d disappeared during fairness pass", id)
		}
		if !ent.CanSend(taken) {
			// PollReady only yields streams with headroom for their next
			// message; ending up here means the bookkeeping diverged.
			return nil, internalErrorf("stream %d produced a %s it cannot send", id, taken.Cmd)
		}
		cmds = append(cmds, SendCmd{
			Cell: SendRelayCell{
				Hop:  hopNum,
				Cell: MsgOuter{StreamID: id, Msg: taken},
			},
		})
	}
	return cmds, nil
}

// HasStreams reports whether any hop has an open stream.
//
// This locks each hop's stream map in turn: never call it while a fairness
// pass is in progress or while any map is locked.
func (l *HopList) HasStreams() bool {
	for _, hop := range l.hops {
		if hop.NOpenStreams() > 0 {
			return true
		}
	}
	return false
}

// NOpenStreams returns the total number of open streams across all hops.
// The same locking caveat as HasStreams applies.
func (l *HopList) NOpenStreams() int {
	total := 0
	for _, hop := range l.hops {
		// No overflow concern; each hop caps out at 65535 streams.
		total += hop.NOpenStreams()
	}
	return total
}
