// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"sort"
	"time"

	"github.com/google/btree"
)

type deadlineItem struct {
	deadline time.Time
	seq      uint64
	pdu      *pdu
}

func deadlineLess(a, b deadlineItem) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.seq < b.seq
}

func newDeadlineIndex() *btree.BTreeG[deadlineItem] {
	return btree.NewG[deadlineItem](8, deadlineLess)
}

func (session *Session) trackDeadline(p *pdu, deadline time.Time) {
	session.untrackDeadline(p)
	if deadline.IsZero() {
		return
	}
	session.seq++
	p.deadline = deadline
	p.seq = session.seq
	session.deadlines.ReplaceOrInsert(deadlineItem{deadline: deadline, seq: p.seq, pdu: p})
}

func (session *Session) untrackDeadline(p *pdu) {
	if p.deadline.IsZero() {
		return
	}
	session.deadlines.Delete(deadlineItem{deadline: p.deadline, seq: p.seq})
	p.deadline = time.Time{}
}

// expired lists the PDUs whose deadline is not after now, earliest first.
func (session *Session) expired(now time.Time) []*pdu {
	var result []*pdu
	session.deadlines.Ascend(func(item deadlineItem) bool {
		if item.deadline.After(now) {
			return false
		}
		result = append(result, item.pdu)
		return true
	})
	return result
}

// enqueue inserts into the outqueue: immediate PDUs ahead of non-immediate
// ones, the rest in CmdSN order, FIFO among equals.
func (session *Session) enqueue(p *pdu) {
	index := len(session.outqueue)
	for i, queued := range session.outqueue {
		if p.immediate() {
			if !queued.immediate() {
				index = i
				break
			}
			continue
		}
		if !queued.immediate() && serialBefore(p.cmdSN, queued.cmdSN) {
			index = i
			break
		}
	}
	session.outqueue = append(session.outqueue, nil)
	copy(session.outqueue[index+1:], session.outqueue[index:])
	session.outqueue[index] = p
	p.location = locationOutqueue
	session.signalWake()
}

func (session *Session) removeFromOutqueue(p *pdu) {
	for i, queued := range session.outqueue {
		if queued == p {
			session.outqueue = append(session.outqueue[:i], session.outqueue[i+1:]...)
			return
		}
	}
}

func (session *Session) removeFromHeld(p *pdu) {
	for i, held := range session.held {
		if held == p {
			session.held = append(session.held[:i], session.held[i+1:]...)
			return
		}
	}
}

// unlink takes the PDU out of whichever container holds it. A partially
// written current PDU stays in place, marked canceled, and is discarded once written.
func (session *Session) unlink(p *pdu) {
	switch p.location {
	case locationOutqueue:
		session.removeFromOutqueue(p)
		session.releaseCmdSN(p)
	case locationCurrent:
		if p.partiallyWritten() {
			p.canceled = true
			session.untrackDeadline(p)
			return
		}
		session.current = nil
		session.releaseCmdSN(p)
	case locationWaiting:
		if session.waiting[p.itt] == p {
			delete(session.waiting, p.itt)
		}
	case locationHeld:
		session.removeFromHeld(p)
	}
	p.location = locationNone
	session.untrackDeadline(p)
}

// unlinkChildren drops the Data-Out PDUs generated for a command.
func (session *Session) unlinkChildren(parent *pdu) {
	var children []*pdu
	for _, queued := range session.outqueue {
		if queued.parent == parent {
			children = append(children, queued)
		}
	}
	if session.current != nil && session.current.parent == parent {
		children = append(children, session.current)
	}
	for _, child := range children {
		session.unlink(child)
	}
}

// finish releases the PDU and queues its completion.
func (session *Session) finish(p *pdu, result Result) {
	session.unlink(p)
	session.unlinkChildren(p)
	if p.handle == nil {
		return
	}
	if session.active[p.handle] == p {
		delete(session.active, p.handle)
	}
	session.completions = append(session.completions, completion{handle: p.handle, result: result})
}

// allPDUs lists every PDU the session owns, in transmission order.
func (session *Session) allPDUs() []*pdu {
	var result []*pdu
	if session.current != nil && !session.current.canceled {
		result = append(result, session.current)
	}
	result = append(result, session.outqueue...)
	waiting := make([]*pdu, 0, len(session.waiting))
	for _, p := range session.waiting {
		waiting = append(waiting, p)
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return serialBefore(waiting[i].cmdSN, waiting[j].cmdSN)
	})
	result = append(result, waiting...)
	result = append(result, session.held...)
	return result
}

// failAll completes every PDU with the same status.
func (session *Session) failAll(status Status, err error) {
	for _, p := range session.allPDUs() {
		if p.kind == kindDataOut {
			session.unlink(p)
			continue
		}
		session.finish(p, Result{Status: status, Err: err})
	}
	session.outqueue = nil
	session.current = nil
	session.waiting = make(map[uint32]*pdu)
	session.held = nil
}
