package services

import (
	"errors"
	"fmt"
	"time"

	"pairline/internal/core/domain"
	"pairline/pkg/utils"
)

// beginIteration starts one search round: a directory fetch whose result
// comes back as a directoryResultEvent. Results of older rounds are dropped.
func (m *SessionMachine) beginIteration() {
	if m.state.Kind != domain.StateSearching {
		return
	}
	m.fetchSeq++
	seq := m.fetchSeq
	m.renderer.SetStatus("scanning network")

	ctx := m.ctx
	go func() {
		peers, err := m.dir.ListPeers(ctx)
		m.post(directoryResultEvent{seq: seq, peers: peers, err: err})
	}()
}

func (m *SessionMachine) handleDirectoryResult(ev directoryResultEvent) {
	if ev.seq != m.fetchSeq || m.state.Kind != domain.StateSearching {
		return
	}

	if ev.err != nil {
		m.recorder.RecordDirectoryQuery(0, ev.err)
		m.logger.Warnw("directory query failed", "error", ev.err)
		m.renderer.Log("network silent, retrying scan")
		m.scheduleRetry(m.cfg.NetworkBackoff)
		return
	}

	candidates := m.filterCandidates(ev.peers)
	m.recorder.RecordDirectoryQuery(len(candidates), nil)
	if len(candidates) == 0 {
		m.renderer.SetStatus("no candidates")
		m.renderer.Log("no candidates online, waiting")
		m.scheduleRetry(m.cfg.EmptyBackoff)
		return
	}

	target := candidates[m.rng.Intn(len(candidates))]
	jitter := m.jitter()
	m.logger.Debugw("candidate selected", "target", target, "candidates", len(candidates), "jitter", jitter)
	m.renderer.Log(fmt.Sprintf("candidate %s, dialing in %s", utils.ShortID(target.String()), utils.FormatDuration(jitter)))

	m.schedule(jitter, func(seq uint64) sessionEvent {
		return dialTimerEvent{seq: seq, target: target}
	})
}

// filterCandidates drops the local identity, blanks and duplicates.
func (m *SessionMachine) filterCandidates(peers []domain.PeerID) []domain.PeerID {
	seen := make(map[domain.PeerID]struct{}, len(peers))
	candidates := make([]domain.PeerID, 0, len(peers))
	for _, p := range peers {
		if p == "" || p == m.self {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		candidates = append(candidates, p)
	}
	return candidates
}

func (m *SessionMachine) handleRetryTimer(ev retryTimerEvent) {
	if ev.seq != m.timerSeq {
		return
	}
	m.timer = nil
	m.beginIteration()
}

func (m *SessionMachine) handleDialTimer(ev dialTimerEvent) {
	if ev.seq != m.timerSeq {
		return
	}
	m.timer = nil
	if m.state.Kind != domain.StateSearching || m.call != nil {
		m.renderer.Log("abort: line busy")
		return
	}
	m.dial(ev.target)
}

// dial opens the media call and the data channel to target together and
// waits for remote media until the no-answer deadline.
func (m *SessionMachine) dial(target domain.PeerID) {
	m.renderer.SetStatus("establishing uplink")
	m.renderer.Log(fmt.Sprintf("dialing %s", utils.ShortID(target.String())))

	call, err := m.relay.Call(m.ctx, target, m.media.Tracks())
	if err != nil {
		if errors.Is(err, domain.ErrPeerUnavailable) {
			m.recorder.RecordAttemptFailed(domain.FailurePeerUnavailable)
			m.renderer.Log("target gone, reselecting")
			m.beginIteration()
			return
		}
		m.recorder.RecordAttemptFailed(domain.FailureNetwork)
		m.logger.Warnw("call failed", "target", target, "error", err)
		m.renderer.Log("network silent, retrying scan")
		m.scheduleRetry(m.cfg.NetworkBackoff)
		return
	}
	m.attachCall(call)

	data, err := m.relay.ConnectData(m.ctx, target)
	if err != nil {
		m.logger.Warnw("data channel failed, continuing without chat", "target", target, "error", err)
	} else {
		m.attachData(data)
	}

	timeout := m.noAnswerTimeout()
	m.transition(domain.Dialing(target, m.clock.Now().Add(timeout)), "dial")
	m.scheduleNoAnswer(timeout)
	m.resolvePendingData()
}

func (m *SessionMachine) handleNoAnswer(ev noAnswerEvent) {
	if ev.seq != m.timerSeq {
		return
	}
	m.timer = nil
	m.failAttempt(domain.FailureTimeout, domain.ErrNoAnswer.Error())
}

func (m *SessionMachine) scheduleRetry(d time.Duration) {
	m.schedule(d, func(seq uint64) sessionEvent {
		return retryTimerEvent{seq: seq}
	})
}

func (m *SessionMachine) scheduleNoAnswer(d time.Duration) {
	m.schedule(d, func(seq uint64) sessionEvent {
		return noAnswerEvent{seq: seq}
	})
}

// schedule replaces the pending timer. Only one timer is live at a time, so
// scheduling or cancelling always invalidates the previous one.
func (m *SessionMachine) schedule(d time.Duration, build func(seq uint64) sessionEvent) {
	m.cancelTimer()
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(d, func() {
		m.post(build(seq))
	})
}

func (m *SessionMachine) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *SessionMachine) jitter() time.Duration {
	if m.cfg.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(m.rng.Int63n(int64(m.cfg.MaxJitter) + 1))
}

// noAnswerTimeout draws the wait-for-media window so that actors timing out
// together do not retry in lockstep.
func (m *SessionMachine) noAnswerTimeout() time.Duration {
	spread := m.cfg.DialTimeoutMax - m.cfg.DialTimeoutMin
	if spread <= 0 {
		return m.cfg.DialTimeoutMin
	}
	return m.cfg.DialTimeoutMin + time.Duration(m.rng.Int63n(int64(spread)+1))
}
