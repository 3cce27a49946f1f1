// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package devmem

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/mohae/deepcopy"
	"golang.org/x/time/rate"
)

// segmentSnapshot pairs a segment with a point-in-time copy of its
// stats, taken without holding the segment's lock while the monitor
// decides what to do (spec.md §4.5: "must not hold any segment lock
// while deciding").
type segmentSnapshot struct {
	seg   *Segment
	stats SegmentStats
}

// FragmentationMonitor implements spec.md §4.5: it samples segment
// statistics, computes a fragmentation score, and triggers merge or
// compaction. Sampling cadence is throttled by a token-bucket limiter
// (golang.org/x/time/rate) and, after a CompactionFailed, the monitor
// backs off exponentially (github.com/cenkalti/backoff) before it will
// attempt compaction on that device group again.
type FragmentationMonitor struct {
	mu sync.Mutex

	threshold float64
	limiter   *rate.Limiter
	log       Logger

	cooldowns map[int]backoff.BackOff
	blockedTo map[int]time.Time
}

func newFragmentationMonitor(threshold float64, minInterval time.Duration, log Logger) *FragmentationMonitor {
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &FragmentationMonitor{
		threshold: threshold,
		limiter:   rate.NewLimiter(rate.Every(minInterval), 1),
		log:       defaultLogger(log),
		cooldowns: make(map[int]backoff.BackOff),
		blockedTo: make(map[int]time.Time),
	}
}

func (m *FragmentationMonitor) cooldownFor(deviceID int) backoff.BackOff {
	if b, ok := m.cooldowns[deviceID]; ok {
		return b
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // never gives up producing further intervals
	m.cooldowns[deviceID] = b
	return b
}

// tick runs one sampling pass across every device group known to f. It
// is rate-limited globally (one pass per minInterval at most) and skips
// any device group still inside its post-failure cooldown window.
func (m *FragmentationMonitor) tick(f *Facade) error {
	if !m.limiter.Allow() {
		return nil
	}

	for _, deviceID := range f.deviceIDs() {
		m.mu.Lock()
		blockedUntil, blocked := m.blockedTo[deviceID]
		m.mu.Unlock()
		if blocked && time.Now().Before(blockedUntil) {
			continue
		}

		if err := m.sampleDevice(f, deviceID); err != nil {
			m.mu.Lock()
			delay := m.cooldownFor(deviceID).NextBackOff()
			m.blockedTo[deviceID] = time.Now().Add(delay)
			m.mu.Unlock()
			m.log.Warnf("devmem: monitor backing off device %d for %s after: %v", deviceID, delay, err)
			return err
		}

		m.mu.Lock()
		delete(m.blockedTo, deviceID)
		delete(m.cooldowns, deviceID)
		m.mu.Unlock()
	}
	return nil
}

func (m *FragmentationMonitor) sampleDevice(f *Facade, deviceID int) error {
	snaps := f.snapshotDevice(deviceID)

	if len(snaps) >= 2 {
		if merged, err := f.mergeAdjacentForDevice(deviceID); err != nil {
			return err
		} else if merged > 0 {
			snaps = f.snapshotDevice(deviceID)
		}
	}

	return m.maybeCompact(f, snaps)
}

// maybeCompact picks the most fragmented segment above threshold and
// compacts it. The stats used for that decision are deep-copied away
// from snaps before sorting/filtering, so the decision logic never reads
// through a *Segment while segments it doesn't pick keep mutating
// concurrently; only the chosen segment's own pointer (read from the
// original, un-copied snaps slice) is ever dereferenced.
func (m *FragmentationMonitor) maybeCompact(f *Facade, snaps []segmentSnapshot) error {
	statsOnly := make([]SegmentStats, len(snaps))
	for i, s := range snaps {
		statsOnly[i] = s.stats
	}
	isolated, ok := deepcopy.Copy(statsOnly).([]SegmentStats)
	if !ok {
		isolated = statsOnly
	}

	worst := -1
	worstFrag := m.threshold
	for i, st := range isolated {
		if frag := st.Fragmentation(); frag > worstFrag {
			worstFrag = frag
			worst = i
		}
	}
	if worst < 0 {
		return nil
	}
	_, err := f.doCompact(snaps[worst].seg)
	return err
}
