// Package state owns the canonical display state. All mutation goes through
// Store's operations; network handlers never touch the fields directly, which
// keeps the single-writer invariant enforceable and testable.
package state

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/astromechza/versecast/internal/record"
)

// MicState is the microphone intent derived from or driving the current scene.
type MicState string

const (
	MicOn    MicState = "on"
	MicOff   MicState = "off"
	MicOther MicState = "other"
)

// Valid reports whether m is one of the three known states.
func (m MicState) Valid() bool {
	return m == MicOn || m == MicOff || m == MicOther
}

// Canonical is the single authoritative server-side state.
type Canonical struct {
	CurrentRecord   *record.Record
	Records         record.Set
	Microphone      MicState
	CurrentScene    string
	AvailableScenes []string
	OBSConnected    bool
}

func (c Canonical) clone() Canonical {
	out := c
	if c.CurrentRecord != nil {
		r := *c.CurrentRecord
		out.CurrentRecord = &r
	}
	out.Records = c.Records.Clone()
	if c.AvailableScenes != nil {
		out.AvailableScenes = append([]string(nil), c.AvailableScenes...)
	}
	return out
}

// Event describes one state transition. Flags name the slices that changed
// so the broadcast server knows which messages to fan out; State is a
// consistent snapshot taken inside the same critical section, so subscribers
// never observe half of a dual update.
type Event struct {
	Verses     bool
	Microphone bool
	OBSInfo    bool
	Scene      bool
	State      Canonical
}

// SceneChanger is the hook through which a microphone change mirrors into a
// scene-change request on the control service.
type SceneChanger interface {
	RequestSceneChange(name string)
}

// Store serializes all writes to the canonical state and notifies
// subscribers of every transition.
type Store struct {
	mu      sync.Mutex
	st      Canonical
	subs    []chan Event
	changer SceneChanger

	sceneToMic map[string]MicState
	micToScene map[MicState]string

	logger *slog.Logger
}

// NewStore builds a Store with the given scene-to-microphone mapping. The
// reverse mapping (microphone intent to scene name) is derived from it; when
// several scenes share an intent the lexicographically first wins so the
// choice is deterministic.
func NewStore(sceneMap map[string]MicState, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		st:         Canonical{Microphone: MicOff},
		sceneToMic: map[string]MicState{},
		micToScene: map[MicState]string{},
		logger:     logger,
	}
	scenes := make([]string, 0, len(sceneMap))
	for scene := range sceneMap {
		scenes = append(scenes, scene)
	}
	sort.Strings(scenes)
	for _, scene := range scenes {
		mic := sceneMap[scene]
		s.sceneToMic[scene] = mic
		if _, ok := s.micToScene[mic]; !ok {
			s.micToScene[mic] = scene
		}
	}
	return s
}

// SetSceneChanger wires the control-service mirror for microphone changes.
// Pass nil when no control service is configured.
func (s *Store) SetSceneChanger(c SceneChanger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changer = c
}

// Subscribe registers a listener for state transitions. The channel is
// buffered; a subscriber that falls far behind loses intermediate events but
// every delivered event carries a full snapshot, so it converges on the next
// one.
func (s *Store) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
	return ch
}

// Snapshot returns a consistent copy of the canonical state.
func (s *Store) Snapshot() Canonical {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.clone()
}

func (s *Store) notifyLocked(ev Event) {
	ev.State = s.st.clone()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropping state event for slow subscriber")
		}
	}
}

// ApplySourceUpdate replaces the current record from the watched source.
// A nil record means the source was deleted: the record set clears with it.
func (s *Store) ApplySourceUpdate(r *record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == nil {
		s.st.CurrentRecord = nil
		s.st.Records = nil
	} else {
		cp := *r
		s.st.CurrentRecord = &cp
	}
	s.notifyLocked(Event{Verses: true})
}

// ApplyRemoteUpdate replaces the record set only, leaving the current record
// untouched.
func (s *Store) ApplyRemoteUpdate(set record.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Records = set.Clone()
	s.notifyLocked(Event{Verses: true})
}

// ApplyRefresh replaces the current record and the record set in one
// transition, used when both came out of the same refresh cycle. Subscribers
// observe a single event carrying both halves.
func (s *Store) ApplyRefresh(r *record.Record, set record.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == nil {
		s.st.CurrentRecord = nil
	} else {
		cp := *r
		s.st.CurrentRecord = &cp
	}
	s.st.Records = set.Clone()
	s.notifyLocked(Event{Verses: true})
}

// SetReference promotes the record with the given reference from the record
// set to current. Unknown references log a warning and leave state untouched
// with no broadcast.
func (s *Store) SetReference(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.Records.Find(ref)
	if !ok {
		s.logger.Warn("reference not in record set", "reference", ref)
		return false
	}
	s.st.CurrentRecord = &r
	s.notifyLocked(Event{Verses: true})
	return true
}

// SetMicrophone applies a client-requested microphone state and, when a
// control service is wired, mirrors it into a scene-change request so the
// two stay consistent.
func (s *Store) SetMicrophone(m MicState) {
	if !m.Valid() {
		s.logger.Warn("ignoring unknown microphone state", "state", string(m))
		return
	}
	s.mu.Lock()
	s.st.Microphone = m
	scene, hasScene := s.micToScene[m]
	changer := s.changer
	sameScene := s.st.CurrentScene == scene
	s.notifyLocked(Event{Microphone: true})
	s.mu.Unlock()

	// The scene request goes out after the lock is released: the control
	// service calls back into SetSceneInfo when the change lands.
	if changer != nil && hasScene && !sameScene {
		changer.RequestSceneChange(scene)
	}
}

// SetSceneInfo records the scene state observed on the control service and
// derives the microphone state from the scene mapping. An unmapped scene
// leaves the microphone untouched; a derived value equal to the current one
// is skipped, which breaks the client-set-mic / server-observes-scene
// feedback loop.
func (s *Store) SetSceneInfo(scene string, available []string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{}
	if s.st.CurrentScene != scene {
		ev.Scene = scene != ""
		ev.OBSInfo = true
		s.st.CurrentScene = scene
	}
	if !stringsEqual(s.st.AvailableScenes, available) {
		ev.OBSInfo = true
		s.st.AvailableScenes = append([]string(nil), available...)
	}
	if s.st.OBSConnected != connected {
		ev.OBSInfo = true
		s.st.OBSConnected = connected
	}

	if mic, ok := s.sceneToMic[scene]; ok && mic != s.st.Microphone {
		s.st.Microphone = mic
		ev.Microphone = true
	}

	if ev.Scene || ev.OBSInfo || ev.Microphone {
		s.notifyLocked(ev)
	}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
