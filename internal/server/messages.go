package server

import (
	"github.com/astromechza/versecast/internal/record"
	"github.com/astromechza/versecast/internal/state"
)

// Wire envelope: flat JSON with a "type" discriminator, no nested wrapper.
// The verses payload is standardized on {currentVerse, verses}; the legacy
// {currentBook, verses} shape is not emitted.

type inboundMessage struct {
	Type      string `json:"type"`
	Reference string `json:"reference,omitempty"`
	Action    string `json:"action,omitempty"`
	Scene     string `json:"scene,omitempty"`
}

type versesMessage struct {
	Type         string         `json:"type"`
	CurrentVerse *record.Record `json:"currentVerse"`
	Verses       record.Set     `json:"verses"`
}

type microphoneStatusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type obsInfoMessage struct {
	Type            string   `json:"type"`
	Connected       bool     `json:"connected"`
	CurrentScene    string   `json:"currentScene"`
	AvailableScenes []string `json:"availableScenes"`
}

type obsSceneChangedMessage struct {
	Type  string `json:"type"`
	Scene string `json:"scene"`
}

type sceneStatusMessage struct {
	Type  string          `json:"type"`
	Scene string          `json:"scene"`
	Data  sceneStatusData `json:"data"`
}

type sceneStatusData struct {
	AvailableScenes []string `json:"availableScenes"`
	Connected       bool     `json:"connected"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func newVersesMessage(st state.Canonical) versesMessage {
	verses := st.Records
	if verses == nil {
		verses = record.Set{}
	}
	return versesMessage{Type: "verses", CurrentVerse: st.CurrentRecord, Verses: verses}
}

func newMicrophoneStatusMessage(st state.Canonical) microphoneStatusMessage {
	return microphoneStatusMessage{Type: "microphoneStatus", Status: string(st.Microphone)}
}

func newOBSInfoMessage(st state.Canonical) obsInfoMessage {
	scenes := st.AvailableScenes
	if scenes == nil {
		scenes = []string{}
	}
	return obsInfoMessage{
		Type:            "obsInfo",
		Connected:       st.OBSConnected,
		CurrentScene:    st.CurrentScene,
		AvailableScenes: scenes,
	}
}
