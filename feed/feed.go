// Package feed defines the raw message model shared by the transports, the
// delay buffer, and the topic normalizers.
package feed

import (
	"encoding/json"
	"time"
)

// Topic names as they appear on the wire.
const (
	TopicTimingData             = "TimingData"
	TopicTimingAppData          = "TimingAppData"
	TopicDriverList             = "DriverList"
	TopicTrackStatus            = "TrackStatus"
	TopicSessionStatus          = "SessionStatus"
	TopicSessionInfo            = "SessionInfo"
	TopicRaceControlMessages    = "RaceControlMessages"
	TopicWeatherData            = "WeatherData"
	TopicLapCount               = "LapCount"
	TopicExtrapolatedClock      = "ExtrapolatedClock"
	TopicTopThree               = "TopThree"
	TopicTyreStintSeries        = "TyreStintSeries"
	TopicTeamRadio              = "TeamRadio"
	TopicPitStopSeries          = "PitStopSeries"
	TopicChampionshipPrediction = "ChampionshipPrediction"
	TopicHeartbeat              = "Heartbeat"
)

// Topics is the full subscription set, in subscribe order.
var Topics = []string{
	TopicTimingData,
	TopicTimingAppData,
	TopicDriverList,
	TopicTrackStatus,
	TopicSessionStatus,
	TopicSessionInfo,
	TopicRaceControlMessages,
	TopicWeatherData,
	TopicLapCount,
	TopicExtrapolatedClock,
	TopicTopThree,
	TopicTyreStintSeries,
	TopicTeamRadio,
	TopicPitStopSeries,
	TopicChampionshipPrediction,
	TopicHeartbeat,
}

// RawMessage is one timestamped feed message. Created by a transport, owned
// exclusively until handed to the delay buffer, immutable after creation.
type RawMessage struct {
	Topic       string
	Payload     json.RawMessage
	ArrivalTime time.Time
	Seq         uint64

	// Reset marks a synthetic boundary message emitted by the live
	// transport after a reconnect gap exceeded the staleness threshold.
	// Normalizers rebuild their topic state from the snapshot that
	// follows.
	Reset bool
}

// Frame is one recorded feed message in an archive, positioned by its offset
// from the start of the recording.
type Frame struct {
	Offset  time.Duration   `json:"-"`
	Topic   string          `json:"s"`
	Payload json.RawMessage `json:"p"`
}

// IsKnownTopic reports whether topic is part of the subscription set.
func IsKnownTopic(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}
	return false
}
