// ABOUTME: Timing marker records emitted at recording start/stop
// ABOUTME: Renders markers into bus payloads and LSL-style CSV samples
package marker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/childmindresearch/MoBI-AV/internal/media"
	"github.com/childmindresearch/MoBI-AV/internal/protocol"
)

// Time layouts used in marker payloads and filenames
const (
	FilenameLayout = "20060102_150405"
	AudioISOLayout = "2006-01-02T15:04:05.000Z07:00"
	VideoISOLayout = "2006-01-02T15:04:05.000000Z07:00"
)

// Kind is the event a marker records
type Kind int

const (
	Start Kind = iota
	Stop
)

func (k Kind) String() string {
	if k == Stop {
		return "stop"
	}
	return "start"
}

// Marker is an immutable record of one start/stop event of one modality.
// It is passed by value; nothing holds a reference to an emitted marker.
type Marker struct {
	Modality  media.Modality
	Kind      Kind
	SessionID string
	SubjectID string
	Filename  string
	At        time.Time // true-event instant from the clock source
	Params    media.Params
}

type key struct {
	session  string
	modality media.Modality
	kind     Kind
}

func (m Marker) key() key {
	return key{session: m.SessionID, modality: m.Modality, kind: m.Kind}
}

// ISOTimestamp renders At with the precision of the marker's modality
func (m Marker) ISOTimestamp() string {
	if m.Modality == media.Video {
		return m.At.Format(VideoISOLayout)
	}
	return m.At.Format(AudioISOLayout)
}

// Sample renders the marker as a single CSV string:
//
//	AUDIO_START,<subject>,<file>,<ts>,<channels>,<rate>,<iso>
//	AUDIO_STOP,<file>,<ts>
//	VIDEO_START,<subject>,<file>,<ts>,<iso>,<fps>
//	VIDEO_STOP,<file>,<ts>
func (m Marker) Sample() string {
	tag := strings.ToUpper(m.Modality.String()) + "_" + strings.ToUpper(m.Kind.String())
	ts := m.At.Format(FilenameLayout)

	if m.Kind == Stop {
		return strings.Join([]string{tag, m.Filename, ts}, ",")
	}

	if m.Modality == media.Video {
		return strings.Join([]string{
			tag, m.SubjectID, m.Filename, ts, m.ISOTimestamp(),
			strconv.FormatFloat(m.Params.FPS, 'g', -1, 64),
		}, ",")
	}

	return strings.Join([]string{
		tag, m.SubjectID, m.Filename, ts,
		strconv.Itoa(m.Params.Channels), strconv.Itoa(m.Params.SampleRate),
		m.ISOTimestamp(),
	}, ",")
}

// Payload converts the marker into its bus representation
func (m Marker) Payload(stream string, seq uint64) protocol.Marker {
	p := protocol.Marker{
		Stream:       stream,
		Seq:          seq,
		Modality:     m.Modality.String(),
		Event:        m.Kind.String(),
		SessionID:    m.SessionID,
		SubjectID:    m.SubjectID,
		Filename:     m.Filename,
		Timestamp:    m.At.Format(FilenameLayout),
		ISOTimestamp: m.ISOTimestamp(),
		Micros:       m.At.UnixMicro(),
		Sample:       m.Sample(),
	}

	switch m.Modality {
	case media.Audio:
		p.Channels = m.Params.Channels
		p.SampleRate = m.Params.SampleRate
	case media.Video:
		p.FPS = m.Params.FPS
	}

	return p
}

func (m Marker) String() string {
	return fmt.Sprintf("%s %s session=%s at=%s", m.Modality, m.Kind, m.SessionID, m.ISOTimestamp())
}
