package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// The live endpoint speaks a JSON envelope protocol over a single websocket:
// the client sends one setup envelope and then realtimeInput envelopes with
// base64 media chunks; the server answers with setupComplete and
// serverContent frames carrying interleaved audio and text parts.

var ErrUnknownMessage = errors.New("unknown server message")

// MediaChunk is one outbound audio or video payload. Data is raw bytes;
// base64 is applied here, at serialization time, not by the producer.
type MediaChunk struct {
	MIMEType string
	Data     []byte
}

// SetupParams configures the session in the first envelope after connect.
type SetupParams struct {
	Model             string
	ResponseModality  string
	VoiceName         string
	SystemInstruction string
}

type mediaChunkJSON struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputJSON struct {
	MediaChunks []mediaChunkJSON `json:"mediaChunks"`
}

type textPartJSON struct {
	Text string `json:"text"`
}

type speechConfigJSON struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type setupJSON struct {
	Model            string `json:"model"`
	GenerationConfig struct {
		ResponseModalities []string          `json:"responseModalities"`
		SpeechConfig       *speechConfigJSON `json:"speechConfig,omitempty"`
	} `json:"generationConfig"`
	SystemInstruction *struct {
		Parts []textPartJSON `json:"parts"`
	} `json:"systemInstruction,omitempty"`
}

// EncodeSetup builds the {setup: ...} envelope. It is sent exactly once,
// immediately after the socket opens.
func EncodeSetup(p SetupParams) ([]byte, error) {
	if strings.TrimSpace(p.Model) == "" {
		return nil, errors.New("setup requires a model id")
	}
	modality := strings.TrimSpace(p.ResponseModality)
	if modality == "" {
		modality = "AUDIO"
	}

	var s setupJSON
	s.Model = p.Model
	s.GenerationConfig.ResponseModalities = []string{modality}
	if v := strings.TrimSpace(p.VoiceName); v != "" {
		sc := &speechConfigJSON{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = v
		s.GenerationConfig.SpeechConfig = sc
	}
	if text := strings.TrimSpace(p.SystemInstruction); text != "" {
		s.SystemInstruction = &struct {
			Parts []textPartJSON `json:"parts"`
		}{Parts: []textPartJSON{{Text: text}}}
	}

	return json.Marshal(map[string]any{"setup": s})
}

// EncodeMediaChunks wraps one or more chunks in a {realtimeInput: ...}
// envelope. The payload bytes are base64-encoded here.
func EncodeMediaChunks(chunks ...MediaChunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, errors.New("no media chunks")
	}
	input := realtimeInputJSON{MediaChunks: make([]mediaChunkJSON, 0, len(chunks))}
	for _, c := range chunks {
		if c.MIMEType == "" {
			return nil, errors.New("media chunk missing mime type")
		}
		input.MediaChunks = append(input.MediaChunks, mediaChunkJSON{
			MIMEType: c.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(c.Data),
		})
	}
	return json.Marshal(map[string]any{"realtimeInput": input})
}

// ServerEvent is one decoded inbound event. A single frame can yield several
// events (each model-turn part is its own event, turnComplete is another).
type ServerEvent interface {
	serverEvent()
}

// SetupComplete acknowledges the setup envelope; media may flow after it.
type SetupComplete struct{}

// ModelAudio carries one decoded audio payload from a model turn.
type ModelAudio struct {
	MIMEType string
	Data     []byte
}

// ModelText carries one text part from a model turn, unmodified.
type ModelText struct {
	Text string
}

// TurnComplete marks the end of one model response unit.
type TurnComplete struct{}

func (SetupComplete) serverEvent() {}
func (ModelAudio) serverEvent()    {}
func (ModelText) serverEvent()     {}
func (TurnComplete) serverEvent()  {}

type inlineDataJSON struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type serverPartJSON struct {
	Text       string          `json:"text"`
	InlineData *inlineDataJSON `json:"inlineData"`
}

type serverFrameJSON struct {
	SetupComplete *json.RawMessage `json:"setupComplete"`
	ServerContent *struct {
		ModelTurn *struct {
			Parts []serverPartJSON `json:"parts"`
		} `json:"modelTurn"`
		TurnComplete bool `json:"turnComplete"`
	} `json:"serverContent"`
}

// ParseServerMessage decodes one raw websocket frame into events, in the
// order they appear. An unrecognized but well-formed frame returns
// ErrUnknownMessage so the caller can log it and keep reading.
func ParseServerMessage(raw []byte) ([]ServerEvent, error) {
	var frame serverFrameJSON
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("invalid server frame: %w", err)
	}

	var events []ServerEvent
	if frame.SetupComplete != nil {
		events = append(events, SetupComplete{})
	}
	if sc := frame.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				switch {
				case part.InlineData != nil:
					if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
						continue
					}
					data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
					if err != nil {
						return nil, fmt.Errorf("invalid audio part: %w", err)
					}
					events = append(events, ModelAudio{MIMEType: part.InlineData.MIMEType, Data: data})
				case part.Text != "":
					events = append(events, ModelText{Text: part.Text})
				}
			}
		}
		if sc.TurnComplete {
			events = append(events, TurnComplete{})
		}
	}

	if len(events) == 0 {
		return nil, ErrUnknownMessage
	}
	return events, nil
}
