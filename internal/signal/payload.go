package signal

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Payload is the source-specific content of an event. The set of
// implementations is closed: VisionPayload, AudioPayload, FilePayload,
// TerminalPayload and ClipboardPayload.
type Payload interface {
	// IndexText returns the text indexed by the lexical and semantic search
	// backends.
	IndexText() string

	accepts(src Source) bool
	validate(src Source) error
	mapText(fn func(string) string) Payload
}

// VisionPayload is an OCR'd screen capture.
type VisionPayload struct {
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence,omitempty"`
	WindowTitle   string  `json:"window_title,omitempty"`
	ImagePath     string  `json:"image_path,omitempty"`
	ImageHash     string  `json:"image_hash,omitempty"`
	TriggerReason string  `json:"trigger_reason,omitempty"`
}

func (p VisionPayload) IndexText() string {
	return joinNonEmpty(p.WindowTitle, p.Text)
}

func (VisionPayload) accepts(src Source) bool { return src == SourceVision }

func (p VisionPayload) validate(Source) error {
	return checkConfidence(p.Confidence)
}

func (p VisionPayload) mapText(fn func(string) string) Payload {
	p.Text = fn(p.Text)
	p.WindowTitle = fn(p.WindowTitle)
	return p
}

// Speaker identifies who produced an audio transcript.
type Speaker string

const (
	SpeakerUser    Speaker = "user"
	SpeakerRemus   Speaker = "remus"
	SpeakerGenesis Speaker = "genesis"
	SpeakerUnknown Speaker = "unknown"
)

// AudioPayload is a transcript segment from the microphone or a call.
type AudioPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Speaker    Speaker `json:"speaker,omitempty"`
	CallID     string  `json:"call_id,omitempty"`
	AudioFile  string  `json:"audio_file,omitempty"`
}

func (p AudioPayload) IndexText() string { return p.Text }

func (AudioPayload) accepts(src Source) bool { return src.IsAudio() }

func (p AudioPayload) validate(src Source) error {
	if strings.TrimSpace(p.Text) == "" {
		return Invalid("payload.text", "required")
	}
	switch p.Speaker {
	case "", SpeakerUser, SpeakerRemus, SpeakerGenesis, SpeakerUnknown:
	default:
		return Invalid("payload.speaker", "unrecognized speaker %q", p.Speaker)
	}
	if src == SourceAudioCall && p.CallID == "" {
		return Invalid("payload.call_id", "required for %s events", src)
	}
	return checkConfidence(p.Confidence)
}

func (p AudioPayload) mapText(fn func(string) string) Payload {
	p.Text = fn(p.Text)
	return p
}

// FileAction is the kind of filesystem activity observed.
type FileAction string

const (
	FileOpen   FileAction = "open"
	FileClose  FileAction = "close"
	FileCreate FileAction = "create"
	FileModify FileAction = "modify"
	FileDelete FileAction = "delete"
	FileCommit FileAction = "commit"
)

// FilePayload describes file or repository activity.
type FilePayload struct {
	Path         string     `json:"path"`
	Action       FileAction `json:"action"`
	CommitHash   string     `json:"commit_hash,omitempty"`
	Message      string     `json:"message,omitempty"`
	FilesChanged int        `json:"files_changed,omitempty"`
}

func (p FilePayload) IndexText() string {
	return joinNonEmpty(p.Path, string(p.Action), p.Message)
}

func (FilePayload) accepts(src Source) bool { return src == SourceFilesystem }

func (p FilePayload) validate(Source) error {
	if p.Path == "" {
		return Invalid("payload.path", "required")
	}
	switch p.Action {
	case FileOpen, FileClose, FileCreate, FileModify, FileDelete:
	case FileCommit:
		if p.CommitHash == "" {
			return Invalid("payload.commit_hash", "required for commit actions")
		}
	default:
		return Invalid("payload.action", "unrecognized action %q", p.Action)
	}
	if p.FilesChanged < 0 {
		return Invalid("payload.files_changed", "must not be negative")
	}
	return nil
}

func (p FilePayload) mapText(fn func(string) string) Payload {
	p.Message = fn(p.Message)
	return p
}

// TerminalPayload is one executed shell command.
type TerminalPayload struct {
	Command  string `json:"command"`
	Output   string `json:"output,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
}

func (p TerminalPayload) IndexText() string {
	return joinNonEmpty(p.Command, p.Output)
}

func (TerminalPayload) accepts(src Source) bool { return src == SourceTerminal }

func (p TerminalPayload) validate(Source) error {
	if strings.TrimSpace(p.Command) == "" {
		return Invalid("payload.command", "required")
	}
	return nil
}

func (p TerminalPayload) mapText(fn func(string) string) Payload {
	p.Command = fn(p.Command)
	p.Output = fn(p.Output)
	return p
}

// Failed reports whether the command exited with a non-zero status.
func (p TerminalPayload) Failed() bool {
	return p.ExitCode != nil && *p.ExitCode != 0
}

// ClipboardPayload is copied text.
type ClipboardPayload struct {
	Text        string `json:"text"`
	ContentType string `json:"content_type,omitempty"`
}

func (p ClipboardPayload) IndexText() string { return p.Text }

func (ClipboardPayload) accepts(src Source) bool { return src == SourceClipboard }

func (p ClipboardPayload) validate(Source) error {
	if p.Text == "" {
		return Invalid("payload.text", "required")
	}
	return nil
}

func (p ClipboardPayload) mapText(fn func(string) string) Payload {
	p.Text = fn(p.Text)
	return p
}

// DecodePayload decodes raw JSON into the payload shape fixed for src.
// Unknown fields are rejected so a payload built for one source cannot be
// stored under another.
func DecodePayload(src Source, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, Invalid("payload", "required")
	}

	var target Payload
	switch src {
	case SourceVision:
		var p VisionPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case SourceAudioMic, SourceAudioCall:
		var p AudioPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case SourceFilesystem:
		var p FilePayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case SourceTerminal:
		var p TerminalPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case SourceClipboard:
		var p ClipboardPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		target = p
	default:
		return nil, Invalid("source", "unrecognized source %q", src)
	}
	return target, nil
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return Invalid("payload", "%v", err)
	}
	return nil
}

func checkConfidence(c float64) error {
	if c < 0 || c > 1 {
		return Invalid("payload.confidence", "must be within [0,1], got %v", c)
	}
	return nil
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
