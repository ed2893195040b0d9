package signal

// Source tags the producer that emitted an event.
type Source string

const (
	SourceVision     Source = "vision"
	SourceAudioMic   Source = "audio_mic"
	SourceAudioCall  Source = "audio_call"
	SourceFilesystem Source = "filesystem"
	SourceTerminal   Source = "terminal"
	SourceClipboard  Source = "clipboard"
)

var allSources = []Source{
	SourceVision,
	SourceAudioMic,
	SourceAudioCall,
	SourceFilesystem,
	SourceTerminal,
	SourceClipboard,
}

// Sources returns every recognized source in a fixed order.
func Sources() []Source {
	out := make([]Source, len(allSources))
	copy(out, allSources)
	return out
}

// Valid reports whether s is a recognized source tag.
func (s Source) Valid() bool {
	for _, known := range allSources {
		if s == known {
			return true
		}
	}
	return false
}

// IsAudio reports whether s carries an AudioPayload.
func (s Source) IsAudio() bool {
	return s == SourceAudioMic || s == SourceAudioCall
}

// ParseSource converts a string into a Source, returning a ValidationError
// for unknown tags.
func ParseSource(v string) (Source, error) {
	s := Source(v)
	if !s.Valid() {
		return "", Invalid("source", "unrecognized source %q", v)
	}
	return s, nil
}

// ParseSources parses a list of source tags. An empty list means all sources.
func ParseSources(values []string) ([]Source, error) {
	out := make([]Source, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		s, err := ParseSource(v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
